// Fleet hub - telemetry ingestion service.
//
// The hub accepts numeric values and device statuses from edge devices
// over gRPC, batches them per tenant, persists them into the tenant's
// SQLite database and demotes devices that stop sending heartbeats.
// Persisted values are optionally mirrored to InfluxDB and device health
// transitions are optionally published on MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	_ "github.com/nerrad567/fleet-telemetry/migrations"

	"github.com/nerrad567/fleet-telemetry/internal/api"
	"github.com/nerrad567/fleet-telemetry/internal/device"
	"github.com/nerrad567/fleet-telemetry/internal/events"
	"github.com/nerrad567/fleet-telemetry/internal/hub/buffer"
	"github.com/nerrad567/fleet-telemetry/internal/hub/liveness"
	"github.com/nerrad567/fleet-telemetry/internal/hub/store"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/config"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/database"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/influxdb"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/logging"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/metrics"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleet-telemetry/internal/ingest"
	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	serviceName       = "fleet-hub"
	defaultConfigPath = "configs/config.yaml"
	dataDirPerm       = 0o750
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the hub and blocks until ctx is cancelled or the gRPC
// listener fails.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting fleet hub",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, serviceName, version)
	log.Info("configuration loaded", "path", configPath)

	// Tenant databases
	if err := os.MkdirAll(cfg.Database.Dir, dataDirPerm); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}
	pool := database.NewTenantPool(database.PoolConfig{
		Dir:         cfg.Database.Dir,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	defer func() {
		log.Info("closing tenant databases")
		if closeErr := pool.Close(); closeErr != nil {
			log.Error("error closing tenant databases", "error", closeErr)
		}
	}()
	directory := device.NewDirectory(pool)
	reg := metrics.New()

	checks := map[string]api.HealthChecker{"database": pool}

	// InfluxDB mirror (optional)
	var mirror store.Mirror
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		mirror = influxClient
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Device events over MQTT (optional)
	var bus *events.Bus
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		bus = events.NewBus(mqttClient)
		checks["mqtt"] = mqttClient
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Persistence callbacks
	metricsWriter := store.NewMetricsWriter(pool)
	metricsWriter.SetLogger(log)
	statusWriter := store.NewStatusWriter(directory)
	statusWriter.SetLogger(log)
	if mirror != nil {
		metricsWriter.SetMirror(mirror)
		statusWriter.SetMirror(mirror)
	}
	if bus != nil {
		statusWriter.SetPublisher(bus)
	}

	// Tenant buffers
	values := buffer.New[telemetry.NumericScalarValue](buffer.Config{
		Name:          "metrics",
		BatchSize:     cfg.Hub.Buffers.MetricsBatchSize,
		QueueSize:     cfg.Hub.Buffers.QueueSize,
		FlushInterval: cfg.GetBufferFlushInterval(),
		WriteTimeout:  cfg.GetBufferWriteTimeout(),
	}, metricsWriter.Write)
	values.SetLogger(log)
	values.SetObserver(reg)

	statuses := buffer.New[telemetry.DeviceStatus](buffer.Config{
		Name:          "status",
		BatchSize:     cfg.Hub.Buffers.StatusBatchSize,
		QueueSize:     cfg.Hub.Buffers.QueueSize,
		FlushInterval: cfg.GetBufferFlushInterval(),
		WriteTimeout:  cfg.GetBufferWriteTimeout(),
	}, statusWriter.Write)
	statuses.SetLogger(log)
	statuses.SetObserver(reg)

	values.Start(ctx)
	defer values.Stop()
	statuses.Start(ctx)
	defer statuses.Stop()

	// Liveness monitor
	monitor := liveness.New(liveness.Config{
		Interval: cfg.GetLivenessInterval(),
		Timeout:  cfg.GetLivenessTimeout(),
		Tenants:  liveness.MergeTenants(cfg.Hub.Liveness.Tenants, pool.Tenants),
	}, directory)
	monitor.SetLogger(log)
	monitor.SetObserver(reg)
	if bus != nil {
		monitor.SetPublisher(bus)
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	// Ingestion RPC
	svc := ingest.NewService(values, statuses)
	svc.SetLogger(log)
	svc.SetObserver(reg)

	grpcServer := grpc.NewServer()
	ingest.RegisterHubServer(grpcServer, svc)

	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", cfg.Hub.GRPC.Address())
	if err != nil {
		return fmt.Errorf("listening for gRPC on %s: %w", cfg.Hub.GRPC.Address(), err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(lis)
	}()
	defer func() {
		log.Info("stopping gRPC server")
		grpcServer.GracefulStop()
	}()
	log.Info("gRPC server listening", "address", lis.Addr().String())

	// Operations HTTP (health + metrics)
	ops, err := api.New(api.Deps{
		Config: config.APIConfig{
			Host:     cfg.Hub.HTTP.Host,
			Port:     cfg.Hub.HTTP.Port,
			Timeouts: cfg.Management.API.Timeouts,
		},
		Logger:  log,
		Metrics: reg.Handler(),
		Checks:  checks,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating ops server: %w", err)
	}
	if err := ops.Start(ctx); err != nil {
		return fmt.Errorf("starting ops server: %w", err)
	}
	defer func() {
		if closeErr := ops.Close(); closeErr != nil {
			log.Error("error closing ops server", "error", closeErr)
		}
	}()

	log.Info("fleet hub ready")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		return nil
	case err := <-serveErr:
		return fmt.Errorf("gRPC server: %w", err)
	}
}

// getConfigPath returns the configuration file path.
// Uses FLEET_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FLEET_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
