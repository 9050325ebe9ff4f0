// Fleet edge device - simulated field device.
//
// The edge device connects to the hub, registers itself with the
// management plane, streams readings from its configured sensors and
// sends a periodic heartbeat. Sensors are added and removed at runtime
// through the control channel and persisted to a local YAML store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/fleet-telemetry/internal/control"
	"github.com/nerrad567/fleet-telemetry/internal/edge/heartbeat"
	"github.com/nerrad567/fleet-telemetry/internal/edge/registration"
	"github.com/nerrad567/fleet-telemetry/internal/edge/sensor"
	"github.com/nerrad567/fleet-telemetry/internal/edge/simulation"
	"github.com/nerrad567/fleet-telemetry/internal/edge/uplink"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/config"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	serviceName       = "fleet-edgedevice"
	defaultConfigPath = "configs/config.yaml"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting fleet edge device",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateEdge(); err != nil {
		return fmt.Errorf("validating edge config: %w", err)
	}
	edge := cfg.Edge
	log = logging.New(cfg.Logging, serviceName, version).With(
		"tenant", edge.TenantIdentifier,
		"device", edge.DeviceIdentifier,
	)
	log.Info("configuration loaded", "path", configPath)

	// Local sensor store
	sensors := sensor.NewRegistry(sensor.NewStore(edge.SensorStore))
	if err := sensors.Load(); err != nil {
		return fmt.Errorf("loading sensors from %s: %w", edge.SensorStore, err)
	}
	log.Info("sensors loaded", "path", edge.SensorStore, "count", sensors.Len())

	// Uplink to the hub; blocks until the hub answers.
	hub := uplink.New(uplink.Config{
		Address:    edge.HubAddress,
		RetryDelay: seconds(edge.Retry.Uplink),
	})
	hub.SetLogger(log)
	defer func() {
		if closeErr := hub.Close(); closeErr != nil {
			log.Error("error closing hub connection", "error", closeErr)
		}
	}()
	if err := hub.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to hub: %w", err)
	}
	log.Info("connected to hub", "address", edge.HubAddress)

	// Registration with the management plane
	registrar := registration.New(edge.ManagementHTTPURI, seconds(edge.Retry.Registration))
	registrar.SetLogger(log)
	if _, err := registrar.Register(ctx, registration.Request{
		DeviceIdentifier: edge.DeviceIdentifier,
		TenantIdentifier: edge.TenantIdentifier,
		Description:      edge.Description,
		Timezone:         edge.Timezone,
		Longitude:        edge.Longitude,
		Latitude:         edge.Latitude,
		Country:          edge.Country,
	}); err != nil {
		return fmt.Errorf("registering device: %w", err)
	}

	// Sensor simulation
	scheduler := simulation.New(simulation.Config{
		TenantIdentifier: edge.TenantIdentifier,
		DeviceIdentifier: edge.DeviceIdentifier,
	}, sensors, hub)
	scheduler.SetLogger(log)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	// Control channel
	controlClient := control.NewClient(control.ClientConfig{
		URI:              edge.ManagementWSURI,
		TenantIdentifier: edge.TenantIdentifier,
		DeviceIdentifier: edge.DeviceIdentifier,
		RetryDelay:       seconds(edge.Retry.Control),
	}, scheduler)
	controlClient.SetLogger(log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if runErr := controlClient.Run(ctx); runErr != nil {
			log.Error("control channel stopped", "error", runErr)
		}
	}()

	// Heartbeat
	beat := heartbeat.New(edge.TenantIdentifier, edge.DeviceIdentifier, cfg.GetHeartbeatInterval(), hub)
	beat.SetLogger(log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if runErr := beat.Run(ctx); runErr != nil {
			log.Error("heartbeat stopped", "error", runErr)
		}
	}()

	log.Info("fleet edge device ready", "sensors", len(scheduler.Running()))

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// getConfigPath returns the configuration file path.
// Uses FLEET_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FLEET_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
