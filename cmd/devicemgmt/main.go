// Fleet device management - the management plane.
//
// It serves the device REST API, holds the control channel websocket of
// every connected edge device and relays commands to them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/fleet-telemetry/migrations"

	"github.com/nerrad567/fleet-telemetry/internal/api"
	"github.com/nerrad567/fleet-telemetry/internal/control"
	"github.com/nerrad567/fleet-telemetry/internal/device"
	"github.com/nerrad567/fleet-telemetry/internal/events"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/config"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/database"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/logging"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/metrics"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	serviceName       = "fleet-devicemgmt"
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

func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting fleet device management",
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

	reg := metrics.New()
	checks := map[string]api.HealthChecker{"database": pool}

	// Device health events published by the hub (optional)
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
		checks["mqtt"] = mqttClient

		subErr := events.Subscribe(mqttClient, byte(cfg.MQTT.QoS), func(ev events.DeviceEvent) {
			reg.ObserveDeviceEvent(ev.Status)
			log.Info("device status changed",
				"tenant", ev.TenantIdentifier,
				"device", ev.DeviceIdentifier,
				"status", ev.Status,
				"reason", ev.Reason,
			)
		})
		if subErr != nil {
			return fmt.Errorf("subscribing to device events: %w", subErr)
		}
		log.Info("subscribed to device events")
	} else {
		log.Info("MQTT disabled")
	}

	// Control channel
	ctl := control.NewServer(cfg.Management.WebSocket)
	ctl.SetLogger(log)
	ctl.SetObserver(reg)
	defer func() {
		log.Info("closing control channel")
		ctl.Close()
	}()

	server, err := api.New(api.Deps{
		Config:         cfg.Management.API,
		WSPath:         cfg.Management.WebSocket.Path,
		CommandTimeout: cfg.GetCommandTimeout(),
		Logger:         log,
		Devices:        device.NewDirectory(pool),
		Control:        ctl,
		Metrics:        reg.Handler(),
		Checks:         checks,
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("fleet device management ready",
		"address", server.Addr(),
		"control_path", cfg.Management.WebSocket.Path,
	)

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses FLEET_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FLEET_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
