// Package config loads and validates configuration for the fleet
// binaries (hub, management plane and edge device).
//
// One YAML document carries every section. Each binary reads the
// sections it needs; the edge device additionally calls ValidateEdge.
//
// Loading order: hardcoded defaults, then the YAML file, then FLEET_*
// environment variables. Secrets (MQTT password, InfluxDB token) and
// per-device identity (FLEET_EDGE_DEVICE_IDENTIFIER) are expected to
// come from the environment.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Hub.GRPC.Address())
package config
