// Package logging provides structured logging for the fleet binaries.
//
// It wraps log/slog so the hub, the management plane and the edge
// device all emit the same shape of record: JSON in production, text
// during development, with service and version attached to every line.
//
// Configuration lives in the logging section of config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, "fleet-hub", version)
//	logger.Info("grpc server listening", "address", addr)
//
// Never log MQTT passwords or InfluxDB tokens.
package logging
