// Package metrics exposes fleet service metrics in Prometheus format.
//
// Each process builds one Registry in main and hands it to the
// components that report into it. Nothing registers on the global
// Prometheus registry, so tests can build as many as they like.
//
// Metric names are prefixed with "fleet_":
//
//	fleet_ingested_values_total{kind}
//	fleet_buffer_enqueued_total{buffer}
//	fleet_buffer_flushes_total{buffer,result}
//	fleet_buffer_flush_size{buffer}
//	fleet_buffer_queue_depth{buffer}
//	fleet_liveness_sweeps_total{result}
//	fleet_liveness_demotions_total{tenant}
//	fleet_control_connections
//	fleet_control_commands_total{outcome}
//	fleet_device_events_total{status}
package metrics
