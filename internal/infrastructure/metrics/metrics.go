package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

// Command outcomes reported by the control channel.
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeTimeout    = "timeout"
	OutcomeDisconnect = "disconnect"
	OutcomeNotFound   = "not_connected"
)

// Registry holds every fleet collector.
type Registry struct {
	reg *prometheus.Registry

	ingested     *prometheus.CounterVec
	enqueued     *prometheus.CounterVec
	flushes      *prometheus.CounterVec
	flushSize    *prometheus.HistogramVec
	queueDepth   *prometheus.GaugeVec
	sweeps       *prometheus.CounterVec
	demotions    *prometheus.CounterVec
	connections  prometheus.Gauge
	commands     *prometheus.CounterVec
	deviceEvents *prometheus.CounterVec
}

// New creates a Registry with the Go runtime and process collectors
// already registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_values_total",
			Help:      "Values accepted by the ingestion RPC, by kind.",
		}, []string{"kind"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_enqueued_total",
			Help:      "Items accepted into a tenant buffer.",
		}, []string{"buffer"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_flushes_total",
			Help:      "Batch writes attempted by a tenant buffer, by result.",
		}, []string{"buffer", "result"}),
		flushSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "buffer_flush_size",
			Help:      "Number of items per batch write.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"buffer"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_queue_depth",
			Help:      "Items waiting for the buffer worker.",
		}, []string{"buffer"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_sweeps_total",
			Help:      "Per-tenant liveness sweeps, by result.",
		}, []string{"result"}),
		demotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_demotions_total",
			Help:      "Devices marked offline by the liveness monitor.",
		}, []string{"tenant"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_connections",
			Help:      "Devices currently connected to the control channel.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_commands_total",
			Help:      "Commands sent to devices, by outcome.",
		}, []string{"outcome"}),
		deviceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_events_total",
			Help:      "Device health events received over MQTT, by status.",
		}, []string{"status"}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ingested,
		r.enqueued,
		r.flushes,
		r.flushSize,
		r.queueDepth,
		r.sweeps,
		r.demotions,
		r.connections,
		r.commands,
		r.deviceEvents,
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveIngested counts n values of the given kind ("numeric_scalar",
// "device_status").
func (r *Registry) ObserveIngested(kind string, n int) {
	r.ingested.WithLabelValues(kind).Add(float64(n))
}

// ObserveEnqueue implements buffer.Observer.
func (r *Registry) ObserveEnqueue(buffer string) {
	r.enqueued.WithLabelValues(buffer).Inc()
}

// ObserveFlush implements buffer.Observer.
func (r *Registry) ObserveFlush(buffer string, size int, err error) {
	r.flushes.WithLabelValues(buffer, result(err)).Inc()
	r.flushSize.WithLabelValues(buffer).Observe(float64(size))
}

// ObserveQueueDepth implements buffer.Observer.
func (r *Registry) ObserveQueueDepth(buffer string, depth int) {
	r.queueDepth.WithLabelValues(buffer).Set(float64(depth))
}

// ObserveSweep records one tenant sweep and the devices it demoted.
func (r *Registry) ObserveSweep(tenant string, demoted int, err error) {
	r.sweeps.WithLabelValues(result(err)).Inc()
	if demoted > 0 {
		r.demotions.WithLabelValues(tenant).Add(float64(demoted))
	}
}

// SetControlConnections sets the number of connected devices.
func (r *Registry) SetControlConnections(n int) {
	r.connections.Set(float64(n))
}

// ObserveCommand counts one command by outcome.
func (r *Registry) ObserveCommand(outcome string) {
	r.commands.WithLabelValues(outcome).Inc()
}

// ObserveDeviceEvent counts a device health event.
func (r *Registry) ObserveDeviceEvent(status string) {
	r.deviceEvents.WithLabelValues(status).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
