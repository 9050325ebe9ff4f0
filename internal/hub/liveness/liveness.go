// Package liveness demotes devices that stopped sending heartbeats.
//
// Every interval the Monitor sweeps each known tenant and marks OFFLINE
// every device whose last heartbeat is older than the timeout. The
// update is one conditional statement per tenant, so a heartbeat that
// lands during the sweep is never overwritten.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/fleet-telemetry/internal/device"
	"github.com/nerrad567/fleet-telemetry/internal/events"
	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

const (
	// DefaultInterval is the time between sweeps.
	DefaultInterval = 20 * time.Second

	// DefaultTimeout is the heartbeat age after which a device is offline.
	DefaultTimeout = 30 * time.Second
)

// RepositoryProvider returns the device repository of a tenant.
// *device.Directory satisfies it.
type RepositoryProvider interface {
	Repository(ctx context.Context, tenant string) (device.Repository, error)
}

// Publisher announces demotions. *events.Bus satisfies it.
type Publisher interface {
	Publish(ev events.DeviceEvent) error
}

// Observer records sweep results.
type Observer interface {
	ObserveSweep(tenant string, demoted int, err error)
}

// Logger is the logging interface used by the monitor.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopObserver struct{}

func (noopObserver) ObserveSweep(string, int, error) {}

type noopPublisher struct{}

func (noopPublisher) Publish(events.DeviceEvent) error { return nil }

// Config configures a Monitor.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration

	// Tenants lists the tenants to sweep. It is called before every
	// sweep so tenants created after start are picked up.
	Tenants func() []string
}

// Monitor runs the periodic sweep.
type Monitor struct {
	cfg       Config
	repos     RepositoryProvider
	publisher Publisher
	observer  Observer
	logger    Logger
	now       func() time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Monitor. Zero durations take the defaults.
func New(cfg Config, repos RepositoryProvider) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Tenants == nil {
		cfg.Tenants = func() []string { return nil }
	}
	return &Monitor{
		cfg:       cfg,
		repos:     repos,
		publisher: noopPublisher{},
		observer:  noopObserver{},
		logger:    noopLogger{},
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// SetPublisher sets the device event publisher. Call before Start.
func (m *Monitor) SetPublisher(p Publisher) {
	if p != nil {
		m.publisher = p
	}
}

// SetObserver sets the metrics observer. Call before Start.
func (m *Monitor) SetObserver(o Observer) {
	if o != nil {
		m.observer = o
	}
}

// SetLogger sets the logger. Call before Start.
func (m *Monitor) SetLogger(l Logger) {
	if l != nil {
		m.logger = l
	}
}

// Start launches the sweep loop. It stops on Stop or when ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started", "interval", m.cfg.Interval, "timeout", m.cfg.Timeout)
	for {
		select {
		case <-ticker.C:
			m.SweepAll(ctx)
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SweepAll sweeps every tenant. A failing tenant does not stop the others.
func (m *Monitor) SweepAll(ctx context.Context) {
	for _, tenant := range m.cfg.Tenants() {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.Sweep(ctx, tenant); err != nil {
			m.logger.Error("liveness sweep failed", "tenant", tenant, "error", err)
		}
	}
}

// Sweep demotes the stale devices of one tenant and returns their
// identifiers.
func (m *Monitor) Sweep(ctx context.Context, tenant string) ([]string, error) {
	now := m.now()
	cutoff := now.Add(-m.cfg.Timeout)

	repo, err := m.repos.Repository(ctx, tenant)
	if err != nil {
		m.observer.ObserveSweep(tenant, 0, err)
		return nil, err
	}
	demoted, err := repo.MarkOffline(ctx, cutoff)
	m.observer.ObserveSweep(tenant, len(demoted), err)
	if err != nil {
		return nil, err
	}

	if len(demoted) > 0 {
		m.logger.Info("devices marked offline", "tenant", tenant, "devices", demoted)
	}
	for _, id := range demoted {
		ev := events.NewDeviceEvent(tenant, id, telemetry.StatusOffline, events.ReasonLivenessTimeout, now)
		if err := m.publisher.Publish(ev); err != nil {
			m.logger.Warn("publishing offline event failed", "tenant", tenant, "device", id, "error", err)
		}
	}
	return demoted, nil
}

// MergeTenants merges a configured tenant list with a dynamic source,
// dropping duplicates.
func MergeTenants(configured []string, discovered func() []string) func() []string {
	return func() []string {
		seen := make(map[string]bool, len(configured))
		out := make([]string, 0, len(configured))
		for _, t := range configured {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
		if discovered != nil {
			for _, t := range discovered() {
				if !seen[t] {
					seen[t] = true
					out = append(out, t)
				}
			}
		}
		return out
	}
}
