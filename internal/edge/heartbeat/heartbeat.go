// Package heartbeat reports the edge device as ONLINE at a fixed interval.
package heartbeat

import (
	"context"
	"time"

	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

// DefaultInterval is used when New is given a non-positive interval.
const DefaultInterval = 10 * time.Second

// Sender delivers a status to the hub. *uplink.Client satisfies it.
type Sender interface {
	SendStatus(ctx context.Context, st telemetry.DeviceStatus) error
}

// Logger is the logging interface used by the heartbeat.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Heartbeat periodically sends an ONLINE status for one device.
type Heartbeat struct {
	tenant   string
	device   string
	interval time.Duration
	sender   Sender
	logger   Logger
	now      func() time.Time
}

// New creates a Heartbeat for tenant/device.
func New(tenant, device string, interval time.Duration, sender Sender) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Heartbeat{
		tenant:   tenant,
		device:   device,
		interval: interval,
		sender:   sender,
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger.
func (h *Heartbeat) SetLogger(l Logger) {
	if l != nil {
		h.logger = l
	}
}

// Run sends a status immediately and then every interval until ctx ends.
// Send failures are logged; the next beat is attempted regardless.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		h.beat(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	st := telemetry.DeviceStatus{
		TenantIdentifier: h.tenant,
		DeviceIdentifier: h.device,
		Status:           telemetry.StatusOnline,
		Timestamp:        h.now().UTC(),
	}
	if err := h.sender.SendStatus(ctx, st); err != nil {
		if ctx.Err() == nil {
			h.logger.Warn("sending heartbeat failed", "error", err)
		}
		return
	}
	h.logger.Debug("heartbeat sent", "device", h.device)
}
