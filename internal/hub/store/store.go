// Package store holds the hub's batch write functions.
//
// MetricsWriter.Write and StatusWriter.Write have the buffer.WriteFunc
// signature: each call persists one tenant's batch in one transaction on
// that tenant's database, then mirrors the committed rows to the
// optional time-series and event sinks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/fleet-telemetry/internal/device"
	"github.com/nerrad567/fleet-telemetry/internal/events"
	"github.com/nerrad567/fleet-telemetry/internal/hub/identity"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/database"
	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

// Mirror receives committed values. *influxdb.Client satisfies it.
type Mirror interface {
	WriteNumericScalar(v telemetry.NumericScalarValue)
	WriteDeviceStatus(tenant, device string, status telemetry.HealthStatus, at time.Time)
}

// Publisher announces device status changes. *events.Bus satisfies it.
type Publisher interface {
	Publish(ev events.DeviceEvent) error
}

// Logger is the logging interface used by the writers.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

type noopMirror struct{}

func (noopMirror) WriteNumericScalar(telemetry.NumericScalarValue)                     {}
func (noopMirror) WriteDeviceStatus(string, string, telemetry.HealthStatus, time.Time) {}

type noopPublisher struct{}

func (noopPublisher) Publish(events.DeviceEvent) error { return nil }

// MetricsWriter stores numeric scalar values.
type MetricsWriter struct {
	pool   *database.TenantPool
	mirror Mirror
	logger Logger
}

// NewMetricsWriter creates a MetricsWriter on pool.
func NewMetricsWriter(pool *database.TenantPool) *MetricsWriter {
	return &MetricsWriter{pool: pool, mirror: noopMirror{}, logger: noopLogger{}}
}

// SetMirror sets the time-series mirror.
func (w *MetricsWriter) SetMirror(m Mirror) {
	if m != nil {
		w.mirror = m
	}
}

// SetLogger sets the logger.
func (w *MetricsWriter) SetLogger(l Logger) {
	if l != nil {
		w.logger = l
	}
}

// Write stores batch for tenant. A value whose metric identity cannot be
// created is skipped and the rest of the batch is kept; any other error
// rolls the whole batch back.
func (w *MetricsWriter) Write(ctx context.Context, tenant string, batch []telemetry.NumericScalarValue) error {
	db, err := w.pool.Get(ctx, tenant)
	if err != nil {
		return fmt.Errorf("opening tenant %s: %w", tenant, err)
	}

	stored := make([]telemetry.NumericScalarValue, 0, len(batch))
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		resolver := identity.New(tx)
		for _, v := range batch {
			metricID, err := resolver.ResolveMetric(ctx, identity.MetricKey{
				DeviceIdentifier: v.DeviceIdentifier,
				MetricIdentifier: v.MetricIdentifier,
				Path:             v.Path,
				Unit:             v.Unit,
				DisplayName:      v.DisplayName,
			})
			if errors.Is(err, identity.ErrIdentityCreationFailed) {
				w.logger.Warn("skipping value without metric identity",
					"tenant", tenant, "device", v.DeviceIdentifier, "metric", v.MetricIdentifier, "error", err)
				continue
			}
			if err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO numeric_scalar_values (metric_id, value, timestamp) VALUES (?, ?, ?)`,
				metricID, v.Value, telemetry.FormatTime(v.Timestamp),
			); err != nil {
				return fmt.Errorf("inserting value for %s/%s: %w", v.DeviceIdentifier, v.MetricIdentifier, err)
			}
			stored = append(stored, v)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing %d values for tenant %s: %w", len(batch), tenant, err)
	}

	for _, v := range stored {
		w.mirror.WriteNumericScalar(v)
	}
	w.logger.Debug("values stored", "tenant", tenant, "stored", len(stored), "batch", len(batch))
	return nil
}

// StatusWriter applies device status reports.
type StatusWriter struct {
	devices   *device.Directory
	mirror    Mirror
	publisher Publisher
	logger    Logger
}

// NewStatusWriter creates a StatusWriter on the device directory.
func NewStatusWriter(devices *device.Directory) *StatusWriter {
	return &StatusWriter{
		devices:   devices,
		mirror:    noopMirror{},
		publisher: noopPublisher{},
		logger:    noopLogger{},
	}
}

// SetMirror sets the time-series mirror.
func (w *StatusWriter) SetMirror(m Mirror) {
	if m != nil {
		w.mirror = m
	}
}

// SetPublisher sets the device event publisher.
func (w *StatusWriter) SetPublisher(p Publisher) {
	if p != nil {
		w.publisher = p
	}
}

// SetLogger sets the logger.
func (w *StatusWriter) SetLogger(l Logger) {
	if l != nil {
		w.logger = l
	}
}

// Write applies batch for tenant. Reports for unregistered devices and
// reports older than the stored heartbeat are dropped by the repository;
// only applied reports are mirrored and published.
func (w *StatusWriter) Write(ctx context.Context, tenant string, batch []telemetry.DeviceStatus) error {
	repo, err := w.devices.Repository(ctx, tenant)
	if err != nil {
		return fmt.Errorf("opening tenant %s: %w", tenant, err)
	}

	updates := make([]device.StatusUpdate, 0, len(batch))
	for _, s := range batch {
		updates = append(updates, device.StatusUpdate{
			DeviceIdentifier: s.DeviceIdentifier,
			Status:           s.Status,
			Timestamp:        s.Timestamp,
		})
	}

	applied, err := repo.UpdateStatuses(ctx, updates)
	if err != nil {
		return fmt.Errorf("storing %d statuses for tenant %s: %w", len(batch), tenant, err)
	}
	if skipped := len(batch) - len(applied); skipped > 0 {
		w.logger.Debug("status reports ignored", "tenant", tenant, "skipped", skipped)
	}

	for _, u := range applied {
		w.mirror.WriteDeviceStatus(tenant, u.DeviceIdentifier, u.Status, u.Timestamp)
		ev := events.NewDeviceEvent(tenant, u.DeviceIdentifier, u.Status, events.ReasonHeartbeat, u.Timestamp)
		if err := w.publisher.Publish(ev); err != nil {
			w.logger.Warn("publishing device event failed", "tenant", tenant, "device", u.DeviceIdentifier, "error", err)
		}
	}
	return nil
}
