package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fleet-telemetry/internal/device"
	"github.com/nerrad567/fleet-telemetry/internal/events"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/database"
	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
	_ "github.com/nerrad567/fleet-telemetry/migrations"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newPool(t *testing.T) *database.TenantPool {
	t.Helper()
	pool := database.NewTenantPool(database.PoolConfig{Dir: t.TempDir(), BusyTimeout: 5})
	t.Cleanup(func() { pool.Close() }) //nolint:errcheck // Test cleanup
	return pool
}

type recordingMirror struct {
	mu       sync.Mutex
	values   []telemetry.NumericScalarValue
	statuses []string
}

func (m *recordingMirror) WriteNumericScalar(v telemetry.NumericScalarValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = append(m.values, v)
}

func (m *recordingMirror) WriteDeviceStatus(tenant, dev string, status telemetry.HealthStatus, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, tenant+"/"+dev+"="+status.String())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DeviceEvent
	err    error
}

func (p *recordingPublisher) Publish(ev events.DeviceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func sample(device, metric string, v float64, at time.Time) telemetry.NumericScalarValue {
	return telemetry.NumericScalarValue{
		TenantIdentifier: "100000",
		DeviceIdentifier: device,
		MetricIdentifier: metric,
		Path:             "plant.line1",
		Unit:             "C",
		DisplayName:      "Temperature",
		Value:            v,
		Timestamp:        at,
	}
}

// =============================================================================
// MetricsWriter Tests
// =============================================================================

func TestMetricsWriter_Write(t *testing.T) {
	pool := newPool(t)
	mirror := &recordingMirror{}
	w := NewMetricsWriter(pool)
	w.SetMirror(mirror)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	batch := []telemetry.NumericScalarValue{
		sample("dev001", "temperature.s1", 21.5, t0),
		sample("dev001", "temperature.s1", 21.6, t0.Add(time.Second)),
		sample("dev001", "humidity.s2", 40.25, t0),
	}
	if err := w.Write(ctx, "100000", batch); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	// A second batch for a known metric reuses its identity.
	if err := w.Write(ctx, "100000", batch[:1]); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	db, err := pool.Get(ctx, "100000")
	if err != nil {
		t.Fatal(err)
	}

	var metrics, paths, values int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics`).Scan(&metrics); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM paths`).Scan(&paths); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM numeric_scalar_values`).Scan(&values); err != nil {
		t.Fatal(err)
	}
	if metrics != 2 || paths != 1 || values != 4 {
		t.Errorf("metrics=%d paths=%d values=%d, want 2/1/4", metrics, paths, values)
	}

	var ts string
	err = db.QueryRowContext(ctx, `
		SELECT v.timestamp FROM numeric_scalar_values v
		JOIN metrics m ON m.id = v.metric_id
		WHERE m.metric_identifier = 'humidity.s2'`).Scan(&ts)
	if err != nil {
		t.Fatal(err)
	}
	if ts != telemetry.FormatTime(t0) {
		t.Errorf("stored timestamp = %q, want %q", ts, telemetry.FormatTime(t0))
	}

	if len(mirror.values) != 4 {
		t.Errorf("mirrored %d values, want 4", len(mirror.values))
	}
}

func TestMetricsWriter_TenantIsolation(t *testing.T) {
	pool := newPool(t)
	w := NewMetricsWriter(pool)
	ctx := context.Background()
	now := time.Now()

	if err := w.Write(ctx, "100000", []telemetry.NumericScalarValue{sample("dev001", "temperature.s1", 1, now)}); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(ctx, "200000", []telemetry.NumericScalarValue{sample("dev001", "temperature.s1", 2, now)}); err != nil {
		t.Fatal(err)
	}

	for tenant, want := range map[string]float64{"100000": 1, "200000": 2} {
		db, err := pool.Get(ctx, tenant)
		if err != nil {
			t.Fatal(err)
		}
		var got float64
		if err := db.QueryRowContext(ctx, `SELECT value FROM numeric_scalar_values`).Scan(&got); err != nil {
			t.Fatalf("tenant %s: %v", tenant, err)
		}
		if got != want {
			t.Errorf("tenant %s value = %v, want %v", tenant, got, want)
		}
	}
}

func TestMetricsWriter_InvalidTenant(t *testing.T) {
	w := NewMetricsWriter(newPool(t))
	err := w.Write(context.Background(), "../etc", []telemetry.NumericScalarValue{sample("dev001", "m", 1, time.Now())})
	if !errors.Is(err, database.ErrInvalidTenant) {
		t.Errorf("Write() error = %v, want ErrInvalidTenant", err)
	}
}

// =============================================================================
// StatusWriter Tests
// =============================================================================

func TestStatusWriter_Write(t *testing.T) {
	pool := newPool(t)
	dir := device.NewDirectory(pool)
	ctx := context.Background()

	repo, err := dir.Repository(ctx, "100000")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"dev001", "dev002"} {
		if err := repo.Create(ctx, &device.Device{DeviceIdentifier: id}); err != nil {
			t.Fatal(err)
		}
	}

	mirror := &recordingMirror{}
	pub := &recordingPublisher{err: errors.New("broker down")}
	w := NewStatusWriter(dir)
	w.SetMirror(mirror)
	w.SetPublisher(pub)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err = w.Write(ctx, "100000", []telemetry.DeviceStatus{
		{TenantIdentifier: "100000", DeviceIdentifier: "dev001", Status: telemetry.StatusOnline, Timestamp: t0},
		{TenantIdentifier: "100000", DeviceIdentifier: "dev002", Status: telemetry.StatusError, Timestamp: t0},
		{TenantIdentifier: "100000", DeviceIdentifier: "ghost1", Status: telemetry.StatusOnline, Timestamp: t0},
	})
	if err != nil {
		t.Fatalf("Write() error = %v (publish failures must not fail the batch)", err)
	}

	got, err := repo.Get(ctx, "dev002")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != telemetry.StatusError || got.LatestAlive == nil || !got.LatestAlive.Equal(t0) {
		t.Errorf("dev002 = %v alive %v", got.Status, got.LatestAlive)
	}

	if len(pub.events) != 2 {
		t.Fatalf("published %d events, want 2", len(pub.events))
	}
	if pub.events[0].Reason != events.ReasonHeartbeat || pub.events[0].Status != "online" {
		t.Errorf("event = %+v", pub.events[0])
	}
	if len(mirror.statuses) != 2 || mirror.statuses[1] != "100000/dev002=error" {
		t.Errorf("mirrored statuses = %v", mirror.statuses)
	}
}
