package device

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/database"
	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
	_ "github.com/nerrad567/fleet-telemetry/migrations"
)

// setupTestDB opens a migrated tenant database in a temp directory.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "tenant.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db.DB
}

func ptr[T any](v T) *T { return &v }

func registerDevice(t *testing.T, repo *SQLiteRepository, id string) {
	t.Helper()
	if err := repo.Create(context.Background(), &Device{DeviceIdentifier: id, Description: "test " + id}); err != nil {
		t.Fatalf("Create(%s) error = %v", id, err)
	}
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	d := &Device{
		DeviceIdentifier: "dev001",
		Description:      "press line sensor hub",
		Longitude:        ptr(13.4),
		Latitude:         ptr(52.5),
		Country:          "DE",
		Timezone:         "Europe/Berlin",
	}
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.Get(ctx, "dev001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != telemetry.StatusUnknown {
		t.Errorf("Status = %v, want unknown", got.Status)
	}
	if got.LatestAlive != nil {
		t.Errorf("LatestAlive = %v, want nil", got.LatestAlive)
	}
	if got.Longitude == nil || *got.Longitude != 13.4 {
		t.Errorf("Longitude = %v, want 13.4", got.Longitude)
	}
	if got.Country != "DE" || got.Timezone != "Europe/Berlin" {
		t.Errorf("Country/Timezone = %q/%q", got.Country, got.Timezone)
	}

	if err := repo.Create(ctx, &Device{DeviceIdentifier: "dev001"}); !errors.Is(err, ErrDeviceExists) {
		t.Errorf("second Create() error = %v, want ErrDeviceExists", err)
	}
	if _, err := repo.Get(ctx, "nope00"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_Update(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	registerDevice(t, repo, "dev001")

	if err := repo.Update(ctx, "dev001", Update{Description: ptr("renamed"), Latitude: ptr(-33.9)}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, err := repo.Get(ctx, "dev001")
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "renamed" || got.Latitude == nil || *got.Latitude != -33.9 {
		t.Errorf("after Update: description=%q lat=%v", got.Description, got.Latitude)
	}
	if got.Longitude != nil {
		t.Error("Longitude should be untouched")
	}

	if err := repo.Update(ctx, "nope00", Update{Country: ptr("FR")}); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrDeviceNotFound", err)
	}
	if err := repo.Update(ctx, "dev001", Update{}); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("Update(empty) error = %v, want ErrInvalidDevice", err)
	}
}

func TestSQLiteRepository_Delete(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	registerDevice(t, repo, "dev001")
	registerDevice(t, repo, "dev002")

	missing, err := repo.Delete(ctx, []string{"dev001", "ghost1", "dev002", "ghost2"})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(missing) != 2 || missing[0] != "ghost1" || missing[1] != "ghost2" {
		t.Errorf("missing = %v, want [ghost1 ghost2]", missing)
	}

	devices, err := repo.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 0 {
		t.Errorf("List() = %d devices, want 0", len(devices))
	}
}

func TestSQLiteRepository_UpdateStatuses(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	registerDevice(t, repo, "dev001")
	registerDevice(t, repo, "dev002")

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	applied, err := repo.UpdateStatuses(ctx, []StatusUpdate{
		{DeviceIdentifier: "dev001", Status: telemetry.StatusOnline, Timestamp: t0},
		{DeviceIdentifier: "dev002", Status: telemetry.StatusError, Timestamp: t0},
		{DeviceIdentifier: "ghost1", Status: telemetry.StatusOnline, Timestamp: t0},
	})
	if err != nil {
		t.Fatalf("UpdateStatuses() error = %v", err)
	}
	if len(applied) != 2 {
		t.Errorf("applied = %d, want 2", len(applied))
	}

	// An older report does not roll latest_alive back.
	applied, err = repo.UpdateStatuses(ctx, []StatusUpdate{
		{DeviceIdentifier: "dev001", Status: telemetry.StatusError, Timestamp: t0.Add(-time.Minute)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 0 {
		t.Errorf("stale report applied = %d, want 0", len(applied))
	}

	got, err := repo.Get(ctx, "dev001")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != telemetry.StatusOnline {
		t.Errorf("Status = %v, want online", got.Status)
	}
	if got.LatestAlive == nil || !got.LatestAlive.Equal(t0) {
		t.Errorf("LatestAlive = %v, want %v", got.LatestAlive, t0)
	}
}

func TestSQLiteRepository_MarkOffline(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	for _, id := range []string{"stale1", "stale2", "fresh1", "never1", "gone01"} {
		registerDevice(t, repo, id)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := repo.UpdateStatuses(ctx, []StatusUpdate{
		{DeviceIdentifier: "stale1", Status: telemetry.StatusOnline, Timestamp: now.Add(-5 * time.Minute)},
		{DeviceIdentifier: "stale2", Status: telemetry.StatusError, Timestamp: now.Add(-31 * time.Second)},
		{DeviceIdentifier: "fresh1", Status: telemetry.StatusOnline, Timestamp: now.Add(-5 * time.Second)},
		{DeviceIdentifier: "gone01", Status: telemetry.StatusOffline, Timestamp: now.Add(-time.Hour)},
	})
	if err != nil {
		t.Fatal(err)
	}

	cutoff := now.Add(-30 * time.Second)
	ids, err := repo.MarkOffline(ctx, cutoff)
	if err != nil {
		t.Fatalf("MarkOffline() error = %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "stale1" || ids[1] != "stale2" {
		t.Errorf("MarkOffline() = %v, want [stale1 stale2]", ids)
	}

	// A second sweep finds nothing new.
	ids, err = repo.MarkOffline(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("second MarkOffline() = %v, want none", ids)
	}

	for id, want := range map[string]telemetry.HealthStatus{
		"fresh1": telemetry.StatusOnline,
		"never1": telemetry.StatusUnknown,
		"stale2": telemetry.StatusOffline,
	} {
		got, err := repo.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != want {
			t.Errorf("%s status = %v, want %v", id, got.Status, want)
		}
	}
}

func TestDirectory_Repository(t *testing.T) {
	pool := database.NewTenantPool(database.PoolConfig{Dir: t.TempDir(), BusyTimeout: 5})
	defer pool.Close() //nolint:errcheck // Test cleanup
	dir := NewDirectory(pool)
	ctx := context.Background()

	a, err := dir.Repository(ctx, "100000")
	if err != nil {
		t.Fatalf("Repository() error = %v", err)
	}
	if err := a.Create(ctx, &Device{DeviceIdentifier: "dev001"}); err != nil {
		t.Fatal(err)
	}

	b, err := dir.Repository(ctx, "200000")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Get(ctx, "dev001"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("device leaked across tenants: err = %v", err)
	}

	if _, err := dir.Repository(ctx, "../x"); !errors.Is(err, database.ErrInvalidTenant) {
		t.Errorf("Repository(invalid) error = %v, want ErrInvalidTenant", err)
	}
}
