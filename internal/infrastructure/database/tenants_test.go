package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestValidTenant(t *testing.T) {
	tests := []struct {
		tenant string
		want   bool
	}{
		{"100000", true},
		{"tenant_a-1", true},
		{"", false},
		{"../etc", false},
		{"a/b", false},
		{"with space", false},
	}
	for _, tt := range tests {
		if got := ValidTenant(tt.tenant); got != tt.want {
			t.Errorf("ValidTenant(%q) = %v, want %v", tt.tenant, got, tt.want)
		}
	}
}

func TestTenantPool_Get(t *testing.T) {
	withMigrations(t, testMigrations())
	dir := t.TempDir()
	pool := NewTenantPool(PoolConfig{Dir: dir, WALMode: true, BusyTimeout: 5})
	defer pool.Close() //nolint:errcheck // Test cleanup
	ctx := context.Background()

	a1, err := pool.Get(ctx, "100000")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	a2, err := pool.Get(ctx, "100000")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if a1 != a2 {
		t.Error("Get() should return the same handle for a tenant")
	}
	if !tableExists(t, a1, "test_readings") {
		t.Error("tenant database was not migrated")
	}

	b, err := pool.Get(ctx, "200000")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if b == a1 {
		t.Error("tenants must not share a database")
	}
	if _, err := os.Stat(filepath.Join(dir, "tenant_200000.db")); err != nil {
		t.Errorf("tenant file missing: %v", err)
	}
}

func TestTenantPool_InvalidTenant(t *testing.T) {
	pool := NewTenantPool(PoolConfig{Dir: t.TempDir()})
	defer pool.Close() //nolint:errcheck // Test cleanup

	_, err := pool.Get(context.Background(), "../escape")
	if !errors.Is(err, ErrInvalidTenant) {
		t.Errorf("Get() error = %v, want ErrInvalidTenant", err)
	}
}

func TestTenantPool_ConcurrentGet(t *testing.T) {
	withMigrations(t, testMigrations())
	pool := NewTenantPool(PoolConfig{Dir: t.TempDir(), BusyTimeout: 5})
	defer pool.Close() //nolint:errcheck // Test cleanup

	const n = 8
	handles := make([]*DB, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			db, err := pool.Get(context.Background(), "100000")
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			handles[i] = db
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if handles[i] != handles[0] {
			t.Fatal("concurrent Get() returned different handles")
		}
	}
}

func TestTenantPool_TenantsIncludesFilesOnDisk(t *testing.T) {
	withMigrations(t, nil)
	dir := t.TempDir()

	// A tenant file left by a previous run.
	if err := os.WriteFile(filepath.Join(dir, "tenant_300000.db"), nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "unrelated.db"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	pool := NewTenantPool(PoolConfig{Dir: dir})
	defer pool.Close() //nolint:errcheck // Test cleanup

	if _, err := pool.Get(context.Background(), "100000"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	got := pool.Tenants()
	want := []string{"100000", "300000"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Tenants() = %v, want %v", got, want)
	}
}

func TestTenantPool_Close(t *testing.T) {
	withMigrations(t, nil)
	pool := NewTenantPool(PoolConfig{Dir: t.TempDir()})
	ctx := context.Background()

	if _, err := pool.Get(ctx, "100000"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := pool.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := pool.Get(ctx, "100000"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Get() after Close error = %v, want ErrPoolClosed", err)
	}
}
