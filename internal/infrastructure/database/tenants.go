package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidTenant is returned for tenant identifiers that cannot name a
// database file.
var ErrInvalidTenant = errors.New("database: invalid tenant identifier")

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("database: tenant pool closed")

const (
	tenantFilePrefix = "tenant_"
	tenantFileSuffix = ".db"
	maxTenantLength  = 64
)

// PoolConfig configures a TenantPool.
type PoolConfig struct {
	Dir         string
	WALMode     bool
	BusyTimeout int
}

// TenantPool hands out one migrated *DB per tenant, opened lazily on
// first use and kept open until Close. Each tenant lives in its own file
// <Dir>/tenant_<id>.db, so no query can cross tenants.
//
// A TenantPool is safe for concurrent use.
type TenantPool struct {
	cfg PoolConfig

	mu     sync.Mutex
	dbs    map[string]*DB
	closed bool
}

// NewTenantPool creates a pool rooted at cfg.Dir. No file is opened
// until Get is called.
func NewTenantPool(cfg PoolConfig) *TenantPool {
	return &TenantPool{
		cfg: cfg,
		dbs: make(map[string]*DB),
	}
}

// ValidTenant reports whether tenant can be used as a database key.
func ValidTenant(tenant string) bool {
	if tenant == "" || len(tenant) > maxTenantLength {
		return false
	}
	for _, r := range tenant {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Get returns the database for tenant, opening and migrating it on first
// use.
func (p *TenantPool) Get(ctx context.Context, tenant string) (*DB, error) {
	if !ValidTenant(tenant) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if db, ok := p.dbs[tenant]; ok {
		return db, nil
	}

	db, err := Open(Config{
		Path:        p.Path(tenant),
		WALMode:     p.cfg.WALMode,
		BusyTimeout: p.cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening tenant %s: %w", tenant, err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("migrating tenant %s: %w", tenant, err)
	}

	p.dbs[tenant] = db
	return db, nil
}

// Path returns the database file used for tenant.
func (p *TenantPool) Path(tenant string) string {
	return filepath.Join(p.cfg.Dir, tenantFilePrefix+tenant+tenantFileSuffix)
}

// Tenants returns every tenant the pool knows about: those opened in this
// process plus tenant files already present in the directory.
func (p *TenantPool) Tenants() []string {
	seen := make(map[string]bool)

	p.mu.Lock()
	for tenant := range p.dbs {
		seen[tenant] = true
	}
	p.mu.Unlock()

	entries, err := os.ReadDir(p.cfg.Dir)
	if err == nil {
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasPrefix(name, tenantFilePrefix) || !strings.HasSuffix(name, tenantFileSuffix) {
				continue
			}
			tenant := strings.TrimSuffix(strings.TrimPrefix(name, tenantFilePrefix), tenantFileSuffix)
			if ValidTenant(tenant) {
				seen[tenant] = true
			}
		}
	}

	tenants := make([]string, 0, len(seen))
	for t := range seen {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants
}

// HealthCheck pings every open tenant database.
func (p *TenantPool) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	dbs := make(map[string]*DB, len(p.dbs))
	for k, v := range p.dbs {
		dbs[k] = v
	}
	p.mu.Unlock()

	for tenant, db := range dbs {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("tenant %s: %w", tenant, err)
		}
	}
	return nil
}

// Close closes every open tenant database. Get fails afterwards.
func (p *TenantPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for tenant, db := range p.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
		}
	}
	p.dbs = nil
	return errors.Join(errs...)
}
