// Package identity maps (device, path, metric) names to stable row ids in
// a tenant database, creating rows on first sight.
//
// Resolution is select, then insert-if-absent, then select again. Any
// number of concurrent writers converge on the same row because the
// insert is guarded by the table's unique constraint and a conflict is
// treated as "someone else created it".
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

// ErrIdentityCreationFailed means the row could not be found even after
// a successful insert-if-absent. The caller should skip the item.
var ErrIdentityCreationFailed = errors.New("identity: metric identity creation failed")

// Queryer is satisfied by *sql.DB, *sql.Tx and *database.DB.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MetricKey identifies a metric and carries the attributes stored when it
// is first created. Unit and DisplayName of an existing metric are not
// updated.
type MetricKey struct {
	DeviceIdentifier string
	MetricIdentifier string
	Path             string
	Unit             string
	DisplayName      string
}

// Resolver resolves identities against one tenant database or transaction.
type Resolver struct {
	q Queryer
}

// New returns a Resolver that runs its statements on q.
func New(q Queryer) *Resolver {
	return &Resolver{q: q}
}

// ResolvePath returns the id of (device, path), creating it if needed.
func (r *Resolver) ResolvePath(ctx context.Context, device, path string) (int64, error) {
	const selectQ = `SELECT id FROM paths WHERE device_identifier = ? AND path = ?`

	id, found, err := r.selectID(ctx, selectQ, device, path)
	if err != nil || found {
		return id, err
	}

	_, err = r.q.ExecContext(ctx,
		`INSERT INTO paths (device_identifier, path) VALUES (?, ?)
		 ON CONFLICT (device_identifier, path) DO NOTHING`,
		device, path,
	)
	if err != nil && !isUniqueViolation(err) {
		return 0, fmt.Errorf("inserting path %s/%s: %w", device, path, err)
	}

	id, found, err = r.selectID(ctx, selectQ, device, path)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: path %s/%s", ErrIdentityCreationFailed, device, path)
	}
	return id, nil
}

// ResolveMetric returns the id of (key.DeviceIdentifier, key.MetricIdentifier),
// creating the metric (and its path, when key.Path is set) if needed.
func (r *Resolver) ResolveMetric(ctx context.Context, key MetricKey) (int64, error) {
	const selectQ = `SELECT id FROM metrics WHERE device_identifier = ? AND metric_identifier = ?`

	id, found, err := r.selectID(ctx, selectQ, key.DeviceIdentifier, key.MetricIdentifier)
	if err != nil || found {
		return id, err
	}

	var pathID sql.NullInt64
	if key.Path != "" {
		pid, err := r.ResolvePath(ctx, key.DeviceIdentifier, key.Path)
		if err != nil {
			return 0, err
		}
		pathID = sql.NullInt64{Int64: pid, Valid: true}
	}

	_, err = r.q.ExecContext(ctx,
		`INSERT INTO metrics (device_identifier, path_id, metric_identifier, unit, display_name, metric_type)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (device_identifier, metric_identifier) DO NOTHING`,
		key.DeviceIdentifier, pathID, key.MetricIdentifier, key.Unit, key.DisplayName,
		telemetry.MetricTypeNumericScalar,
	)
	if err != nil && !isUniqueViolation(err) {
		return 0, fmt.Errorf("inserting metric %s/%s: %w", key.DeviceIdentifier, key.MetricIdentifier, err)
	}

	id, found, err = r.selectID(ctx, selectQ, key.DeviceIdentifier, key.MetricIdentifier)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: metric %s/%s", ErrIdentityCreationFailed, key.DeviceIdentifier, key.MetricIdentifier)
	}
	return id, nil
}

func (r *Resolver) selectID(ctx context.Context, query string, args ...any) (int64, bool, error) {
	var id int64
	err := r.q.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("selecting identity: %w", err)
	}
	return id, true, nil
}

// isUniqueViolation reports a lost insert race. ON CONFLICT normally
// absorbs it, but an older schema without the matching index still
// raises the constraint error.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
