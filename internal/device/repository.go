package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/database"
	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

// Repository defines device persistence for one tenant.
type Repository interface {
	// Get returns ErrDeviceNotFound if the device is not registered.
	Get(ctx context.Context, id string) (*Device, error)

	List(ctx context.Context) ([]Device, error)

	// Create registers a device with status UNKNOWN.
	// Returns ErrDeviceExists if the identifier is taken.
	Create(ctx context.Context, device *Device) error

	// Update changes descriptive fields. Returns ErrDeviceNotFound.
	Update(ctx context.Context, id string, update Update) error

	// Delete removes the given devices and reports identifiers that did
	// not exist. Existing ones are removed even if some are missing.
	Delete(ctx context.Context, ids []string) (missing []string, err error)

	// UpdateStatuses applies reported statuses in one transaction. A
	// report older than the stored latest_alive is ignored, as is a
	// report for an unregistered device. Returns the updates applied.
	UpdateStatuses(ctx context.Context, updates []StatusUpdate) ([]StatusUpdate, error)

	// MarkOffline demotes every device whose latest_alive is before
	// cutoff and whose status is not already OFFLINE, returning the
	// identifiers it changed. Devices that never sent a heartbeat are
	// left alone.
	MarkOffline(ctx context.Context, cutoff time.Time) ([]string, error)
}

// SQLiteRepository implements Repository on a tenant database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open tenant database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `device_identifier, description, long, lat, country, timezone,
	status, latest_alive, created_at, updated_at`

// Get retrieves one device.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_identifier = ?`, id)

	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device %s: %w", id, err)
	}
	return d, nil
}

// List retrieves all devices ordered by identifier.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY device_identifier`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Create registers a new device.
func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	now := time.Now().UTC()
	d.Status = telemetry.StatusUnknown
	d.LatestAlive = nil
	d.CreatedAt = now
	d.UpdatedAt = now

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (
			device_identifier, description, long, lat, country, timezone,
			status, latest_alive, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT (device_identifier) DO NOTHING`,
		d.DeviceIdentifier, d.Description, nullFloat(d.Longitude), nullFloat(d.Latitude),
		d.Country, d.Timezone, int(d.Status),
		telemetry.FormatTime(now), telemetry.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting device %s: %w", d.DeviceIdentifier, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceExists
	}
	return nil
}

// Update changes the non-nil fields of u.
func (r *SQLiteRepository) Update(ctx context.Context, id string, u Update) error {
	var sets []string
	var args []any

	if u.Description != nil {
		sets, args = append(sets, "description = ?"), append(args, *u.Description)
	}
	if u.Longitude != nil {
		sets, args = append(sets, "long = ?"), append(args, *u.Longitude)
	}
	if u.Latitude != nil {
		sets, args = append(sets, "lat = ?"), append(args, *u.Latitude)
	}
	if u.Country != nil {
		sets, args = append(sets, "country = ?"), append(args, *u.Country)
	}
	if u.Timezone != nil {
		sets, args = append(sets, "timezone = ?"), append(args, *u.Timezone)
	}
	if len(sets) == 0 {
		return fmt.Errorf("%w: no fields to update", ErrInvalidDevice)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, telemetry.FormatTime(time.Now()), id)

	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET `+strings.Join(sets, ", ")+` WHERE device_identifier = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating device %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// Delete removes devices by identifier.
func (r *SQLiteRepository) Delete(ctx context.Context, ids []string) ([]string, error) {
	var missing []string

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM devices WHERE device_identifier = ?`)
		if err != nil {
			return fmt.Errorf("preparing delete: %w", err)
		}
		defer stmt.Close()

		for _, id := range ids {
			result, err := stmt.ExecContext(ctx, id)
			if err != nil {
				return fmt.Errorf("deleting device %s: %w", id, err)
			}
			if n, _ := result.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
				missing = append(missing, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}

// UpdateStatuses writes a batch of reported statuses.
func (r *SQLiteRepository) UpdateStatuses(ctx context.Context, updates []StatusUpdate) ([]StatusUpdate, error) {
	var applied []StatusUpdate

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE devices
			SET status = ?, latest_alive = ?, updated_at = ?
			WHERE device_identifier = ?
			  AND (latest_alive IS NULL OR latest_alive <= ?)`)
		if err != nil {
			return fmt.Errorf("preparing status update: %w", err)
		}
		defer stmt.Close()

		now := telemetry.FormatTime(time.Now())
		for _, u := range updates {
			alive := telemetry.FormatTime(u.Timestamp)
			result, err := stmt.ExecContext(ctx, int(u.Status), alive, now, u.DeviceIdentifier, alive)
			if err != nil {
				return fmt.Errorf("updating status of %s: %w", u.DeviceIdentifier, err)
			}
			if n, _ := result.RowsAffected(); n > 0 { //nolint:errcheck // sqlite always reports rows affected
				applied = append(applied, u)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// MarkOffline demotes stale devices in a single statement, so a
// heartbeat committed after cutoff is never overwritten.
func (r *SQLiteRepository) MarkOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE devices
		SET status = ?, updated_at = ?
		WHERE latest_alive IS NOT NULL
		  AND latest_alive < ?
		  AND status != ?
		RETURNING device_identifier`,
		int(telemetry.StatusOffline),
		telemetry.FormatTime(time.Now()),
		telemetry.FormatTime(cutoff),
		int(telemetry.StatusOffline),
	)
	if err != nil {
		return nil, fmt.Errorf("marking devices offline: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning offline device: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("marking devices offline: %w", err)
	}
	return ids, nil
}

func (r *SQLiteRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*Device, error) {
	var (
		d                    Device
		long, lat            sql.NullFloat64
		status               int
		latestAlive          sql.NullString
		createdAt, updatedAt string
	)

	if err := s.Scan(&d.DeviceIdentifier, &d.Description, &long, &lat, &d.Country, &d.Timezone,
		&status, &latestAlive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	d.Status = telemetry.HealthStatus(status)
	if long.Valid {
		d.Longitude = &long.Float64
	}
	if lat.Valid {
		d.Latitude = &lat.Float64
	}
	if latestAlive.Valid {
		if t, err := telemetry.ParseTime(latestAlive.String); err == nil {
			d.LatestAlive = &t
		}
	}
	d.CreatedAt, _ = telemetry.ParseTime(createdAt) //nolint:errcheck // Format is controlled
	d.UpdatedAt, _ = telemetry.ParseTime(updatedAt) //nolint:errcheck // Format is controlled
	return &d, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// Directory hands out the device repository of each tenant.
type Directory struct {
	pool *database.TenantPool
}

// NewDirectory creates a Directory over a tenant pool.
func NewDirectory(pool *database.TenantPool) *Directory {
	return &Directory{pool: pool}
}

// Repository returns the repository for tenant, opening its database on
// first use.
func (d *Directory) Repository(ctx context.Context, tenant string) (Repository, error) {
	db, err := d.pool.Get(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return NewSQLiteRepository(db.DB), nil
}
