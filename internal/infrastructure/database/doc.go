// Package database provides SQLite storage for the ingestion hub and the
// management plane.
//
// Every tenant gets its own database file, handed out by a TenantPool:
//
//	pool := database.NewTenantPool(database.PoolConfig{Dir: cfg.Database.Dir, WALMode: true, BusyTimeout: 5})
//	defer pool.Close()
//
//	db, err := pool.Get(ctx, "100000")
//	if err != nil {
//	    return err
//	}
//	err = db.WithTx(ctx, func(tx *sql.Tx) error { ... })
//
// Tenant databases are migrated on first open from the Migrations
// filesystem, which the top-level migrations package registers.
//
// All queries use parameterised statements. Files are created 0600.
package database
