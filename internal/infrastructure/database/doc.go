// Package database opens the SQLite file that holds the device history log
// and applies the embedded schema migrations.
//
// SQLite runs with a single connection: one writer, WAL for readers, and a
// busy timeout so short lock contention never surfaces as an error.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql. Each one
// is applied in its own transaction and recorded in schema_migrations.
// There is no rollback; .down.sql files are ignored.
package database
