// Package database opens the SQLite file behind the state history and
// applies schema migrations.
//
//	db, err := database.Open(cfg.Database)
//	...
//	err = db.Migrate(ctx, migrations.FS)
//
// Migrations are read from any fs.FS as YYYYMMDD_HHMMSS_name.up.sql with
// an optional .down.sql partner, and recorded in schema_migrations.
// The file is created with mode 0600.
package database
