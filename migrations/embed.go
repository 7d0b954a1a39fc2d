// Package migrations embeds the SQL migration files into the binary.
//
// Files follow YYYYMMDD_HHMMSS_description.{up,down}.sql and sit at the
// root of FS, ready for database.DB.Migrate.
package migrations

import "embed"

// FS holds every migration file in this directory.
//
//go:embed *.sql
var FS embed.FS
