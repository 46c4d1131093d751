// Package migrations embeds the per-driver schema migrations.
package migrations

import "embed"

//go:embed postgres/*.sql
var Postgres embed.FS

//go:embed sqlite/*.sql
var SQLite embed.FS

// Dir names inside the embedded filesystems.
const (
	PostgresDir = "postgres"
	SQLiteDir   = "sqlite"
)
