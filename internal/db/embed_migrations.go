package db

import "embed"

// MigrationFS holds the schema migrations applied by cmd/migrate and, when enabled,
// by cmd/bridge at startup.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
