package store

import "embed"

// MigrationFS embeds the SQL migration files so the binary needs nothing on
// disk beyond the database file itself.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
