// Package db embeds the SQL migrations so the server can bootstrap its
// schema without shipping the migration files alongside the binary.
// cmd/migrator reads the same files from disk.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS
