// Package db carries the SQL migration files compiled into the binary, so
// the migrate command needs no files on disk at deploy time.
package db

import "embed"

//go:embed migrations/*.sql
var MigrationsFS embed.FS
