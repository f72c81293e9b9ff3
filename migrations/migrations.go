// Package migrations holds the PostgreSQL schema shipped with the binary.
package migrations

import "embed"

// FS contains the ordered .sql migration files
//
//go:embed *.sql
var FS embed.FS
