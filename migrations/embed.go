// Package migrations holds the SQLite schema of ghome-fhem.
package migrations

import "embed"

// FS contains the migration files at its root.
//
//go:embed *.sql
var FS embed.FS
