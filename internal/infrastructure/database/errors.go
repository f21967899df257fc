package database

import "errors"

var (
	// ErrNoPath is returned by Open when no database path is configured.
	ErrNoPath = errors.New("database: path is required")

	// ErrCorrupt is returned by HealthCheck when SQLite reports damage.
	ErrCorrupt = errors.New("database: integrity check failed")

	// ErrInvalidMigration is returned for migration files that cannot be
	// paired or parsed.
	ErrInvalidMigration = errors.New("database: invalid migration")

	// ErrNoDownMigration is returned by Rollback when the latest migration
	// has no .down.sql file.
	ErrNoDownMigration = errors.New("database: migration has no down script")
)
