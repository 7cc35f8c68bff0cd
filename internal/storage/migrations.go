package storage

import "fmt"

// migrate creates the ledger schema if it doesn't exist.
func (db *DB) migrate() error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	db.logger.Debug("database migrations applied")
	return nil
}

var migrations = []string{
	// Feed metadata (last_modified, etag, imported_at, etc.)
	`CREATE TABLE IF NOT EXISTS feed_metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	// One row per index build attempt
	`CREATE TABLE IF NOT EXISTS build_runs (
		id               TEXT PRIMARY KEY,
		started_at       TEXT NOT NULL,
		finished_at      TEXT,
		status           TEXT NOT NULL DEFAULT 'running',
		trips            INTEGER NOT NULL DEFAULT 0,
		stops            INTEGER NOT NULL DEFAULT 0,
		stop_times_read  INTEGER NOT NULL DEFAULT 0,
		skipped          INTEGER NOT NULL DEFAULT 0,
		orphaned         INTEGER NOT NULL DEFAULT 0,
		partitions       INTEGER NOT NULL DEFAULT 0,
		stale_deleted    INTEGER NOT NULL DEFAULT 0,
		error            TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_build_runs_started ON build_runs(started_at)`,
}
