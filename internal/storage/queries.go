package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run statuses recorded in build_runs.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// GetMetadata retrieves a value from the feed_metadata table.
func (db *DB) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM feed_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetMetadata stores a key-value pair in the feed_metadata table.
func (db *DB) SetMetadata(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO feed_metadata (key, value) VALUES (?, ?)`,
		key, value)
	return err
}

// SetMetadataMap stores several pairs in one transaction.
func (db *DB) SetMetadataMap(ctx context.Context, kv map[string]string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for k, v := range kv {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO feed_metadata (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// RunCounts are the totals recorded for a finished build.
type RunCounts struct {
	Trips         int
	Stops         int
	StopTimesRead int
	Skipped       int
	Orphaned      int
	Partitions    int
	StaleDeleted  int
}

// RunRow is one build_runs row.
type RunRow struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Status     string
	Counts     RunCounts
	Error      string
}

// StartRun inserts a running build.
func (db *DB) StartRun(ctx context.Context, id string, startedAt time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO build_runs (id, started_at, status) VALUES (?, ?, ?)`,
		id, startedAt.UTC().Format(time.RFC3339), RunRunning)
	if err != nil {
		return fmt.Errorf("start run %s: %w", id, err)
	}
	return nil
}

// FinishRun records the outcome of a build. A non-nil runErr marks it failed.
func (db *DB) FinishRun(ctx context.Context, id string, counts RunCounts, runErr error) error {
	status, msg := RunSucceeded, ""
	if runErr != nil {
		status, msg = RunFailed, runErr.Error()
	}
	res, err := db.ExecContext(ctx, `
		UPDATE build_runs SET
			finished_at = ?, status = ?, trips = ?, stops = ?, stop_times_read = ?,
			skipped = ?, orphaned = ?, partitions = ?, stale_deleted = ?, error = ?
		WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), status,
		counts.Trips, counts.Stops, counts.StopTimesRead,
		counts.Skipped, counts.Orphaned, counts.Partitions, counts.StaleDeleted,
		msg, id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: no such run", id)
	}
	return nil
}

const runColumns = `id, started_at, COALESCE(finished_at, ''), status,
	trips, stops, stop_times_read, skipped, orphaned, partitions, stale_deleted, error`

// RecentRuns returns up to limit runs, newest first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]RunRow, error) {
	return db.queryRuns(ctx,
		`SELECT `+runColumns+` FROM build_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
}

// LastSuccessfulRun returns the newest succeeded run, or nil if none.
func (db *DB) LastSuccessfulRun(ctx context.Context) (*RunRow, error) {
	runs, err := db.queryRuns(ctx,
		`SELECT `+runColumns+` FROM build_runs WHERE status = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		RunSucceeded)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func (db *DB) queryRuns(ctx context.Context, query string, args ...any) ([]RunRow, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("runs query: %w", err)
	}
	defer rows.Close()

	var runs []RunRow
	for rows.Next() {
		var r RunRow
		var started, finished string
		if err := rows.Scan(&r.ID, &started, &finished, &r.Status,
			&r.Counts.Trips, &r.Counts.Stops, &r.Counts.StopTimesRead,
			&r.Counts.Skipped, &r.Counts.Orphaned, &r.Counts.Partitions,
			&r.Counts.StaleDeleted, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, started)
		if finished != "" {
			r.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
