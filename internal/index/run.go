package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"busindex/internal/gtfs"
	"busindex/internal/lease"
	"busindex/internal/objstore"
	"busindex/internal/storage"
)

// LeaseName is the lock object guarding a build, under the prefix.
const LeaseName = "build.lock"

// Ledger records build runs locally.
type Ledger interface {
	StartRun(ctx context.Context, id string, startedAt time.Time) error
	FinishRun(ctx context.Context, id string, counts storage.RunCounts, runErr error) error
	GetMetadata(ctx context.Context, key string) (string, error)
}

// Notifier announces a published manifest.
type Notifier interface {
	NotifyBuild(ctx context.Context, m Manifest) error
}

// Recorder receives the outcome of a build for metrics.
type Recorder interface {
	ObserveBuild(stats Stats, res PublishResult, d time.Duration, err error)
}

// Runner performs one complete build stage: lease, build, verify, publish,
// record and notify. Ledger, Notifier and Recorder are optional.
type Runner struct {
	Store     objstore.Store
	Builder   *Builder
	Publisher *Publisher
	Prefix    string
	LeaseTTL  time.Duration
	Ledger    Ledger
	Notifier  Notifier
	Recorder  Recorder
	Logger    *slog.Logger
}

// Run executes one build and returns the published manifest.
func (r *Runner) Run(ctx context.Context) (*Manifest, error) {
	buildID := uuid.NewString()
	start := time.Now().UTC()
	logger := r.Logger.With("build_id", buildID)

	l, err := lease.Acquire(ctx, r.Store, objstore.Key(r.Prefix, LeaseName), buildID, r.LeaseTTL, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Released on a fresh context so a cancelled run still unlocks.
		relCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := l.Release(relCtx); err != nil {
			logger.Error("failed to release lease", "error", err)
		}
	}()

	if r.Ledger != nil {
		if err := r.Ledger.StartRun(ctx, buildID, start); err != nil {
			return nil, fmt.Errorf("record run start: %w", err)
		}
	}

	m, stats, res, runErr := r.buildAndPublish(ctx, l, start, logger)

	if r.Recorder != nil {
		r.Recorder.ObserveBuild(stats, res, time.Since(start), runErr)
	}
	if r.Ledger != nil {
		counts := storage.RunCounts{
			Trips:         stats.Trips,
			Stops:         stats.Stops,
			StopTimesRead: stats.StopTimesRead,
			Skipped:       stats.StopTimesSkipped + stats.TripsSkipped + stats.NonNumericStops,
			Orphaned:      stats.Orphaned,
			Partitions:    res.TripPartitions + res.StopPartitions,
			StaleDeleted:  res.StaleDeleted,
		}
		if err := r.Ledger.FinishRun(context.WithoutCancel(ctx), buildID, counts, runErr); err != nil {
			logger.Error("failed to record run result", "error", err)
		}
	}
	if runErr != nil {
		return nil, runErr
	}

	if r.Notifier != nil {
		// The index is already live; a lost announcement is not a failed build.
		if err := r.Notifier.NotifyBuild(ctx, *m); err != nil {
			logger.Warn("build notification failed", "error", err)
		}
	}
	return m, nil
}

func (r *Runner) buildAndPublish(ctx context.Context, l *lease.Lease, start time.Time, logger *slog.Logger) (*Manifest, Stats, PublishResult, error) {
	var res PublishResult

	idx, err := r.Builder.Build(ctx)
	if err != nil {
		return nil, Stats{}, res, fmt.Errorf("build index: %w", err)
	}
	defer func() {
		if err := idx.Close(); err != nil {
			logger.Warn("failed to remove scratch storage", "error", err)
		}
	}()

	m := &Manifest{BuildID: l.Owner(), StartedAt: start}
	if r.Ledger != nil {
		lm, err := r.Ledger.GetMetadata(ctx, gtfs.MetaLastModified)
		if err != nil {
			logger.Warn("could not read feed version", "error", err)
		}
		m.FeedLastModified = lm
	}

	// A build that outlived its lease must not publish over another run.
	if err := l.Renew(ctx); err != nil {
		return nil, idx.Stats, res, fmt.Errorf("publish index: %w", err)
	}

	res, err = r.Publisher.Publish(ctx, idx, m)
	if err != nil {
		return nil, idx.Stats, res, fmt.Errorf("publish index: %w", err)
	}
	return m, idx.Stats, res, nil
}
