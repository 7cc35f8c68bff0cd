package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"busindex/internal/errs"
	"busindex/internal/objstore"
)

// PublishResult counts the objects a publish touched.
type PublishResult struct {
	TripPartitions int
	StopPartitions int
	StaleDeleted   int
}

// Publisher writes a built Index to the object store.
type Publisher struct {
	store      objstore.Store
	prefix     string
	timeout    time.Duration // per write; zero means none
	retries    uint64
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// NewPublisher creates a Publisher writing under prefix.
func NewPublisher(store objstore.Store, prefix string, timeout time.Duration, retries int, logger *slog.Logger) *Publisher {
	if retries < 0 {
		retries = 0
	}
	return &Publisher{
		store:   store,
		prefix:  prefix,
		timeout: timeout,
		retries: uint64(retries),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			return b
		},
		logger: logger,
	}
}

// Publish replaces the published indexes with idx. The manifest is removed
// first and written last, so a reader that sees a manifest sees a complete
// build. Partitions left over from earlier builds are deleted. m supplies
// the build id, feed version and start time; counts and completion time
// are filled in.
func (p *Publisher) Publish(ctx context.Context, idx *Index, m *Manifest) (PublishResult, error) {
	var res PublishResult

	manifestKey := ManifestKey(p.prefix)
	if err := p.retry(ctx, "delete "+manifestKey, func(ctx context.Context) error {
		return p.store.Delete(ctx, manifestKey)
	}); err != nil {
		return res, err
	}

	written := make(map[string]struct{})
	err := idx.EachTripPartition(func(shard string, data []byte) error {
		key := TripPartitionKey(p.prefix, shard)
		if err := p.put(ctx, key, data); err != nil {
			return err
		}
		written[key] = struct{}{}
		res.TripPartitions++
		return nil
	})
	if err != nil {
		return res, err
	}

	err = idx.EachStopPartition(func(stopID int, data []byte) error {
		key := StopPartitionKey(p.prefix, stopID)
		if err := p.put(ctx, key, data); err != nil {
			return err
		}
		written[key] = struct{}{}
		res.StopPartitions++
		return nil
	})
	if err != nil {
		return res, err
	}

	for _, dir := range []string{TripLookupDir, StopLookupDir} {
		n, err := p.deleteStale(ctx, objstore.Key(p.prefix, dir)+"/", written)
		res.StaleDeleted += n
		if err != nil {
			return res, err
		}
	}

	m.CompletedAt = time.Now().UTC()
	m.TripPartitions = res.TripPartitions
	m.StopPartitions = res.StopPartitions
	m.Trips = idx.Stats.Trips
	m.Stops = idx.Stats.Stops
	m.Pairs = idx.Fingerprint.Count
	m.Fingerprint = idx.Fingerprint.String()
	data, err := canonicalJSON(m)
	if err != nil {
		return res, fmt.Errorf("encode manifest: %w", err)
	}
	if err := p.put(ctx, manifestKey, data); err != nil {
		return res, err
	}

	p.logger.Info("index published",
		"trip_partitions", res.TripPartitions,
		"stop_partitions", res.StopPartitions,
		"stale_deleted", res.StaleDeleted,
		"manifest", manifestKey,
	)
	return res, nil
}

func (p *Publisher) put(ctx context.Context, key string, data []byte) error {
	if err := p.retry(ctx, "put "+key, func(ctx context.Context) error {
		return p.store.Put(ctx, key, data)
	}); err != nil {
		return err
	}
	p.logger.Info("wrote", "key", key, "bytes", len(data))
	return nil
}

// deleteStale removes every key under dir that this build did not write.
func (p *Publisher) deleteStale(ctx context.Context, dir string, keep map[string]struct{}) (int, error) {
	var keys []string
	if err := p.retry(ctx, "list "+dir, func(ctx context.Context) error {
		var err error
		keys, err = p.store.List(ctx, dir)
		return err
	}); err != nil {
		return 0, err
	}

	deleted := 0
	for _, key := range keys {
		if _, ok := keep[key]; ok {
			continue
		}
		if err := p.retry(ctx, "delete "+key, func(ctx context.Context) error {
			return p.store.Delete(ctx, key)
		}); err != nil {
			return deleted, err
		}
		p.logger.Info("deleted stale partition", "key", key)
		deleted++
	}
	return deleted, nil
}

// retry runs op under the per-write timeout, retrying transient failures
// with exponential backoff. Exhausted retries become ErrSinkUnavailable.
func (p *Publisher) retry(ctx context.Context, what string, op func(context.Context) error) error {
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		opCtx := ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			opCtx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		return op(opCtx)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), p.retries), ctx)
	err := backoff.RetryNotify(attempt, b, func(err error, wait time.Duration) {
		p.logger.Warn("object store write failed, retrying", "op", what, "error", err, "wait", wait)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", errs.ErrSinkUnavailable, what, err)
	}
	return nil
}
