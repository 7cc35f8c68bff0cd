// Package lease provides run-level mutual exclusion through a lock object
// in the object store.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"busindex/internal/objstore"
)

// ErrHeld is returned by Acquire while another owner holds a live lease.
var ErrHeld = errors.New("lease: held by another owner")

// Record is the lock object's content.
type Record struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Lease is a held lock.
type Lease struct {
	store  objstore.Store
	key    string
	ttl    time.Duration
	rec    Record
	logger *slog.Logger
}

// Acquire takes the lease at key for owner. An expired lease of another
// owner is taken over; a live one yields ErrHeld. The object store has no
// compare-and-swap, so two runs starting in the same instant can both win;
// the lease guards against overlapping scheduled runs, not that race.
func Acquire(ctx context.Context, store objstore.Store, key, owner string, ttl time.Duration, logger *slog.Logger) (*Lease, error) {
	now := time.Now().UTC()

	cur, err := read(ctx, store, key)
	if err != nil {
		return nil, err
	}
	if cur != nil && cur.Owner != owner {
		if now.Before(cur.ExpiresAt) {
			return nil, fmt.Errorf("%w: %s until %s", ErrHeld, cur.Owner, cur.ExpiresAt.Format(time.RFC3339))
		}
		logger.Warn("taking over expired lease",
			"key", key,
			"previous_owner", cur.Owner,
			"expired_at", cur.ExpiresAt.Format(time.RFC3339),
		)
	}

	rec := Record{Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("write lease %s: %w", key, err)
	}

	logger.Info("lease acquired", "key", key, "owner", owner, "expires_at", rec.ExpiresAt.Format(time.RFC3339))
	return &Lease{store: store, key: key, ttl: ttl, rec: rec, logger: logger}, nil
}

// Owner returns the lease holder's id.
func (l *Lease) Owner() string { return l.rec.Owner }

// ExpiresAt returns when the lease lapses.
func (l *Lease) ExpiresAt() time.Time { return l.rec.ExpiresAt }

// Renew confirms the lease is still ours and pushes its expiry out by the
// original TTL. A lock now naming another owner, or gone altogether, yields
// ErrHeld.
func (l *Lease) Renew(ctx context.Context) error {
	cur, err := read(ctx, l.store, l.key)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("%w: %s was removed", ErrHeld, l.key)
	}
	if cur.Owner != l.rec.Owner {
		return fmt.Errorf("%w: %s taken over by %s", ErrHeld, l.key, cur.Owner)
	}

	rec := l.rec
	rec.ExpiresAt = time.Now().UTC().Add(l.ttl)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := l.store.Put(ctx, l.key, data); err != nil {
		return fmt.Errorf("write lease %s: %w", l.key, err)
	}
	l.rec = rec
	l.logger.Debug("lease renewed", "key", l.key, "expires_at", rec.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Release deletes the lock object if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	cur, err := read(ctx, l.store, l.key)
	if err != nil {
		return err
	}
	if cur == nil {
		return nil
	}
	if cur.Owner != l.rec.Owner {
		l.logger.Warn("lease was taken over, not releasing", "key", l.key, "owner", cur.Owner)
		return nil
	}
	if err := l.store.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("delete lease %s: %w", l.key, err)
	}
	l.logger.Info("lease released", "key", l.key)
	return nil
}

func read(ctx context.Context, store objstore.Store, key string) (*Record, error) {
	data, err := store.Get(ctx, key)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lease %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// An unreadable lock cannot name a live holder.
		return &Record{Owner: "unknown"}, nil
	}
	return &rec, nil
}
