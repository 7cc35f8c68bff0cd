package objstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

// Objects are split into fixed-size chunks stored under a per-write blob id:
//
//	key                      -> blob id (16 bytes)
//	0x00|blob id|seq (8B BE) -> chunk bytes
//
// Object keys never contain control bytes, so chunks sort apart from them.
// A new write lands under a fresh blob id and is swapped in by rewriting
// the head, which makes Put and PutFrom atomic without holding the object
// in memory.
const (
	chunkNS          = 0x00
	defaultChunkSize = 1 << 20
	blobFlushBytes   = 8 << 20
)

// Pebble keeps objects in an embedded LSM database.
type Pebble struct {
	db        *pebble.DB
	chunkSize int
	mu        sync.Mutex // serialises head swaps
	logger    *slog.Logger
}

// NewPebble opens (or creates) the database directory at root.
func NewPebble(root string, logger *slog.Logger) (*Pebble, error) {
	return openPebble(root, &pebble.Options{}, logger)
}

func openPebble(root string, opts *pebble.Options, logger *slog.Logger) (*Pebble, error) {
	db, err := pebble.Open(root, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	logger.Info("object store opened", "driver", "pebble", "root", root)
	return &Pebble{db: db, chunkSize: defaultChunkSize, logger: logger}, nil
}

func blobPrefix(id uuid.UUID) []byte {
	return append([]byte{chunkNS}, id[:]...)
}

func chunkKey(id uuid.UUID, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(blobPrefix(id), seq)
}

func readHead(r pebble.Reader, key string) (uuid.UUID, error) {
	val, closer, err := r.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	id, err := uuid.FromBytes(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("get %s: bad object head: %w", key, err)
	}
	return id, nil
}

// Get reads the whole object.
func (s *Pebble) Get(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

// Open streams the object one chunk at a time from a snapshot, so a
// concurrent overwrite does not disturb the reader.
func (s *Pebble) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := s.db.NewSnapshot()
	id, err := readHead(snap, key)
	if err != nil {
		snap.Close()
		return nil, err
	}
	lower := blobPrefix(id)
	it, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: PrefixEnd(lower),
	})
	if err != nil {
		snap.Close()
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return &chunkReader{it: it, snap: snap}, nil
}

type chunkReader struct {
	it      *pebble.Iterator
	snap    *pebble.Snapshot
	buf     []byte
	started bool
	done    bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		var ok bool
		if !r.started {
			ok = r.it.First()
			r.started = true
		} else {
			ok = r.it.Next()
		}
		if !ok {
			r.done = true
			if err := r.it.Error(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		// Only valid until the iterator moves.
		r.buf = r.it.Value()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	err := r.it.Close()
	if serr := r.snap.Close(); err == nil {
		err = serr
	}
	return err
}

// Put writes data as one object.
func (s *Pebble) Put(ctx context.Context, key string, data []byte) error {
	return s.PutFrom(ctx, key, bytes.NewReader(data))
}

// PutFrom streams r into chunks under a new blob, then points key at it
// with a synced commit and drops the blob it replaced.
func (s *Pebble) PutFrom(ctx context.Context, key string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validKey(key); err != nil {
		return err
	}

	id := uuid.New()
	if err := s.writeBlob(ctx, id, r); err != nil {
		s.dropBlob(id)
		return fmt.Errorf("put %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	old, err := readHead(s.db, key)
	switch {
	case err == nil:
		if err := deleteBlob(b, old); err != nil {
			s.dropBlob(id)
			return fmt.Errorf("put %s: %w", key, err)
		}
	case !errors.Is(err, ErrNotFound):
		s.dropBlob(id)
		return err
	}
	if err := b.Set([]byte(key), id[:], nil); err != nil {
		s.dropBlob(id)
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		s.dropBlob(id)
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// writeBlob copies r into chunks, committing every blobFlushBytes. The
// chunks are unreachable until a head names the blob.
func (s *Pebble) writeBlob(ctx context.Context, id uuid.UUID, r io.Reader) error {
	buf := make([]byte, s.chunkSize)
	b := s.db.NewBatch()
	defer b.Close()

	var seq uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if err := b.Set(chunkKey(id, seq), buf[:n], nil); err != nil {
				return err
			}
			seq++
			if b.Len() >= blobFlushBytes {
				if err := b.Commit(pebble.NoSync); err != nil {
					return err
				}
				b.Reset()
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
	}
	return b.Commit(pebble.NoSync)
}

func deleteBlob(b *pebble.Batch, id uuid.UUID) error {
	lower := blobPrefix(id)
	return b.DeleteRange(lower, PrefixEnd(lower), nil)
}

// dropBlob removes the chunks of a write that never got a head.
func (s *Pebble) dropBlob(id uuid.UUID) {
	lower := blobPrefix(id)
	if err := s.db.DeleteRange(lower, PrefixEnd(lower), pebble.NoSync); err != nil {
		s.logger.Warn("failed to drop partial object", "blob", id.String(), "error", err)
	}
}

// List scans the key range [prefix, prefixEnd), skipping chunk keys.
func (s *Pebble) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: PrefixEnd([]byte(prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	var keys []string
	for it.First(); it.Valid(); it.Next() {
		k := it.Key()
		if len(k) > 0 && k[0] == chunkNS {
			continue
		}
		keys = append(keys, string(k))
	}
	if err := it.Close(); err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return keys, nil
}

// Delete removes key and its chunks.
func (s *Pebble) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := readHead(s.db, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if err := deleteBlob(b, id); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close flushes and closes the database.
func (s *Pebble) Close() error {
	return s.db.Close()
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists (prefix is all 0xff).
func PrefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
