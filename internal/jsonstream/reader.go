// Package jsonstream reads and writes large top-level JSON arrays one
// element at a time, so neither side holds the whole document in memory.
package jsonstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"busindex/internal/errs"
)

// warnLimit is how many skipped elements are logged at Warn before the
// reader drops to Debug.
const warnLimit = 5

// Reader yields the elements of a JSON array as values of T.
//
// An element that is well-formed JSON but does not decode into T, or is
// rejected by the validate hook, is skipped and counted. A syntax error
// ends the stream with errs.ErrSourceUnavailable: the decoder cannot find
// the next element boundary after it.
type Reader[T any] struct {
	dec      *json.Decoder
	source   string
	validate func(*T) error
	logger   *slog.Logger

	started bool
	done    bool
	read    int
	skipped int
}

// NewReader wraps r. source names the stream in logs and errors.
func NewReader[T any](r io.Reader, source string, logger *slog.Logger) *Reader[T] {
	return &Reader[T]{
		dec:    json.NewDecoder(r),
		source: source,
		logger: logger,
	}
}

// WithValidate installs a per-element check run after decoding.
func (r *Reader[T]) WithValidate(fn func(*T) error) *Reader[T] {
	r.validate = fn
	return r
}

// Next decodes the next valid element into out. It returns io.EOF after the
// closing bracket.
func (r *Reader[T]) Next(out *T) error {
	if r.done {
		return io.EOF
	}
	if !r.started {
		if err := r.open(); err != nil {
			return err
		}
		r.started = true
	}

	for {
		if !r.dec.More() {
			if _, err := r.dec.Token(); err != nil {
				return fmt.Errorf("%w: %s: closing bracket: %w", errs.ErrSourceUnavailable, r.source, err)
			}
			r.done = true
			return io.EOF
		}

		var raw json.RawMessage
		if err := r.dec.Decode(&raw); err != nil {
			return fmt.Errorf("%w: %s: element %d: %w", errs.ErrSourceUnavailable, r.source, r.read+r.skipped, err)
		}

		var v T
		err := json.Unmarshal(raw, &v)
		if err == nil && r.validate != nil {
			err = r.validate(&v)
		}
		if err != nil {
			r.skip(err)
			continue
		}

		r.read++
		*out = v
		return nil
	}
}

func (r *Reader[T]) open() error {
	tok, err := r.dec.Token()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: empty stream", errs.ErrSourceUnavailable, r.source)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", errs.ErrSourceUnavailable, r.source, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return fmt.Errorf("%w: %s: expected top-level array, got %v", errs.ErrSourceUnavailable, r.source, tok)
	}
	return nil
}

func (r *Reader[T]) skip(err error) {
	r.skipped++
	err = fmt.Errorf("%w: %w", errs.ErrMalformedRecord, err)
	level := slog.LevelDebug
	if r.skipped <= warnLimit {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "skipping record",
		"source", r.source,
		"index", r.read+r.skipped-1,
		"error", err,
	)
}

// Read is the number of elements returned so far.
func (r *Reader[T]) Read() int { return r.read }

// Skipped is the number of malformed elements passed over so far.
func (r *Reader[T]) Skipped() int { return r.skipped }
