// Package objstore is a small blob store addressed by slash-separated keys.
// It stands in for a cloud bucket: get, put, list and delete whole objects.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
)

// ErrNotFound is returned by Get and Open when no object exists at key.
var ErrNotFound = errors.New("objstore: object not found")

// Store is the blob store used by every stage.
type Store interface {
	// Get returns the full object.
	Get(ctx context.Context, key string) ([]byte, error)
	// Open returns a reader over the object. Callers must Close it.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Put replaces the object at key.
	Put(ctx context.Context, key string, data []byte) error
	// PutFrom replaces the object at key with the contents of r.
	PutFrom(ctx context.Context, key string, r io.Reader) error
	// List returns every key starting with prefix, in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open returns the Store for the given driver name ("fs" or "pebble")
// rooted at root.
func Open(driver, root string, logger *slog.Logger) (Store, error) {
	switch driver {
	case "fs":
		return NewFS(root, logger)
	case "pebble":
		return NewPebble(root, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// Key joins key segments with "/", dropping empty segments and stray
// slashes at the edges of each segment.
func Key(parts ...string) string {
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, "/")
}

// validKey rejects keys that could escape a directory-backed root, and keys
// with control bytes.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid key %q", key)
	}
	if strings.ContainsFunc(key, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
		return fmt.Errorf("invalid key %q: control character", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid key %q", key)
		}
	}
	if path.Clean(key) != key {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}
