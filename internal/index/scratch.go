package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"

	"github.com/cockroachdb/pebble"

	"busindex/internal/objstore"
)

// Scratch key namespaces. Segments are separated by 0x00 so that a shorter
// id sorts before every longer id sharing its prefix, and ids may contain
// any other byte (including "/").
const (
	nsStopTime  = "st" // st|shard|trip_id|seq   -> scratchStop
	nsTrip      = "tr" // tr|shard|trip_id       -> TripRecord
	nsPair      = "sr" // sr|stop_id(20)|trip_id -> StopEntry
	nsTripPart  = "ot" // ot|shard               -> trip partition JSON
	nsStopPart  = "os" // os|stop_id(20)         -> stop partition JSON
	sep         = 0x00
	stopIDWidth = 20

	batchFlushBytes = 4 << 20
)

// scratchStop is the stop_times value kept in scratch.
type scratchStop struct {
	StopID    int    `json:"s"`
	Arrival   string `json:"a"`
	Departure string `json:"d"`
}

// scratch is a throwaway pebble store owned by one build.
type scratch struct {
	dir string
	db  *pebble.DB
}

func openScratch(parent string) (*scratch, error) {
	dir, err := os.MkdirTemp(parent, "busindex-build-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{DisableWAL: true})
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("open scratch store: %w", err)
	}
	return &scratch{dir: dir, db: db}, nil
}

func (s *scratch) close() error {
	err := s.db.Close()
	if rmErr := os.RemoveAll(s.dir); err == nil {
		err = rmErr
	}
	return err
}

// batchWriter buffers sets and commits whenever the batch grows large.
type batchWriter struct {
	db *pebble.DB
	b  *pebble.Batch
}

func newBatchWriter(db *pebble.DB) *batchWriter {
	return &batchWriter{db: db, b: db.NewBatch()}
}

func (w *batchWriter) set(key, value []byte) error {
	if err := w.b.Set(key, value, nil); err != nil {
		return err
	}
	if w.b.Len() >= batchFlushBytes {
		return w.flush()
	}
	return nil
}

func (w *batchWriter) flush() error {
	if w.b.Empty() {
		return nil
	}
	if err := w.b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("commit scratch batch: %w", err)
	}
	w.b.Reset()
	return nil
}

func scratchKey(ns string, segs ...[]byte) []byte {
	k := []byte(ns)
	for _, s := range segs {
		k = append(k, sep)
		k = append(k, s...)
	}
	return k
}

func stopTimeKey(shard, tripID string, seq uint64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], seq)
	return scratchKey(nsStopTime, []byte(shard), []byte(tripID), n[:])
}

// tripStopsPrefix bounds every stop_times key of one trip.
func tripStopsPrefix(shard, tripID string) []byte {
	return append(scratchKey(nsStopTime, []byte(shard), []byte(tripID)), sep)
}

func tripKey(shard, tripID string) []byte {
	return scratchKey(nsTrip, []byte(shard), []byte(tripID))
}

// splitTripKey returns the shard and trip_id of a tr| key.
func splitTripKey(k []byte) (shard, tripID string, err error) {
	parts := bytes.SplitN(k, []byte{sep}, 3)
	if len(parts) != 3 || string(parts[0]) != nsTrip {
		return "", "", fmt.Errorf("bad trip key %q", k)
	}
	return string(parts[1]), string(parts[2]), nil
}

func paddedStopID(stopID int) []byte {
	return []byte(fmt.Sprintf("%0*d", stopIDWidth, stopID))
}

func pairKey(stopID int, tripID string) []byte {
	return scratchKey(nsPair, paddedStopID(stopID), []byte(tripID))
}

// splitPairKey returns the stop_id and trip_id of an sr| key.
func splitPairKey(k []byte) (int, string, error) {
	parts := bytes.SplitN(k, []byte{sep}, 3)
	if len(parts) != 3 || string(parts[0]) != nsPair {
		return 0, "", fmt.Errorf("bad pair key %q", k)
	}
	id, err := strconv.Atoi(string(parts[1]))
	if err != nil {
		return 0, "", fmt.Errorf("bad pair key %q: %w", k, err)
	}
	return id, string(parts[2]), nil
}

func tripPartKey(shard string) []byte {
	return scratchKey(nsTripPart, []byte(shard))
}

func stopPartKey(stopID int) []byte {
	return scratchKey(nsStopPart, paddedStopID(stopID))
}

// nsBounds returns iterator bounds covering one namespace.
func nsBounds(ns string) *pebble.IterOptions {
	lower := append([]byte(ns), sep)
	return &pebble.IterOptions{
		LowerBound: lower,
		UpperBound: objstore.PrefixEnd(lower),
	}
}

// each calls fn for every key/value in the namespace, in key order. The
// slices are only valid during the call.
func (s *scratch) each(ns string, fn func(k, v []byte) error) error {
	it, err := s.db.NewIter(nsBounds(ns))
	if err != nil {
		return fmt.Errorf("scan %s: %w", ns, err)
	}
	for it.First(); it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			it.Close()
			return err
		}
	}
	return it.Close()
}
