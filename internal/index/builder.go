package index

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"busindex/internal/errs"
	"busindex/internal/gtfs"
	"busindex/internal/jsonstream"
	"busindex/internal/objstore"
)

// Options control a build.
type Options struct {
	Prefix           string
	ShardPrefixLen   int
	ProgressEvery    int
	ConcurrentPasses bool
	ScratchDir       string // parent of the per-build scratch directory; "" is os.TempDir()
}

// Builder joins trips with stop_times and produces both indexes.
type Builder struct {
	store  objstore.Store
	opts   Options
	logger *slog.Logger
}

// NewBuilder creates a Builder reading sources from store.
func NewBuilder(store objstore.Store, opts Options, logger *slog.Logger) *Builder {
	if opts.ShardPrefixLen < 1 {
		opts.ShardPrefixLen = 3
	}
	if opts.ProgressEvery < 1 {
		opts.ProgressEvery = 500000
	}
	return &Builder{store: store, opts: opts, logger: logger}
}

// Index is a finished, verified build held in scratch storage until it is
// published. Close removes the scratch directory.
type Index struct {
	sc          *scratch
	Stats       Stats
	Fingerprint Fingerprint
}

// EachTripPartition calls fn for every trip partition in shard order.
func (idx *Index) EachTripPartition(fn func(shard string, data []byte) error) error {
	return idx.sc.each(nsTripPart, func(k, v []byte) error {
		return fn(string(k[len(nsTripPart)+1:]), v)
	})
}

// EachStopPartition calls fn for every stop partition in stop_id order.
func (idx *Index) EachStopPartition(fn func(stopID int, data []byte) error) error {
	return idx.sc.each(nsStopPart, func(k, v []byte) error {
		id, ok := gtfs.ParseStopID(string(k[len(nsStopPart)+1:]))
		if !ok {
			return fmt.Errorf("bad stop partition key %q", k)
		}
		return fn(id, v)
	})
}

// Close releases the scratch storage.
func (idx *Index) Close() error {
	return idx.sc.close()
}

// Build reads both sources, joins them and verifies that the two indexes
// agree. Nothing is written to the object store. On error no Index is
// returned and the scratch storage is already gone.
func (b *Builder) Build(ctx context.Context) (*Index, error) {
	start := time.Now()
	sc, err := openScratch(b.opts.ScratchDir)
	if err != nil {
		return nil, err
	}
	idx := &Index{sc: sc}

	if err := b.build(ctx, idx); err != nil {
		sc.close()
		return nil, err
	}

	s := idx.Stats
	b.logger.Info("index build complete",
		"stop_times_read", s.StopTimesRead,
		"stop_times_skipped", s.StopTimesSkipped,
		"non_numeric_stops", s.NonNumericStops,
		"orphaned", s.Orphaned,
		"trips_read", s.TripsRead,
		"trips_skipped", s.TripsSkipped,
		"duplicate_trips", s.DuplicateTrips,
		"trip_partitions", s.TripPartitions,
		"stop_partitions", s.StopPartitions,
		"pairs", s.Pairs,
		"fingerprint", idx.Fingerprint.String(),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return idx, nil
}

func (b *Builder) build(ctx context.Context, idx *Index) error {
	kept, err := b.readSources(ctx, idx)
	if err != nil {
		return err
	}

	joined, err := b.join(ctx, idx)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	idx.Stats.Orphaned = kept - joined
	if idx.Stats.Orphaned > 0 {
		b.logger.Warn("dropped stop_times with no matching trip", "count", idx.Stats.Orphaned)
	}

	if err := b.invert(ctx, idx); err != nil {
		return fmt.Errorf("invert: %w", err)
	}

	fp, err := verify(idx.sc)
	if err != nil {
		return err
	}
	idx.Fingerprint = fp
	idx.Stats.Pairs = fp.Count
	return nil
}

// readSources runs the stop_times and trips passes, one after the other or
// side by side. They write disjoint scratch key ranges. It returns how many
// stop_times were kept for the join.
func (b *Builder) readSources(ctx context.Context, idx *Index) (int, error) {
	if !b.opts.ConcurrentPasses {
		kept, err := b.stopTimesPass(ctx, idx.sc, &idx.Stats)
		if err != nil {
			return 0, err
		}
		return kept, b.tripsPass(ctx, idx.sc, &idx.Stats)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg               sync.WaitGroup
		kept             int
		stErr, trErr     error
		stStats, trStats Stats
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		kept, stErr = b.stopTimesPass(ctx, idx.sc, &stStats)
		if stErr != nil {
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		trErr = b.tripsPass(ctx, idx.sc, &trStats)
		if trErr != nil {
			cancel()
		}
	}()
	wg.Wait()

	// Report the root cause, not the cancellation it triggered.
	if stErr != nil && !errors.Is(stErr, context.Canceled) {
		return 0, stErr
	}
	if trErr != nil {
		return 0, trErr
	}
	if stErr != nil {
		return 0, stErr
	}

	idx.Stats.StopTimesRead = stStats.StopTimesRead
	idx.Stats.StopTimesSkipped = stStats.StopTimesSkipped
	idx.Stats.NonNumericStops = stStats.NonNumericStops
	idx.Stats.TripsRead = trStats.TripsRead
	idx.Stats.TripsSkipped = trStats.TripsSkipped
	return kept, nil
}

func (b *Builder) openSource(ctx context.Context, name string) (io.ReadCloser, string, error) {
	key := objstore.Key(b.opts.Prefix, name)
	rc, err := b.store.Open(ctx, key)
	if err != nil {
		return nil, key, fmt.Errorf("%w: open %s: %w", errs.ErrSourceUnavailable, key, err)
	}
	return rc, key, nil
}

func validID(field, id string) error {
	if id == "" {
		return fmt.Errorf("missing %s", field)
	}
	if strings.IndexByte(id, sep) >= 0 {
		return fmt.Errorf("%s contains NUL", field)
	}
	return nil
}

func (b *Builder) stopTimesPass(ctx context.Context, sc *scratch, st *Stats) (int, error) {
	rc, key, err := b.openSource(ctx, StopTimesName)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	r := jsonstream.NewReader[StopTimeRecord](bufio.NewReaderSize(rc, 1<<20), key, b.logger).
		WithValidate(func(rec *StopTimeRecord) error {
			return validID("trip_id", rec.TripID)
		})
	w := newBatchWriter(sc.db)
	defer w.b.Close()

	var seq uint64
	var rec StopTimeRecord
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		err := r.Next(&rec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		if n := r.Read() + r.Skipped(); n%b.opts.ProgressEvery == 0 {
			b.logger.Info("progress", "source", key, "records", n)
		}

		stopID, ok := gtfs.ParseStopID(rec.StopID)
		if !ok {
			st.NonNumericStops++
			b.logger.Debug("skipping non-numeric stop_id", "trip_id", rec.TripID, "stop_id", rec.StopID)
			continue
		}
		val, err := json.Marshal(scratchStop{StopID: stopID, Arrival: rec.ArrivalTime, Departure: rec.DepartureTime})
		if err != nil {
			return 0, err
		}
		if err := w.set(stopTimeKey(ShardKey(rec.TripID, b.opts.ShardPrefixLen), rec.TripID, seq), val); err != nil {
			return 0, fmt.Errorf("stage stop_time: %w", err)
		}
		seq++
	}
	if err := w.flush(); err != nil {
		return 0, err
	}

	st.StopTimesRead = r.Read()
	st.StopTimesSkipped = r.Skipped()
	b.logger.Info("stop_times pass complete",
		"read", st.StopTimesRead,
		"skipped", st.StopTimesSkipped,
		"non_numeric", st.NonNumericStops,
	)
	return int(seq), nil
}

func (b *Builder) tripsPass(ctx context.Context, sc *scratch, st *Stats) error {
	rc, key, err := b.openSource(ctx, TripsName)
	if err != nil {
		return err
	}
	defer rc.Close()

	r := jsonstream.NewReader[TripRecord](bufio.NewReader(rc), key, b.logger).
		WithValidate(func(rec *TripRecord) error {
			return validID("trip_id", rec.TripID)
		})
	w := newBatchWriter(sc.db)
	defer w.b.Close()

	var rec TripRecord
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.Next(&rec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if n := r.Read() + r.Skipped(); n%b.opts.ProgressEvery == 0 {
			b.logger.Info("progress", "source", key, "records", n)
		}

		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		// A later duplicate overwrites an earlier one.
		if err := w.set(tripKey(ShardKey(rec.TripID, b.opts.ShardPrefixLen), rec.TripID), val); err != nil {
			return fmt.Errorf("stage trip: %w", err)
		}
	}
	if err := w.flush(); err != nil {
		return err
	}

	st.TripsRead = r.Read()
	st.TripsSkipped = r.Skipped()
	b.logger.Info("trips pass complete", "read", st.TripsRead, "skipped", st.TripsSkipped)
	return nil
}

// join walks the trips shard by shard, attaches each trip's stops and
// serialises every finished shard. Each distinct (stop, trip) pair is staged
// for the stop inversion. It returns how many stop_times were attached.
func (b *Builder) join(ctx context.Context, idx *Index) (int, error) {
	db := idx.sc.db
	trips, err := db.NewIter(nsBounds(nsTrip))
	if err != nil {
		return 0, err
	}
	defer trips.Close()
	stops, err := db.NewIter(nsBounds(nsStopTime))
	if err != nil {
		return 0, err
	}
	defer stops.Close()

	w := newBatchWriter(db)
	defer w.b.Close()

	var (
		joined   int
		curShard string
		part     = make(map[string]TripEntry)
	)
	flush := func() error {
		if len(part) == 0 {
			return nil
		}
		data, err := canonicalJSON(part)
		if err != nil {
			return err
		}
		if err := w.set(tripPartKey(curShard), data); err != nil {
			return err
		}
		idx.Stats.TripPartitions++
		part = make(map[string]TripEntry)
		return nil
	}

	for trips.First(); trips.Valid(); trips.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		shard, tripID, err := splitTripKey(trips.Key())
		if err != nil {
			return 0, err
		}
		var tr TripRecord
		if err := json.Unmarshal(trips.Value(), &tr); err != nil {
			return 0, fmt.Errorf("decode staged trip %s: %w", tripID, err)
		}
		if shard != curShard {
			if err := flush(); err != nil {
				return 0, err
			}
			curShard = shard
		}

		entry := TripEntry{
			RouteID:  tr.RouteID,
			Headsign: tr.Headsign,
			ShapeID:  tr.ShapeID,
			Stops:    []TripStop{},
		}
		ref, err := json.Marshal(StopEntry{RouteID: tr.RouteID, Headsign: tr.Headsign, ShapeID: tr.ShapeID})
		if err != nil {
			return 0, err
		}
		prefix := tripStopsPrefix(shard, tripID)
		seen := make(map[int]struct{})
		for ok := stops.SeekGE(prefix); ok && bytes.HasPrefix(stops.Key(), prefix); ok = stops.Next() {
			var s scratchStop
			if err := json.Unmarshal(stops.Value(), &s); err != nil {
				return 0, fmt.Errorf("decode staged stop_time of %s: %w", tripID, err)
			}
			entry.Stops = append(entry.Stops, TripStop{
				StopID:        s.StopID,
				ArrivalTime:   s.Arrival,
				DepartureTime: s.Departure,
			})
			joined++
			if _, dup := seen[s.StopID]; dup {
				continue
			}
			seen[s.StopID] = struct{}{}
			if err := w.set(pairKey(s.StopID, tripID), ref); err != nil {
				return 0, err
			}
		}
		part[tripID] = entry
		idx.Stats.Trips++
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if err := w.flush(); err != nil {
		return 0, err
	}
	idx.Stats.DuplicateTrips = idx.Stats.TripsRead - idx.Stats.Trips
	return joined, nil
}

// invert groups the staged (stop, trip) pairs by stop. Keys are ordered by
// stop_id then trip_id, so each stop's entries come out sorted by trip_id.
func (b *Builder) invert(ctx context.Context, idx *Index) error {
	w := newBatchWriter(idx.sc.db)
	defer w.b.Close()

	cur := -1
	var entries []StopEntry
	flush := func() error {
		if len(entries) == 0 {
			return nil
		}
		data, err := canonicalJSON(entries)
		if err != nil {
			return err
		}
		if err := w.set(stopPartKey(cur), data); err != nil {
			return err
		}
		idx.Stats.StopPartitions++
		entries = entries[:0]
		return nil
	}

	err := idx.sc.each(nsPair, func(k, v []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stopID, tripID, err := splitPairKey(k)
		if err != nil {
			return err
		}
		if stopID != cur {
			if err := flush(); err != nil {
				return err
			}
			cur = stopID
		}
		var e StopEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("decode staged pair: %w", err)
		}
		e.TripID = tripID
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	idx.Stats.Stops = idx.Stats.StopPartitions
	return w.flush()
}

// canonicalJSON is the published encoding: two-space indent, sorted map
// keys and a trailing newline.
func canonicalJSON(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
