package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busindex/internal/errs"
	"busindex/internal/objstore"
)

const prefix = "gtfs_latest/json"

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingStore wraps a Store, logging every mutation and optionally
// failing Puts.
type recordingStore struct {
	objstore.Store

	mu      sync.Mutex
	ops     []string
	failPut func(key string) error
}

func (s *recordingStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	s.ops = append(s.ops, "put "+key)
	fail := s.failPut
	s.mu.Unlock()
	if fail != nil {
		if err := fail(key); err != nil {
			return err
		}
	}
	return s.Store.Put(ctx, key, data)
}

func (s *recordingStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.ops = append(s.ops, "delete "+key)
	s.mu.Unlock()
	return s.Store.Delete(ctx, key)
}

func (s *recordingStore) reset() {
	s.mu.Lock()
	s.ops = nil
	s.mu.Unlock()
}

func (s *recordingStore) mutations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

type fixture struct {
	t     *testing.T
	store *recordingStore
	opts  Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs, err := objstore.NewFS(filepath.Join(t.TempDir(), "bucket"), discard())
	require.NoError(t, err)
	return &fixture{
		t:     t,
		store: &recordingStore{Store: fs},
		opts:  Options{Prefix: prefix, ShardPrefixLen: 3, ScratchDir: t.TempDir()},
	}
}

func (f *fixture) putSource(name string, v any) {
	f.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(f.t, err)
	require.NoError(f.t, f.store.Store.Put(context.Background(), objstore.Key(prefix, name), data))
}

func (f *fixture) putRaw(name, data string) {
	f.t.Helper()
	require.NoError(f.t, f.store.Store.Put(context.Background(), objstore.Key(prefix, name), []byte(data)))
}

func (f *fixture) publisher() *Publisher {
	p := NewPublisher(f.store, prefix, 0, 2, discard())
	p.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return p
}

// buildAndPublish runs one full build, failing the test on error.
func (f *fixture) buildAndPublish() (*Manifest, Stats, PublishResult) {
	f.t.Helper()
	idx, err := NewBuilder(f.store, f.opts, discard()).Build(context.Background())
	require.NoError(f.t, err)
	defer idx.Close()

	m := &Manifest{BuildID: "test"}
	res, err := f.publisher().Publish(context.Background(), idx, m)
	require.NoError(f.t, err)
	return m, idx.Stats, res
}

func (f *fixture) get(key string) string {
	f.t.Helper()
	data, err := f.store.Get(context.Background(), key)
	require.NoError(f.t, err, "get %s", key)
	return string(data)
}

func (f *fixture) list(dir string) []string {
	f.t.Helper()
	keys, err := f.store.List(context.Background(), objstore.Key(prefix, dir)+"/")
	require.NoError(f.t, err)
	return keys
}

// snapshot returns every published partition's bytes.
func (f *fixture) snapshot() map[string]string {
	out := make(map[string]string)
	for _, dir := range []string{TripLookupDir, StopLookupDir} {
		for _, k := range f.list(dir) {
			out[k] = f.get(k)
		}
	}
	return out
}

func TestBuild_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.putSource(TripsName, []map[string]string{
		{"trip_id": "101A", "route_id": "1", "shape_id": "S1"},
	})
	f.putSource(StopTimesName, []map[string]string{
		{"trip_id": "101A", "stop_id": "42", "arrival_time": "08:00", "departure_time": "08:01"},
	})

	_, stats, res := f.buildAndPublish()

	wantTrip := `{
  "101A": {
    "route_id": "1",
    "headsign": "",
    "shape_id": "S1",
    "stops": [
      {
        "stop_id": 42,
        "arrival_time": "08:00",
        "departure_time": "08:01"
      }
    ]
  }
}
`
	wantStop := `[
  {
    "trip_id": "101A",
    "route_id": "1",
    "headsign": "",
    "shape_id": "S1"
  }
]
`
	assert.Equal(t, wantTrip, f.get(prefix+"/trip_lookup/101.json"))
	assert.Equal(t, wantStop, f.get(prefix+"/stop_lookup/42.json"))
	assert.Equal(t, 1, res.TripPartitions)
	assert.Equal(t, 1, res.StopPartitions)
	assert.Equal(t, 1, stats.Pairs)
}

func TestBuild_NonNumericStopExcluded(t *testing.T) {
	f := newFixture(t)
	f.putSource(TripsName, []map[string]string{
		{"trip_id": "101A", "route_id": "1", "shape_id": "S1"},
	})
	f.putSource(StopTimesName, []map[string]string{
		{"trip_id": "101A", "stop_id": "42", "arrival_time": "08:00", "departure_time": "08:01"},
		{"trip_id": "101A", "stop_id": "ABC", "arrival_time": "08:05", "departure_time": "08:06"},
	})

	_, stats, _ := f.buildAndPublish()

	assert.Equal(t, []string{prefix + "/stop_lookup/42.json"}, f.list(StopLookupDir))
	trip := f.get(prefix + "/trip_lookup/101.json")
	assert.NotContains(t, trip, "08:05")
	assert.NotContains(t, trip, "ABC")
	assert.Equal(t, 1, stats.NonNumericStops)
	assert.Equal(t, 0, stats.Orphaned)
}

func TestBuild_TripWithoutStopTimes(t *testing.T) {
	f := newFixture(t)
	f.putSource(TripsName, []map[string]string{
		{"trip_id": "202B", "route_id": "2", "trip_headsign": "Waikiki", "shape_id": "S2"},
	})
	f.putRaw(StopTimesName, "[]")

	_, stats, _ := f.buildAndPublish()

	var part map[string]TripEntry
	require.NoError(t, json.Unmarshal([]byte(f.get(prefix+"/trip_lookup/202.json")), &part))
	entry, ok := part["202B"]
	require.True(t, ok)
	assert.Equal(t, "Waikiki", entry.Headsign)
	assert.NotNil(t, entry.Stops)
	assert.Empty(t, entry.Stops)
	assert.Contains(t, f.get(prefix+"/trip_lookup/202.json"), `"stops": []`)
	assert.Empty(t, f.list(StopLookupDir))
	assert.Equal(t, 1, stats.Trips)
}

func TestBuild_OrphansAndDuplicates(t *testing.T) {
	f := newFixture(t)
	f.putSource(TripsName, []map[string]string{
		{"trip_id": "101A", "route_id": "old"},
		{"trip_id": "101A", "route_id": "new"},
	})
	f.putSource(StopTimesName, []map[string]string{
		{"trip_id": "999Z", "stop_id": "7"},
		{"trip_id": "101A", "stop_id": "42"},
	})

	_, stats, _ := f.buildAndPublish()

	assert.Equal(t, 1, stats.Orphaned)
	assert.Equal(t, 1, stats.DuplicateTrips)
	assert.Equal(t, []string{prefix + "/stop_lookup/42.json"}, f.list(StopLookupDir),
		"a stop reached only by an orphan has no partition")
	assert.Contains(t, f.get(prefix+"/trip_lookup/101.json"), `"route_id": "new"`)
}

func TestBuild_MalformedElementsSkipped(t *testing.T) {
	tests := []struct {
		name       string
		trips      string
		stopTimes  string
		wantStats  Stats
		wantStops  []string
		wantAbsent []string
	}{
		{
			name:      "numeric ids and missing trip_id",
			trips:     `[{"trip_id":"101A","route_id":"1"},{"trip_id":5,"route_id":"2"},{"route_id":"3"}]`,
			stopTimes: `[{"trip_id":"101A","stop_id":"42"},{"trip_id":"101A","stop_id":43},{"trip_id":"5","stop_id":"7"}]`,
			wantStats: Stats{
				StopTimesRead: 2, StopTimesSkipped: 1, Orphaned: 1,
				TripsRead: 1, TripsSkipped: 2, Trips: 1, Stops: 1, Pairs: 1,
			},
			wantStops:  []string{prefix + "/stop_lookup/42.json"},
			wantAbsent: []string{"43", `"5"`},
		},
		{
			name:      "non-object elements",
			trips:     `[null,"101A",{"trip_id":"101A","route_id":"1"},[1,2]]`,
			stopTimes: `[42,{"trip_id":"101A","stop_id":"42"},true]`,
			wantStats: Stats{
				StopTimesRead: 1, StopTimesSkipped: 2,
				TripsRead: 1, TripsSkipped: 2, Trips: 1, Stops: 1, Pairs: 1,
			},
			wantStops: []string{prefix + "/stop_lookup/42.json"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.putRaw(TripsName, tt.trips)
			f.putRaw(StopTimesName, tt.stopTimes)

			_, stats, _ := f.buildAndPublish()

			assert.Equal(t, tt.wantStats.StopTimesRead, stats.StopTimesRead, "StopTimesRead")
			assert.Equal(t, tt.wantStats.StopTimesSkipped, stats.StopTimesSkipped, "StopTimesSkipped")
			assert.Equal(t, tt.wantStats.Orphaned, stats.Orphaned, "Orphaned")
			assert.Equal(t, tt.wantStats.TripsRead, stats.TripsRead, "TripsRead")
			assert.Equal(t, tt.wantStats.TripsSkipped, stats.TripsSkipped, "TripsSkipped")
			assert.Equal(t, tt.wantStats.Trips, stats.Trips, "Trips")
			assert.Equal(t, tt.wantStats.Stops, stats.Stops, "Stops")
			assert.Equal(t, tt.wantStops, f.list(StopLookupDir))

			trip := f.get(prefix + "/trip_lookup/101.json")
			assert.Contains(t, trip, `"stop_id": 42`)
			for _, s := range tt.wantAbsent {
				assert.NotContains(t, trip, s)
			}
		})
	}
}

func TestBuild_StopsKeepStreamOrderAndDedupePairs(t *testing.T) {
	f := newFixture(t)
	f.putSource(TripsName, []map[string]string{
		{"trip_id": "L1", "route_id": "loop"},
		{"trip_id": "L2", "route_id": "loop"},
	})
	f.putSource(StopTimesName, []map[string]string{
		{"trip_id": "L1", "stop_id": "30", "arrival_time": "08:00"},
		{"trip_id": "L2", "stop_id": "30", "arrival_time": "09:00"},
		{"trip_id": "L1", "stop_id": "10", "arrival_time": "08:10"},
		{"trip_id": "L1", "stop_id": "30", "arrival_time": "08:20"},
	})

	_, stats, _ := f.buildAndPublish()

	var part map[string]TripEntry
	require.NoError(t, json.Unmarshal([]byte(f.get(prefix+"/trip_lookup/L1.json")), &part))
	var order []string
	for _, s := range part["L1"].Stops {
		order = append(order, fmt.Sprintf("%d@%s", s.StopID, s.ArrivalTime))
	}
	assert.Equal(t, []string{"30@08:00", "10@08:10", "30@08:20"}, order)

	var entries []StopEntry
	require.NoError(t, json.Unmarshal([]byte(f.get(prefix+"/stop_lookup/30.json")), &entries))
	require.Len(t, entries, 2, "L1 visits stop 30 twice but is listed once")
	assert.Equal(t, "L1", entries[0].TripID)
	assert.Equal(t, "L2", entries[1].TripID)
	assert.Equal(t, 3, stats.Pairs)
}

// genFeed produces a feed of n trips over a few routes and stops.
func genFeed(n int) (trips, stopTimes []map[string]string) {
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%d%c", 100+i%7, 'A'+rune(i%5)) + fmt.Sprint(i)
		trips = append(trips, map[string]string{
			"trip_id":       id,
			"route_id":      fmt.Sprint(i % 4),
			"trip_headsign": fmt.Sprintf("Dest %d", i%3),
			"shape_id":      fmt.Sprintf("S%d", i%4),
		})
		if i%9 == 0 {
			continue // no stop_times for this trip
		}
		for s := 0; s < 1+i%6; s++ {
			stopTimes = append(stopTimes, map[string]string{
				"trip_id":        id,
				"stop_id":        fmt.Sprint((i*7 + s*13) % 40),
				"arrival_time":   fmt.Sprintf("%02d:%02d:00", 5+s, i%60),
				"departure_time": fmt.Sprintf("%02d:%02d:30", 5+s, i%60),
			})
		}
	}
	return trips, stopTimes
}

func TestBuild_RoundTripConsistency(t *testing.T) {
	f := newFixture(t)
	trips, stopTimes := genFeed(120)
	f.putSource(TripsName, trips)
	f.putSource(StopTimesName, stopTimes)

	_, stats, _ := f.buildAndPublish()

	fromTrips := make(map[string]bool)
	tripRoute := make(map[string]string)
	for _, k := range f.list(TripLookupDir) {
		var part map[string]TripEntry
		require.NoError(t, json.Unmarshal([]byte(f.get(k)), &part))
		for tripID, e := range part {
			shard := strings.TrimSuffix(k[strings.LastIndex(k, "/")+1:], ".json")
			assert.Equal(t, ShardKey(tripID, 3), shard, "trip %s in wrong shard", tripID)
			tripRoute[tripID] = e.RouteID
			for _, s := range e.Stops {
				fromTrips[fmt.Sprintf("%d|%s", s.StopID, tripID)] = true
			}
		}
	}

	fromStops := make(map[string]bool)
	for _, k := range f.list(StopLookupDir) {
		stop := strings.TrimSuffix(k[strings.LastIndex(k, "/")+1:], ".json")
		var entries []StopEntry
		require.NoError(t, json.Unmarshal([]byte(f.get(k)), &entries))
		assert.True(t, sort.SliceIsSorted(entries, func(i, j int) bool { return entries[i].TripID < entries[j].TripID }))
		for _, e := range entries {
			assert.Equal(t, tripRoute[e.TripID], e.RouteID)
			fromStops[stop+"|"+e.TripID] = true
		}
	}

	assert.Equal(t, fromTrips, fromStops)
	assert.Equal(t, len(fromTrips), stats.Pairs)
	assert.Equal(t, 120, stats.Trips)
}

func TestBuild_Idempotent(t *testing.T) {
	f := newFixture(t)
	trips, stopTimes := genFeed(60)
	f.putSource(TripsName, trips)
	f.putSource(StopTimesName, stopTimes)

	m1, _, _ := f.buildAndPublish()
	first := f.snapshot()

	f.opts.ConcurrentPasses = true
	m2, _, res := f.buildAndPublish()
	second := f.snapshot()

	assert.Equal(t, first, second, "partitions must be byte-identical across runs")
	assert.Equal(t, m1.Fingerprint, m2.Fingerprint)
	assert.Zero(t, res.StaleDeleted)
}

func TestShardKey(t *testing.T) {
	tests := []struct {
		tripID string
		n      int
		want   string
	}{
		{"101A", 3, "101"},
		{"101B", 3, "101"},
		{"7", 3, "7"},
		{"abc", 3, "abc"},
		{"abcdef", 1, "a"},
		{"abcdef", 32, "abcdef"},
	}
	for _, tt := range tests {
		for i := 0; i < 2; i++ {
			if got := ShardKey(tt.tripID, tt.n); got != tt.want {
				t.Errorf("ShardKey(%q, %d) = %q, want %q", tt.tripID, tt.n, got, tt.want)
			}
		}
	}
}

func TestPartitionKeysEscapeSegments(t *testing.T) {
	assert.Equal(t, prefix+"/trip_lookup/a%2Fb.json", TripPartitionKey(prefix, "a/b"))
	assert.Equal(t, prefix+"/trip_lookup/1%20A.json", TripPartitionKey(prefix, "1 A"))
	assert.Equal(t, prefix+"/stop_lookup/42.json", StopPartitionKey(prefix, 42))
}

func TestPublish_ClearsStalePartitions(t *testing.T) {
	f := newFixture(t)
	f.putSource(TripsName, []map[string]string{{"trip_id": "101A"}, {"trip_id": "202B"}})
	f.putSource(StopTimesName, []map[string]string{
		{"trip_id": "101A", "stop_id": "42"},
		{"trip_id": "202B", "stop_id": "43"},
	})
	f.buildAndPublish()
	require.Len(t, f.list(StopLookupDir), 2)

	f.putSource(TripsName, []map[string]string{{"trip_id": "101A"}})
	f.putSource(StopTimesName, []map[string]string{{"trip_id": "101A", "stop_id": "42"}})
	_, _, res := f.buildAndPublish()

	assert.Equal(t, 2, res.StaleDeleted)
	assert.Equal(t, []string{prefix + "/stop_lookup/42.json"}, f.list(StopLookupDir))
	assert.Equal(t, []string{prefix + "/trip_lookup/101.json"}, f.list(TripLookupDir))
}

func TestPublish_ManifestRemovedFirstWrittenLast(t *testing.T) {
	f := newFixture(t)
	f.putSource(TripsName, []map[string]string{{"trip_id": "101A", "route_id": "1"}})
	f.putSource(StopTimesName, []map[string]string{{"trip_id": "101A", "stop_id": "42"}})
	f.store.reset()

	m, _, _ := f.buildAndPublish()

	ops := f.store.mutations()
	manifestKey := ManifestKey(prefix)
	require.NotEmpty(t, ops)
	assert.Equal(t, "delete "+manifestKey, ops[0])
	assert.Equal(t, "put "+manifestKey, ops[len(ops)-1])

	var got Manifest
	require.NoError(t, json.Unmarshal([]byte(f.get(manifestKey)), &got))
	assert.Equal(t, "test", got.BuildID)
	assert.Equal(t, 1, got.TripPartitions)
	assert.Equal(t, 1, got.StopPartitions)
	assert.Equal(t, m.Fingerprint, got.Fingerprint)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestBuild_UnreadableSourceWritesNothing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{"missing trips", func(f *fixture) {
			f.putSource(StopTimesName, []map[string]string{{"trip_id": "101A", "stop_id": "42"}})
		}},
		{"missing stop_times", func(f *fixture) {
			f.putSource(TripsName, []map[string]string{{"trip_id": "101A"}})
		}},
		{"truncated stop_times", func(f *fixture) {
			f.putSource(TripsName, []map[string]string{{"trip_id": "101A"}})
			f.putRaw(StopTimesName, `[{"trip_id":"101A","stop_id":"42"},{"trip_`)
		}},
		{"not an array", func(f *fixture) {
			f.putRaw(TripsName, `{"trip_id":"101A"}`)
			f.putRaw(StopTimesName, `[]`)
		}},
	}

	for _, tt := range tests {
		for _, concurrent := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/concurrent=%v", tt.name, concurrent), func(t *testing.T) {
				f := newFixture(t)
				f.opts.ConcurrentPasses = concurrent
				tt.setup(f)
				f.store.reset()

				idx, err := NewBuilder(f.store, f.opts, discard()).Build(context.Background())
				assert.Nil(t, idx)
				assert.True(t, errors.Is(err, errs.ErrSourceUnavailable), "error = %v", err)
				assert.Empty(t, f.store.mutations())
			})
		}
	}
}

func TestPublish_SinkUnavailable(t *testing.T) {
	f := newFixture(t)
	f.putSource(TripsName, []map[string]string{{"trip_id": "101A"}})
	f.putSource(StopTimesName, []map[string]string{{"trip_id": "101A", "stop_id": "42"}})

	var attempts int
	f.store.failPut = func(key string) error {
		if strings.Contains(key, "/stop_lookup/") {
			attempts++
			return errors.New("503 slow down")
		}
		return nil
	}

	idx, err := NewBuilder(f.store, f.opts, discard()).Build(context.Background())
	require.NoError(t, err)
	defer idx.Close()

	_, err = f.publisher().Publish(context.Background(), idx, &Manifest{})
	assert.True(t, errors.Is(err, errs.ErrSinkUnavailable), "error = %v", err)
	assert.Equal(t, 3, attempts, "one try plus two retries")

	_, err = f.store.Get(context.Background(), ManifestKey(prefix))
	assert.True(t, errors.Is(err, objstore.ErrNotFound), "no manifest after a failed publish")
}

func TestPublish_RetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.putSource(TripsName, []map[string]string{{"trip_id": "101A"}})
	f.putSource(StopTimesName, []map[string]string{{"trip_id": "101A", "stop_id": "42"}})

	failed := false
	f.store.failPut = func(key string) error {
		if !failed && strings.Contains(key, "/trip_lookup/") {
			failed = true
			return errors.New("connection reset")
		}
		return nil
	}

	f.buildAndPublish()
	assert.True(t, failed)
	assert.NotEmpty(t, f.get(prefix+"/trip_lookup/101.json"))
}

func TestVerify_DetectsMismatch(t *testing.T) {
	sc, err := openScratch(t.TempDir())
	require.NoError(t, err)
	defer sc.close()

	trip, _ := canonicalJSON(map[string]TripEntry{
		"101A": {Stops: []TripStop{{StopID: 42}, {StopID: 43}}},
	})
	stop42, _ := canonicalJSON([]StopEntry{{TripID: "101A"}})
	require.NoError(t, sc.db.Set(tripPartKey("101"), trip, nil))
	require.NoError(t, sc.db.Set(stopPartKey(42), stop42, nil))

	_, err = verify(sc)
	assert.True(t, errors.Is(err, errs.ErrInconsistentIndex), "error = %v", err)

	stop43, _ := canonicalJSON([]StopEntry{{TripID: "101A"}})
	require.NoError(t, sc.db.Set(stopPartKey(43), stop43, nil))
	fp, err := verify(sc)
	require.NoError(t, err)
	assert.Equal(t, 2, fp.Count)
}
