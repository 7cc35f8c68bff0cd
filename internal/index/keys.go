package index

import (
	"net/url"
	"strconv"

	"busindex/internal/objstore"
)

// Object store layout under the configured prefix.
const (
	TripLookupDir = "trip_lookup"
	StopLookupDir = "stop_lookup"
	ManifestName  = "lookup_manifest.json"
	StopTimesName = "stop_times.json"
	TripsName     = "trips.json"
)

// ShardKey returns the trip partition a trip_id belongs to: its first n
// bytes, or the whole id when it is shorter.
func ShardKey(tripID string, n int) string {
	if len(tripID) <= n {
		return tripID
	}
	return tripID[:n]
}

// TripPartitionKey is the object key of a trip partition.
func TripPartitionKey(prefix, shard string) string {
	return objstore.Key(prefix, TripLookupDir, url.PathEscape(shard)+".json")
}

// StopPartitionKey is the object key of a stop partition.
func StopPartitionKey(prefix string, stopID int) string {
	return objstore.Key(prefix, StopLookupDir, strconv.Itoa(stopID)+".json")
}

// ManifestKey is the object key of the build manifest.
func ManifestKey(prefix string) string {
	return objstore.Key(prefix, ManifestName)
}
