// Package index builds the trip_lookup and stop_lookup indexes from the
// stop_times and trips tables and publishes them to the object store.
package index

import (
	"time"
)

// StopTimeRecord is one element of stop_times.json.
type StopTimeRecord struct {
	TripID        string `json:"trip_id"`
	StopID        string `json:"stop_id"`
	ArrivalTime   string `json:"arrival_time"`
	DepartureTime string `json:"departure_time"`
}

// TripRecord is one element of trips.json.
type TripRecord struct {
	TripID   string `json:"trip_id"`
	RouteID  string `json:"route_id"`
	Headsign string `json:"trip_headsign"`
	ShapeID  string `json:"shape_id"`
}

// TripStop is one stop visit inside a TripEntry.
type TripStop struct {
	StopID        int    `json:"stop_id"`
	ArrivalTime   string `json:"arrival_time"`
	DepartureTime string `json:"departure_time"`
}

// TripEntry is the value stored for each trip_id in a trip partition.
// Stops keep the order of the stop_times stream.
type TripEntry struct {
	RouteID  string     `json:"route_id"`
	Headsign string     `json:"headsign"`
	ShapeID  string     `json:"shape_id"`
	Stops    []TripStop `json:"stops"`
}

// StopEntry references one trip serving a stop.
type StopEntry struct {
	TripID   string `json:"trip_id"`
	RouteID  string `json:"route_id"`
	Headsign string `json:"headsign"`
	ShapeID  string `json:"shape_id"`
}

// Stats counts what a build read, dropped and produced.
type Stats struct {
	StopTimesRead    int `json:"stop_times_read"`
	StopTimesSkipped int `json:"stop_times_skipped"` // malformed elements
	NonNumericStops  int `json:"non_numeric_stops"`
	Orphaned         int `json:"orphaned"` // stop_times whose trip is unknown
	TripsRead        int `json:"trips_read"`
	TripsSkipped     int `json:"trips_skipped"`
	DuplicateTrips   int `json:"duplicate_trips"`
	Trips            int `json:"trips"`
	Stops            int `json:"stops"`
	Pairs            int `json:"pairs"`
	TripPartitions   int `json:"trip_partitions"`
	StopPartitions   int `json:"stop_partitions"`
}

// Manifest is written last, as {PREFIX}/lookup_manifest.json. Readers treat
// a missing manifest as a build in progress.
type Manifest struct {
	BuildID          string    `json:"build_id"`
	FeedLastModified string    `json:"feed_last_modified,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
	TripPartitions   int       `json:"trip_partitions"`
	StopPartitions   int       `json:"stop_partitions"`
	Trips            int       `json:"trips"`
	Stops            int       `json:"stops"`
	Pairs            int       `json:"pairs"`
	Fingerprint      string    `json:"fingerprint"`
}
