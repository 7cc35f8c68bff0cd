package gtfs

// KeyFiles are the feed tables converted to JSON, in conversion order.
var KeyFiles = []string{"stops.txt", "shapes.txt", "trips.txt", "stop_times.txt", "routes.txt"}

// Stop is the subset of stops.txt the client map needs.
type Stop struct {
	StopID  string `csv:"stop_id"`
	StopLat string `csv:"stop_lat"`
	StopLon string `csv:"stop_lon"`
}

// ShapePoint is one row of shapes.txt.
type ShapePoint struct {
	ShapeID         string `csv:"shape_id"`
	ShapePtLat      string `csv:"shape_pt_lat"`
	ShapePtLon      string `csv:"shape_pt_lon"`
	ShapePtSequence string `csv:"shape_pt_sequence"`
}

// StopJSON is the compact stop record published as stops.json.
type StopJSON struct {
	ID  int     `json:"id"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Meta is the local change-detection record kept in meta.json.
type Meta struct {
	LastModified string `json:"last_modified"`
}
