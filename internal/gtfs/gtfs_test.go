package gtfs

import (
	"archive/zip"
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// zipBytes builds an in-memory archive holding the given files.
func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.zip")
	if err := os.WriteFile(path, zipBytes(t, files), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

var sampleFeed = map[string]string{
	"stops.txt": "\xef\xbb\xbfstop_id,stop_name,stop_lat,stop_lon\n" +
		"42,Ala Moana,21.2911,-157.8436\n" +
		"ABC,Depot,21.3,-157.9\n" +
		"7,Kapiolani, 21.30 ,-157.82\n",
	"shapes.txt": "shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence\n" +
		"S1,21.2,-157.2,2\n" +
		"S1,21.1,-157.1,1\n" +
		"S2,21.5,-157.5,1\n" +
		"S1,21.3,-157.3,10\n",
	"trips.txt": "route_id,service_id,trip_id,trip_headsign,shape_id\n" +
		"R1,WK,101A,\"Ala Moana, Center\",S1\n",
	"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
		"101A,08:00:00,08:00:00,42,1\n" +
		"101A,08:05:00,08:05:00,7,2\n",
}
