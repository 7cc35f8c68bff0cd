package jsonstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"busindex/internal/errs"
)

type rec struct {
	TripID string `json:"trip_id"`
	StopID string `json:"stop_id"`
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readAll(t *testing.T, r *Reader[rec]) ([]rec, error) {
	t.Helper()
	var out []rec
	for {
		var v rec
		err := r.Next(&v)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}

func TestReader_YieldsElementsInOrder(t *testing.T) {
	in := `[{"trip_id":"101A","stop_id":"42"}, {"trip_id":"101B","stop_id":"43"}]`
	r := NewReader[rec](strings.NewReader(in), "stop_times.json", discard())

	got, err := readAll(t, r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].TripID != "101A" || got[1].StopID != "43" {
		t.Errorf("got %+v", got)
	}
	if r.Read() != 2 || r.Skipped() != 0 {
		t.Errorf("Read/Skipped = %d/%d, want 2/0", r.Read(), r.Skipped())
	}
	// EOF is sticky.
	var v rec
	if err := r.Next(&v); err != io.EOF {
		t.Errorf("Next after end = %v, want io.EOF", err)
	}
}

func TestReader_EmptyArray(t *testing.T) {
	r := NewReader[rec](strings.NewReader(" [ ] "), "trips.json", discard())
	got, err := readAll(t, r)
	if err != nil || len(got) != 0 {
		t.Errorf("got %v, %v; want no elements and no error", got, err)
	}
}

func TestReader_SkipsUndecodableElements(t *testing.T) {
	// stop_id as a number does not fit the string field; the element is
	// skipped and the stream continues.
	in := `[{"trip_id":"a","stop_id":"1"},{"trip_id":"b","stop_id":2},"oops",{"trip_id":"c","stop_id":"3"}]`
	r := NewReader[rec](strings.NewReader(in), "stop_times.json", discard())

	got, err := readAll(t, r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].TripID != "a" || got[1].TripID != "c" {
		t.Errorf("got %+v, want trips a and c", got)
	}
	if r.Skipped() != 2 {
		t.Errorf("Skipped() = %d, want 2", r.Skipped())
	}
}

func TestReader_ValidateHook(t *testing.T) {
	in := `[{"trip_id":""},{"trip_id":"x"}]`
	r := NewReader[rec](strings.NewReader(in), "trips.json", discard()).
		WithValidate(func(v *rec) error {
			if v.TripID == "" {
				return fmt.Errorf("missing trip_id")
			}
			return nil
		})

	got, err := readAll(t, r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].TripID != "x" {
		t.Errorf("got %+v", got)
	}
	if r.Skipped() != 1 {
		t.Errorf("Skipped() = %d, want 1", r.Skipped())
	}
}

func TestReader_FatalErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty input", ""},
		{"not an array", `{"trip_id":"a"}`},
		{"truncated", `[{"trip_id":"a"},{"trip_`},
		{"syntax error", `[{"trip_id":"a"} {"trip_id":"b"}]`},
		{"missing close", `[{"trip_id":"a"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader[rec](strings.NewReader(tt.in), "x.json", discard())
			_, err := readAll(t, r)
			if !errors.Is(err, errs.ErrSourceUnavailable) {
				t.Errorf("error = %v, want ErrSourceUnavailable", err)
			}
		})
	}
}

func TestReader_OverwritesOutFields(t *testing.T) {
	in := `[{"trip_id":"a","stop_id":"1"},{"trip_id":"b"}]`
	r := NewReader[rec](strings.NewReader(in), "x.json", discard())
	var v rec
	if err := r.Next(&v); err != nil {
		t.Fatal(err)
	}
	if err := r.Next(&v); err != nil {
		t.Fatal(err)
	}
	if v.StopID != "" {
		t.Errorf("StopID = %q, stale value leaked from previous element", v.StopID)
	}
}

func TestArrayWriter_RoundTripsThroughReader(t *testing.T) {
	var buf bytes.Buffer
	w := NewArrayWriter(&buf)
	for _, v := range []rec{{"101A", "42"}, {"101B", "43"}} {
		if err := w.Write(v); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if w.Count() != 2 {
		t.Errorf("Count() = %d, want 2", w.Count())
	}

	want := "[\n  {\n    \"trip_id\": \"101A\",\n    \"stop_id\": \"42\"\n  },\n  {\n    \"trip_id\": \"101B\",\n    \"stop_id\": \"43\"\n  }\n]\n"
	if buf.String() != want {
		t.Errorf("output =\n%s\nwant\n%s", buf.String(), want)
	}

	got, err := readAll(t, NewReader[rec](&buf, "buf", discard()))
	if err != nil || len(got) != 2 {
		t.Errorf("read back %v, %v", got, err)
	}
}

func TestArrayWriter_Empty(t *testing.T) {
	var buf bytes.Buffer
	w := NewArrayWriter(&buf)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "[]\n" {
		t.Errorf("empty array = %q, want %q", buf.String(), "[]\n")
	}
}

func TestRow_KeepsColumnOrder(t *testing.T) {
	row := NewRow([]string{"trip_id", "arrival_time", "stop_id"}, []string{"101A", "08:00:00"})
	b, err := row.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"trip_id":"101A","arrival_time":"08:00:00","stop_id":""}`
	if string(b) != want {
		t.Errorf("MarshalJSON() = %s, want %s", b, want)
	}
}
