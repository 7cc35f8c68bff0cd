package gtfs

import (
	"archive/zip"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"busindex/internal/jsonstream"
)

// ConvertResult describes one converted table.
type ConvertResult struct {
	File    string // source name inside the zip, e.g. "trips.txt"
	Output  string // path of the written JSON file
	Rows    int
	Skipped int
}

// Converter turns feed tables inside a zip into JSON files.
type Converter struct {
	logger *slog.Logger
}

// NewConverter creates a Converter.
func NewConverter(logger *slog.Logger) *Converter {
	return &Converter{logger: logger}
}

// ConvertZip converts every KeyFiles table present in the archive into
// outDir/<stem>.json. Tables missing from the archive are skipped with a
// warning. Files are read straight from the zip, never extracted.
func (c *Converter) ConvertZip(zipPath, outDir string) ([]ConvertResult, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	var results []ConvertResult
	for _, name := range KeyFiles {
		f := findFile(&r.Reader, name)
		if f == nil {
			c.logger.Warn("table not found in GTFS feed", "file", name)
			continue
		}

		out := filepath.Join(outDir, strings.TrimSuffix(name, ".txt")+".json")
		res, err := c.convertFile(f, out)
		if err != nil {
			return nil, fmt.Errorf("convert %s: %w", name, err)
		}
		c.logger.Info("converted table",
			"file", name,
			"output", filepath.Base(out),
			"rows", res.Rows,
			"skipped", res.Skipped,
		)
		results = append(results, res)
	}
	return results, nil
}

func (c *Converter) convertFile(f *zip.File, out string) (ConvertResult, error) {
	res := ConvertResult{File: f.Name, Output: out}

	file, err := os.Create(out)
	if err != nil {
		return res, fmt.Errorf("create %s: %w", out, err)
	}
	defer file.Close()
	w := bufio.NewWriterSize(file, 1<<20)

	switch f.Name {
	case "stops.txt":
		res.Rows, res.Skipped, err = convertStops(f, w)
	case "shapes.txt":
		res.Rows, res.Skipped, err = convertShapes(f, w)
	default:
		res.Rows, err = convertTable(f, w)
	}
	if err != nil {
		return res, err
	}
	if err := w.Flush(); err != nil {
		return res, fmt.Errorf("flush %s: %w", out, err)
	}
	return res, file.Close()
}

// convertTable writes every row as an object of column -> string value,
// keeping the column order of the header.
func convertTable(f *zip.File, w io.Writer) (int, error) {
	s, err := OpenRowStream(f)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	aw := jsonstream.NewArrayWriter(w)
	header := s.Header()
	for {
		record, err := s.NextRow()
		if err == io.EOF {
			break
		}
		if err != nil {
			return aw.Count(), fmt.Errorf("read row %d: %w", aw.Count(), err)
		}
		if err := aw.Write(jsonstream.NewRow(header, record)); err != nil {
			return aw.Count(), err
		}
	}
	return aw.Count(), aw.Close()
}

// convertStops writes the compact {id, lat, lon} form. Stops whose id is not
// purely numeric, or whose coordinates do not parse, are left out.
func convertStops(f *zip.File, w io.Writer) (rows, skipped int, err error) {
	s, err := OpenCSVStream[Stop](f)
	if err != nil {
		return 0, 0, err
	}
	defer s.Close()

	aw := jsonstream.NewArrayWriter(w)
	var st Stop
	for {
		err := s.Next(&st)
		if err == io.EOF {
			break
		}
		if err != nil {
			return aw.Count(), skipped, fmt.Errorf("read stop row %d: %w", aw.Count()+skipped, err)
		}

		id, ok := ParseStopID(st.StopID)
		if !ok {
			skipped++
			continue
		}
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(st.StopLat), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(st.StopLon), 64)
		if errLat != nil || errLon != nil {
			skipped++
			continue
		}
		if err := aw.Write(StopJSON{ID: id, Lat: lat, Lon: lon}); err != nil {
			return aw.Count(), skipped, err
		}
	}
	return aw.Count(), skipped, aw.Close()
}

type seqPoint struct {
	seq    int
	latLon [2]float64
}

// convertShapes writes {shape_id: [[lat, lon], ...]} with points ordered by
// shape_pt_sequence. The whole shapes table is grouped in memory; it is an
// order of magnitude smaller than stop_times.
func convertShapes(f *zip.File, w io.Writer) (shapes, skipped int, err error) {
	s, err := OpenCSVStream[ShapePoint](f)
	if err != nil {
		return 0, 0, err
	}
	defer s.Close()

	byShape := make(map[string][]seqPoint)
	var sp ShapePoint
	for row := 0; ; row++ {
		err := s.Next(&sp)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, skipped, fmt.Errorf("read shape row %d: %w", row, err)
		}
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(sp.ShapePtLat), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(sp.ShapePtLon), 64)
		seq, errSeq := strconv.Atoi(strings.TrimSpace(sp.ShapePtSequence))
		if sp.ShapeID == "" || errLat != nil || errLon != nil || errSeq != nil {
			skipped++
			continue
		}
		byShape[sp.ShapeID] = append(byShape[sp.ShapeID], seqPoint{seq: seq, latLon: [2]float64{lat, lon}})
	}

	out := make(map[string][][2]float64, len(byShape))
	for id, pts := range byShape {
		sort.SliceStable(pts, func(i, j int) bool { return pts[i].seq < pts[j].seq })
		line := make([][2]float64, len(pts))
		for i, p := range pts {
			line[i] = p.latLon
		}
		out[id] = line
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return 0, skipped, fmt.Errorf("marshal shapes: %w", err)
	}
	if _, err := w.Write(append(b, '\n')); err != nil {
		return 0, skipped, err
	}
	return len(out), skipped, nil
}

// ParseStopID accepts stop ids made only of ASCII digits that fit in an int.
// Anything else ("ABC", "", "-1", "12a") is not a valid stop id.
func ParseStopID(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
