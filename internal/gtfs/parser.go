package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"reflect"
	"strings"
)

// CSVStreamer reads one CSV file from a zip a record at a time.
// Used for every feed table so that stop_times.txt never has to fit in memory.
type CSVStreamer struct {
	rc       io.ReadCloser
	reader   *csv.Reader
	header   []string
	fieldMap []fieldMapping
}

type fieldMapping struct {
	csvIndex   int
	fieldIndex int
}

// OpenCSVStream opens a CSV file from the zip for streaming into values of T.
func OpenCSVStream[T any](f *zip.File) (*CSVStreamer, error) {
	s, err := OpenRowStream(f)
	if err != nil {
		return nil, err
	}
	s.fieldMap = buildFieldMap[T](s.header)
	return s, nil
}

// OpenRowStream opens a CSV file from the zip for streaming raw rows.
func OpenRowStream(f *zip.File) (*CSVStreamer, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := csv.NewReader(rc)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	// Strip BOM from first field if present
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\xef\xbb\xbf")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	return &CSVStreamer{
		rc:     rc,
		reader: reader,
		header: header,
	}, nil
}

// Header returns the column names.
func (s *CSVStreamer) Header() []string { return s.header }

// Next reads the next record into out, which must be a pointer to the T the
// stream was opened with. Returns io.EOF when done.
func (s *CSVStreamer) Next(out any) error {
	record, err := s.reader.Read()
	if err != nil {
		return err
	}
	v := reflect.ValueOf(out).Elem()
	v.SetZero()
	for _, fm := range s.fieldMap {
		if fm.csvIndex < len(record) {
			v.Field(fm.fieldIndex).SetString(record[fm.csvIndex])
		}
	}
	return nil
}

// NextRow reads the next raw record. Returns io.EOF when done.
func (s *CSVStreamer) NextRow() ([]string, error) {
	return s.reader.Read()
}

// Close releases the underlying reader.
func (s *CSVStreamer) Close() error {
	return s.rc.Close()
}

// buildFieldMap creates a mapping from CSV column positions to struct field positions.
func buildFieldMap[T any](header []string) []fieldMapping {
	var t T
	typ := reflect.TypeOf(t)

	// Build a map of csv tag -> field index
	tagToField := make(map[string]int)
	for i := 0; i < typ.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("csv")
		if tag != "" {
			tagToField[tag] = i
		}
	}

	var mappings []fieldMapping
	for csvIdx, colName := range header {
		if fieldIdx, ok := tagToField[colName]; ok {
			mappings = append(mappings, fieldMapping{csvIndex: csvIdx, fieldIndex: fieldIdx})
		}
	}
	return mappings
}

// findFile returns the named entry of the archive, or nil.
func findFile(r *zip.Reader, name string) *zip.File {
	for _, f := range r.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}
