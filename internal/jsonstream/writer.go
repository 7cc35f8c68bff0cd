package jsonstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ArrayWriter writes a JSON array element by element, indented two spaces.
type ArrayWriter struct {
	w     io.Writer
	count int
}

// NewArrayWriter starts an array on w. Call Close to terminate it.
func NewArrayWriter(w io.Writer) *ArrayWriter {
	return &ArrayWriter{w: w}
}

// Write appends one element.
func (a *ArrayWriter) Write(v any) error {
	b, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return fmt.Errorf("marshal element %d: %w", a.count, err)
	}
	sep := ",\n  "
	if a.count == 0 {
		sep = "[\n  "
	}
	if _, err := io.WriteString(a.w, sep); err != nil {
		return err
	}
	if _, err := a.w.Write(b); err != nil {
		return err
	}
	a.count++
	return nil
}

// Close writes the closing bracket.
func (a *ArrayWriter) Close() error {
	end := "\n]\n"
	if a.count == 0 {
		end = "[]\n"
	}
	_, err := io.WriteString(a.w, end)
	return err
}

// Count is the number of elements written.
func (a *ArrayWriter) Count() int { return a.count }

// Row is a JSON object whose keys keep insertion order, used for CSV rows
// so the output mirrors the source column order.
type Row struct {
	keys   []string
	values []string
}

// NewRow pairs keys with values. Missing trailing values become "".
func NewRow(keys, values []string) Row {
	vals := make([]string, len(keys))
	copy(vals, values)
	return Row{keys: keys, values: vals}
}

// MarshalJSON encodes the row as an object in key order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(r.values[i])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
