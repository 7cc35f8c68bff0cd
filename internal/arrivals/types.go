package arrivals

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Response is the arrivals document for one stop. A response decoded from
// the API keeps every top-level field and every arrival object as sent, in
// order; only the arrivals list is rewritten on encode.
type Response struct {
	StopNumber string
	Timestamp  string
	Arrivals   []Arrival

	fields []field
}

type field struct {
	name  string
	value json.RawMessage
}

// UnmarshalJSON records the document's fields in order and decodes the
// ones the filter needs.
func (r *Response) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("arrivals document is %v, not an object", tok)
	}

	*r = Response{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		r.fields = append(r.fields, field{name: name, value: value})

		switch name {
		case "stopNumber":
			var t Text
			if err := t.UnmarshalJSON(value); err != nil {
				return fmt.Errorf("stopNumber: %w", err)
			}
			r.StopNumber = string(t)
		case "timestamp":
			var t Text
			if err := t.UnmarshalJSON(value); err != nil {
				return fmt.Errorf("timestamp: %w", err)
			}
			r.Timestamp = string(t)
		case "arrivals":
			if err := json.Unmarshal(value, &r.Arrivals); err != nil {
				return fmt.Errorf("arrivals: %w", err)
			}
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// MarshalJSON writes the decoded document back with the current Arrivals
// in place of the original list. A Response built in code is written as
// stopNumber, timestamp and arrivals.
func (r Response) MarshalJSON() ([]byte, error) {
	arrivals := r.Arrivals
	if arrivals == nil {
		arrivals = []Arrival{}
	}
	list, err := json.Marshal(arrivals)
	if err != nil {
		return nil, err
	}

	fields := r.fields
	if fields == nil {
		stop, _ := json.Marshal(r.StopNumber)
		ts, _ := json.Marshal(r.Timestamp)
		fields = []field{{"stopNumber", stop}, {"timestamp", ts}}
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	wrote := false
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(f.name)
		buf.Write(name)
		buf.WriteByte(':')
		if f.name == "arrivals" {
			buf.Write(list)
			wrote = true
			continue
		}
		buf.Write(f.value)
	}
	if !wrote {
		if len(fields) > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`"arrivals":`)
		buf.Write(list)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Clone returns a deep copy.
func (r *Response) Clone() *Response {
	c := *r
	if r.Arrivals != nil {
		c.Arrivals = make([]Arrival, len(r.Arrivals))
		for i, a := range r.Arrivals {
			a.raw = bytes.Clone(a.raw)
			c.Arrivals[i] = a
		}
	}
	if r.fields != nil {
		c.fields = make([]field, len(r.fields))
		for i, f := range r.fields {
			c.fields[i] = field{name: f.name, value: bytes.Clone(f.value)}
		}
	}
	return &c
}

// Arrival is one predicted vehicle arrival at the stop. An arrival decoded
// from the API re-encodes as the exact object it was read from.
type Arrival struct {
	ID        Text  `json:"id"`
	Trip      Text  `json:"trip"`
	Route     Text  `json:"route"`
	Headsign  Text  `json:"headsign"`
	Vehicle   Text  `json:"vehicle"`
	Direction Text  `json:"direction"`
	StopTime  Text  `json:"stopTime"`
	Date      Text  `json:"date"`
	Estimated Text  `json:"estimated"` // "1" realtime, "0" scheduled
	Latitude  Coord `json:"latitude"`
	Longitude Coord `json:"longitude"`
	Shape     Text  `json:"shape"`
	Canceled  Text  `json:"canceled"`

	raw json.RawMessage
}

type plainArrival Arrival

func (a *Arrival) UnmarshalJSON(b []byte) error {
	var p plainArrival
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*a = Arrival(p)
	a.raw = bytes.Clone(b)
	return nil
}

func (a Arrival) MarshalJSON() ([]byte, error) {
	if a.raw != nil {
		return a.raw, nil
	}
	return json.Marshal(plainArrival(a))
}

// Text decodes a JSON string or a bare number into a string. The arrivals
// API is not consistent about quoting.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	*t = Text(b)
	return nil
}

// Coord is a latitude or longitude sent as a number or a numeric string.
// An empty or unparsable value decodes as 0.
type Coord float64

func (c *Coord) UnmarshalJSON(b []byte) error {
	var t Text
	if err := t.UnmarshalJSON(b); err != nil {
		return err
	}
	f, err := strconv.ParseFloat(string(t), 64)
	if err != nil {
		*c = 0
		return nil
	}
	*c = Coord(f)
	return nil
}

// Located reports whether the arrival carries a usable vehicle position.
// The API reports 0,0 for vehicles it cannot place.
func (a Arrival) Located() bool {
	return a.Latitude != 0 && a.Longitude != 0
}

// dropUnlocated filters arrivals in place, keeping order.
func dropUnlocated(in []Arrival) []Arrival {
	out := in[:0]
	for _, a := range in {
		if a.Located() {
			out = append(out, a)
		}
	}
	return out
}
