package index

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"busindex/internal/errs"
)

// Fingerprint summarises a set of (stop_id, trip_id) pairs. Two sets with
// the same fingerprint hold, with overwhelming probability, the same pairs.
type Fingerprint struct {
	Count int
	Xor   uint64
	Sum   uint64
}

func (f *Fingerprint) add(stopID int, tripID string) {
	d := xxhash.New()
	d.WriteString(strconv.Itoa(stopID))
	d.Write([]byte{sep})
	d.WriteString(tripID)
	h := d.Sum64()
	f.Count++
	f.Xor ^= h
	f.Sum += h
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%d-%016x-%016x", f.Count, f.Xor, f.Sum)
}

// verify decodes both serialised indexes back and checks that they describe
// the same pair set: every (stop, trip) a trip entry lists must appear in
// that stop's partition and nothing else may.
func verify(sc *scratch) (Fingerprint, error) {
	var fromTrips, fromStops Fingerprint

	err := sc.each(nsTripPart, func(k, v []byte) error {
		var part map[string]TripEntry
		if err := json.Unmarshal(v, &part); err != nil {
			return fmt.Errorf("decode trip partition %q: %w", k, err)
		}
		for tripID, entry := range part {
			seen := make(map[int]struct{}, len(entry.Stops))
			for _, s := range entry.Stops {
				if _, dup := seen[s.StopID]; dup {
					continue
				}
				seen[s.StopID] = struct{}{}
				fromTrips.add(s.StopID, tripID)
			}
		}
		return nil
	})
	if err != nil {
		return Fingerprint{}, err
	}

	err = sc.each(nsStopPart, func(k, v []byte) error {
		stopID, err := strconv.Atoi(string(k[len(nsStopPart)+1:]))
		if err != nil {
			return fmt.Errorf("bad stop partition key %q", k)
		}
		var entries []StopEntry
		if err := json.Unmarshal(v, &entries); err != nil {
			return fmt.Errorf("decode stop partition %d: %w", stopID, err)
		}
		for i, e := range entries {
			if i > 0 && entries[i-1].TripID >= e.TripID {
				return fmt.Errorf("%w: stop %d: trips not strictly ordered at %q",
					errs.ErrInconsistentIndex, stopID, e.TripID)
			}
			fromStops.add(stopID, e.TripID)
		}
		return nil
	})
	if err != nil {
		return Fingerprint{}, err
	}

	if fromTrips != fromStops {
		return Fingerprint{}, fmt.Errorf("%w: trip side %s, stop side %s",
			errs.ErrInconsistentIndex, fromTrips, fromStops)
	}
	return fromTrips, nil
}
