package arrivals

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"busindex/internal/errs"
)

// GTFSRTSource derives arrivals for a stop from a GTFS-realtime feed that
// carries TripUpdates and VehiclePositions.
type GTFSRTSource struct {
	feedURL string
	client  *http.Client
	cache   *Cache[*gtfs.FeedMessage] // nil unless WithCache
	loc     *time.Location
	logger  *slog.Logger
}

// NewGTFSRTSource creates a source reading feedURL on every call.
func NewGTFSRTSource(feedURL string, logger *slog.Logger) *GTFSRTSource {
	return &GTFSRTSource{
		feedURL: feedURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		loc:     honoluluTZ(),
		logger:  logger,
	}
}

// WithCache reuses a fetched feed for ttl, so several stops can be served
// from one download. The cached message is only read, never modified.
func (s *GTFSRTSource) WithCache(ttl time.Duration) *GTFSRTSource {
	s.cache = NewCache[*gtfs.FeedMessage](ttl)
	return s
}

// ArrivalsForStop lists the trips predicted to reach stopID, ordered by
// predicted time. Trips whose vehicle has no position are left out.
func (s *GTFSRTSource) ArrivalsForStop(ctx context.Context, stopID string) (*Response, error) {
	feed, err := s.feed(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gtfs-rt feed: %w", errs.ErrSourceUnavailable, err)
	}

	type position struct{ lat, lon float32 }
	byTrip := make(map[string]position)
	byVehicle := make(map[string]position)
	for _, entity := range feed.GetEntity() {
		v := entity.GetVehicle()
		if v == nil || v.GetPosition() == nil {
			continue
		}
		p := position{v.GetPosition().GetLatitude(), v.GetPosition().GetLongitude()}
		if tid := v.GetTrip().GetTripId(); tid != "" {
			byTrip[tid] = p
		}
		if vid := v.GetVehicle().GetId(); vid != "" {
			byVehicle[vid] = p
		}
	}

	type predicted struct {
		at time.Time
		a  Arrival
	}
	var found []predicted
	for _, entity := range feed.GetEntity() {
		tu := entity.GetTripUpdate()
		if tu == nil {
			continue
		}
		if tu.GetTrip().GetScheduleRelationship() == gtfs.TripDescriptor_CANCELED {
			continue
		}
		for _, stu := range tu.GetStopTimeUpdate() {
			if stu.GetStopId() != stopID {
				continue
			}
			ev := stu.GetArrival()
			if ev.GetTime() == 0 {
				ev = stu.GetDeparture()
			}
			if ev.GetTime() == 0 {
				continue
			}
			at := time.Unix(ev.GetTime(), 0).In(s.loc)

			tripID := tu.GetTrip().GetTripId()
			vehicleID := tu.GetVehicle().GetId()
			pos, ok := byTrip[tripID]
			if !ok {
				pos = byVehicle[vehicleID]
			}
			found = append(found, predicted{at: at, a: Arrival{
				ID:        Text(entity.GetId()),
				Trip:      Text(tripID),
				Route:     Text(tu.GetTrip().GetRouteId()),
				Vehicle:   Text(vehicleID),
				Direction: Text(strconv.Itoa(int(tu.GetTrip().GetDirectionId()))),
				StopTime:  Text(at.Format("3:04 PM")),
				Date:      Text(at.Format("1/2/2006")),
				Estimated: "1",
				Latitude:  Coord(pos.lat),
				Longitude: Coord(pos.lon),
				Canceled:  "0",
			}})
			break
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].at.Before(found[j].at) })

	arrivals := make([]Arrival, 0, len(found))
	for _, p := range found {
		arrivals = append(arrivals, p.a)
	}
	arrivals = dropUnlocated(arrivals)

	ts := time.Unix(int64(feed.GetHeader().GetTimestamp()), 0).In(s.loc)
	return &Response{
		StopNumber: stopID,
		Timestamp:  ts.Format("1/2/2006 3:04:05 PM"),
		Arrivals:   arrivals,
	}, nil
}

func (s *GTFSRTSource) feed(ctx context.Context) (*gtfs.FeedMessage, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(s.feedURL); ok {
			return cached, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("parse protobuf: %w", err)
	}
	s.logger.Debug("GTFS-RT feed fetched", "entities", len(feed.GetEntity()))

	if s.cache != nil {
		s.cache.Set(s.feedURL, feed)
	}
	return feed, nil
}

func honoluluTZ() *time.Location {
	loc, err := time.LoadLocation("Pacific/Honolulu")
	if err != nil {
		// Hawaii does not observe DST.
		loc = time.FixedZone("HST", -10*60*60)
	}
	return loc
}
