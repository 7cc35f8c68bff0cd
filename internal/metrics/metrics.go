// Package metrics collects per-run counters on a private registry. The
// stages are short-lived, so the registry is written to a node-exporter
// textfile at the end of a run instead of being served.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"busindex/internal/index"
)

type Collector struct {
	reg *prometheus.Registry

	RecordsRead    *prometheus.CounterVec // table label: stop_times|trips
	RecordsSkipped *prometheus.CounterVec // reason label: malformed|non_numeric_stop|orphaned
	Partitions     *prometheus.CounterVec // kind label: trip|stop
	StaleDeleted   prometheus.Counter
	Pairs          prometheus.Gauge

	Builds        *prometheus.CounterVec // result label: success|failure
	BuildDuration prometheus.Histogram
	LastSuccess   prometheus.Gauge

	Scrapes        *prometheus.CounterVec // result label: updated|unchanged|failure
	ScrapeDuration prometheus.Histogram

	ArrivalsFetched prometheus.Counter
	ArrivalsErrors  prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		RecordsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busindex_records_read_total",
			Help: "Source records decoded, by table.",
		}, []string{"table"}),
		RecordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busindex_records_skipped_total",
			Help: "Source records left out of the index, by reason.",
		}, []string{"reason"}),
		Partitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busindex_partitions_published_total",
			Help: "Index partitions written, by kind.",
		}, []string{"kind"}),
		StaleDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busindex_stale_partitions_deleted_total",
			Help: "Partitions from earlier builds removed.",
		}),
		Pairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busindex_stop_trip_pairs",
			Help: "Distinct (stop, trip) pairs in the last published index.",
		}),
		Builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busindex_builds_total",
			Help: "Index builds, by result.",
		}, []string{"result"}),
		BuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busindex_build_duration_seconds",
			Help:    "Wall time of an index build including publish.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busindex_last_success_timestamp_seconds",
			Help: "Unix time of the last successful build.",
		}),
		Scrapes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busindex_scrapes_total",
			Help: "Feed scrape runs, by result.",
		}, []string{"result"}),
		ScrapeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busindex_scrape_duration_seconds",
			Help:    "Wall time of a feed scrape.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		ArrivalsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busindex_arrivals_fetched_total",
			Help: "Arrivals returned for the configured stop.",
		}),
		ArrivalsErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busindex_arrivals_errors_total",
			Help: "Failed arrivals fetches.",
		}),
	}

	reg.MustRegister(
		c.RecordsRead, c.RecordsSkipped, c.Partitions, c.StaleDeleted, c.Pairs,
		c.Builds, c.BuildDuration, c.LastSuccess,
		c.Scrapes, c.ScrapeDuration,
		c.ArrivalsFetched, c.ArrivalsErrors,
	)
	return c
}

// ObserveBuild records one build run. stats may be partial when err is set.
func (c *Collector) ObserveBuild(stats index.Stats, res index.PublishResult, d time.Duration, err error) {
	c.RecordsRead.WithLabelValues("stop_times").Add(float64(stats.StopTimesRead))
	c.RecordsRead.WithLabelValues("trips").Add(float64(stats.TripsRead))
	c.RecordsSkipped.WithLabelValues("malformed").Add(float64(stats.StopTimesSkipped + stats.TripsSkipped))
	c.RecordsSkipped.WithLabelValues("non_numeric_stop").Add(float64(stats.NonNumericStops))
	c.RecordsSkipped.WithLabelValues("orphaned").Add(float64(stats.Orphaned))
	c.Partitions.WithLabelValues("trip").Add(float64(res.TripPartitions))
	c.Partitions.WithLabelValues("stop").Add(float64(res.StopPartitions))
	c.StaleDeleted.Add(float64(res.StaleDeleted))
	c.BuildDuration.Observe(d.Seconds())

	if err != nil {
		c.Builds.WithLabelValues("failure").Inc()
		return
	}
	c.Builds.WithLabelValues("success").Inc()
	c.Pairs.Set(float64(stats.Pairs))
	c.LastSuccess.SetToCurrentTime()
}

// ObserveScrape records one feed scrape run.
func (c *Collector) ObserveScrape(updated bool, d time.Duration, err error) {
	c.ScrapeDuration.Observe(d.Seconds())
	switch {
	case err != nil:
		c.Scrapes.WithLabelValues("failure").Inc()
	case updated:
		c.Scrapes.WithLabelValues("updated").Inc()
	default:
		c.Scrapes.WithLabelValues("unchanged").Inc()
	}
}

// ObserveArrivals records one arrivals fetch.
func (c *Collector) ObserveArrivals(n int, err error) {
	if err != nil {
		c.ArrivalsErrors.Inc()
		return
	}
	c.ArrivalsFetched.Add(float64(n))
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// WriteTextfile writes the registry in the text exposition format. An empty
// path is a no-op.
func (c *Collector) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.reg)
}
