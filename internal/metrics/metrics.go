// Package metrics exposes Prometheus counters for the feed pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is implemented by the Prometheus collector and by Nop for
// tests and tools that do not scrape.
type Collector interface {
	RecordFetch(duration time.Duration)
	RecordFetchFailure(kind string)
	RecordEntriesCreated(n int)
	RecordEntriesPublished(n int)
	RecordEntriesOverflowed(n int)
	RecordDispatchSuccess()
	RecordDispatchFailure(kind string)
	RecordFeedDisabled()
}

type PrometheusCollector struct {
	fetchDuration     prometheus.Histogram
	fetchFailures     *prometheus.CounterVec
	entriesCreated    prometheus.Counter
	entriesPublished  prometheus.Counter
	entriesOverflowed prometheus.Counter
	dispatchSuccesses prometheus.Counter
	dispatchFailures  *prometheus.CounterVec
	feedsDisabled     prometheus.Counter
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedbridge_fetch_duration_seconds",
			Help:    "Time spent fetching and processing a single feed.",
			Buckets: prometheus.DefBuckets,
		}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedbridge_fetch_failures_total",
			Help: "Feed fetch failures by failure kind.",
		}, []string{"kind"}),
		entriesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedbridge_entries_created_total",
			Help: "New entries stored from fetched feeds.",
		}),
		entriesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedbridge_entries_published_total",
			Help: "Entries claimed for publishing.",
		}),
		entriesOverflowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedbridge_entries_overflowed_total",
			Help: "Entries marked as overflow instead of published.",
		}),
		dispatchSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedbridge_dispatch_success_total",
			Help: "Successful deliveries to the downstream API.",
		}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedbridge_dispatch_failures_total",
			Help: "Abandoned deliveries by failure kind.",
		}, []string{"kind"}),
		feedsDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedbridge_feeds_disabled_total",
			Help: "Feeds disabled after the error window expired.",
		}),
	}
	reg.MustRegister(
		c.fetchDuration,
		c.fetchFailures,
		c.entriesCreated,
		c.entriesPublished,
		c.entriesOverflowed,
		c.dispatchSuccesses,
		c.dispatchFailures,
		c.feedsDisabled,
	)
	return c
}

func (c *PrometheusCollector) RecordFetch(d time.Duration)    { c.fetchDuration.Observe(d.Seconds()) }
func (c *PrometheusCollector) RecordFetchFailure(kind string) { c.fetchFailures.WithLabelValues(kind).Inc() }
func (c *PrometheusCollector) RecordEntriesCreated(n int)     { c.entriesCreated.Add(float64(n)) }
func (c *PrometheusCollector) RecordEntriesPublished(n int)   { c.entriesPublished.Add(float64(n)) }
func (c *PrometheusCollector) RecordEntriesOverflowed(n int)  { c.entriesOverflowed.Add(float64(n)) }
func (c *PrometheusCollector) RecordDispatchSuccess()         { c.dispatchSuccesses.Inc() }
func (c *PrometheusCollector) RecordDispatchFailure(kind string) {
	c.dispatchFailures.WithLabelValues(kind).Inc()
}
func (c *PrometheusCollector) RecordFeedDisabled() { c.feedsDisabled.Inc() }

// Nop discards all observations.
type Nop struct{}

func (Nop) RecordFetch(time.Duration)       {}
func (Nop) RecordFetchFailure(string)       {}
func (Nop) RecordEntriesCreated(int)        {}
func (Nop) RecordEntriesPublished(int)      {}
func (Nop) RecordEntriesOverflowed(int)     {}
func (Nop) RecordDispatchSuccess()          {}
func (Nop) RecordDispatchFailure(string)    {}
func (Nop) RecordFeedDisabled()             {}
