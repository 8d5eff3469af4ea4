// Package observability defines the Prometheus metrics of the fact cache.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lookups counts cache reads by kind and freshness state.
	Lookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factcache_lookups_total",
			Help: "Cache reads by kind and freshness state (miss, fresh, stale)",
		},
		[]string{"kind", "state"},
	)

	// UpstreamFetches counts provider calls by kind and outcome.
	UpstreamFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factcache_upstream_fetches_total",
			Help: "Upstream provider calls by kind and outcome (success, error)",
		},
		[]string{"kind", "outcome"},
	)

	// UpstreamDuration observes provider call latency.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "factcache_upstream_fetch_duration_seconds",
			Help:    "Upstream provider call latency",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"kind"},
	)

	// RefreshesInFlight is the number of live refresh tasks.
	RefreshesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "factcache_refreshes_in_flight",
			Help: "Refresh tasks currently running",
		},
	)

	// RefreshesJoined counts reads that attached to an existing refresh task.
	RefreshesJoined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factcache_refreshes_joined_total",
			Help: "Reads that joined an in-flight refresh instead of starting one",
		},
		[]string{"kind"},
	)

	// DegradedResponses counts expired entries served because a fetch failed.
	DegradedResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factcache_degraded_responses_total",
			Help: "Expired entries served after a failed synchronous fetch",
		},
		[]string{"kind"},
	)

	// BatchRecords counts verified records by outcome.
	BatchRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factcache_batch_records_total",
			Help: "Batch verification records by outcome (succeeded, failed)",
		},
		[]string{"outcome"},
	)

	// BatchTimeouts counts sweeps stopped by their deadline.
	BatchTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "factcache_batch_timeouts_total",
			Help: "Batch verification sweeps stopped by the deadline",
		},
	)

	// GCDeleted counts cache entries removed by garbage collection.
	GCDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "factcache_gc_deleted_total",
			Help: "Expired cache entries deleted by garbage collection",
		},
	)
)
