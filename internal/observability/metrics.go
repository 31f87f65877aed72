package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Open-data catalog call rate by outcome. Watch for: error vs success ratio.
	CatalogAPICallsTotal *prometheus.CounterVec

	// Catalog API latency per page fetch. Watch for: p95 > 2s (upstream degradation).
	CatalogAPIDuration *prometheus.HistogramVec

	// Bloom-status backend calls by operation and outcome.
	BloomAPICallsTotal *prometheus.CounterVec

	// Cache hits by cache key family. Hit rate = hits/(hits+misses).
	CacheHitsTotal *prometheus.CounterVec

	// Catalog records discarded for missing or out-of-bounds coordinates.
	TreesDiscardedTotal prometheus.Counter

	// Write requests denied by the per-IP gate (429s).
	RateLimitDeniedTotal prometheus.Counter

	// Reports accepted by the store, labelled by status.
	ReportsSubmittedTotal *prometheus.CounterVec

	// Store query latency by query name. Watch for: the neighborhood aggregate
	// approaching its statement timeout.
	StoreQueryDuration *prometheus.HistogramVec
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	CatalogAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogApiCallsTotal",
			Help: "Total number of open-data catalog page fetches",
		},
		[]string{"status"},
	)
	CatalogAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogApiDurationSeconds",
			Help:    "Open-data catalog latency in seconds (per page fetch)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	BloomAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bloomApiCallsTotal",
			Help: "Total number of bloom-status backend calls",
		},
		[]string{"operation", "status"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits by key family",
		},
		[]string{"cacheType"},
	)
	TreesDiscardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "treesDiscardedTotal",
			Help: "Catalog records dropped for missing or out-of-bounds coordinates",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of write requests denied by the rate gate (429)",
		},
	)
	ReportsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportsSubmittedTotal",
			Help: "Bloom status reports persisted, by status",
		},
		[]string{"status"},
	)
	StoreQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storeQueryDurationSeconds",
			Help:    "Store query latency in seconds, by query",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 3, 5},
		},
		[]string{"query"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		CatalogAPICallsTotal, CatalogAPIDuration, BloomAPICallsTotal,
		CacheHitsTotal, TreesDiscardedTotal,
		RateLimitDeniedTotal, ReportsSubmittedTotal, StoreQueryDuration,
	)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
