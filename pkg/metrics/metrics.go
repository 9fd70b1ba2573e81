// Package metrics defines the Prometheus metric collectors used across the
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestsInFlight  prometheus.Gauge
	FetchesTotal          *prometheus.CounterVec
	FetchDuration         prometheus.Histogram
	FetchBytes            prometheus.Histogram
	SpilledDocumentsTotal prometheus.Counter
	TypeResolutionsTotal  *prometheus.CounterVec
	IngestionsTotal       *prometheus.CounterVec
	IngestionDuration     prometheus.Histogram
	CacheHitsTotal        prometheus.Counter
	CacheMissesTotal      prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Tests pass a fresh
// prometheus.NewRegistry(); services pass prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		FetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "url_fetches_total",
				Help: "Remote document fetches by outcome (ok, http_error, network_error, too_large).",
			},
			[]string{"outcome"},
		),
		FetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "url_fetch_duration_seconds",
				Help:    "Time spent transferring one remote document.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		FetchBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "url_fetch_bytes",
				Help:    "Size of fetched documents in bytes.",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),
		SpilledDocumentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "url_fetch_spilled_total",
				Help: "Fetched documents whose buffer spilled to disk.",
			},
		),
		TypeResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "type_resolutions_total",
				Help: "Content-type resolutions by source (explicit, declared, filename, content, fallback).",
			},
			[]string{"source"},
		),
		IngestionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "url_ingestions_total",
				Help: "Ingestion requests by final status.",
			},
			[]string{"status"},
		),
		IngestionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "url_ingestion_duration_seconds",
				Help:    "End-to-end ingestion latency including partitioning.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of partition result cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of partition result cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.FetchesTotal,
		m.FetchDuration,
		m.FetchBytes,
		m.SpilledDocumentsTotal,
		m.TypeResolutionsTotal,
		m.IngestionsTotal,
		m.IngestionDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the scrape handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
