// Package metrics defines the Prometheus collectors shared across the
// coordinator. A custom registry keeps the /metrics output limited to this
// service's series plus the standard process/go collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the coordinator exposes.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP front-end, labeled per route.
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	// Health probes: counter/histogram/gauge triple per service and check type.
	HealthChecks  *prometheus.CounterVec
	HealthLatency *prometheus.HistogramVec
	HealthStatus  *prometheus.GaugeVec

	// Circuit breakers.
	BreakerState *prometheus.GaugeVec
	BreakerTrips *prometheus.CounterVec

	// Semantic cache.
	CacheHits    *prometheus.CounterVec
	CacheMisses  prometheus.Counter
	CacheEntries prometheus.Gauge
	TokensSaved  prometheus.Counter

	// Query pipeline routing decisions.
	QueriesRouted *prometheus.CounterVec
	SearchLatency prometheus.Histogram

	// Ralph engine.
	TasksProcessed *prometheus.CounterVec
	TaskIterations prometheus.Histogram
	QueueDepth     prometheus.Gauge

	// Learning pipeline.
	EventsProcessed      prometheus.Counter
	PatternsExtracted    prometheus.Counter
	PatternsDeduplicated prometheus.Counter
	ProposalsGenerated   *prometheus.CounterVec
	BackpressurePaused   prometheus.Gauge
	UnprocessedBytes     prometheus.Gauge
}

// New creates all collectors under the given namespace and registers them on
// a private registry.
func New(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method, and status code.",
	}, []string{"route", "method", "status"})

	m.HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	m.HealthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "health_checks_total",
		Help:      "Health probe executions by service, check type, and status.",
	}, []string{"service", "check_type", "status"})

	m.HealthLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "health_check_duration_seconds",
		Help:      "Health probe latency by service and check type.",
		Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5},
	}, []string{"service", "check_type"})

	m.HealthStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "health_status",
		Help:      "Latest probe status: 1 healthy, 0.5 degraded, 0 unhealthy.",
	}, []string{"service", "check_type"})

	m.BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Breaker state: 0 closed, 1 half_open, 2 open.",
	}, []string{"breaker"})

	m.BreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_trips_total",
		Help:      "Transitions to the open state per breaker.",
	}, []string{"breaker"})

	m.CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "semantic_cache_hits_total",
		Help:      "Cache hits by kind (exact or semantic).",
	}, []string{"kind"})

	m.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "semantic_cache_misses_total",
		Help:      "Cache lookups that found no eligible entry.",
	})

	m.CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "semantic_cache_entries",
		Help:      "Unexpired entries currently held by the semantic cache.",
	})

	m.TokensSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "semantic_cache_tokens_saved_total",
		Help:      "Estimated tokens saved by cache hits.",
	})

	m.QueriesRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queries_routed_total",
		Help:      "Query routing decisions (local, escalated, context_only).",
	}, []string{"route"})

	m.SearchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "hybrid_search_duration_seconds",
		Help:      "End-to-end hybrid search latency.",
		Buckets:   prometheus.DefBuckets,
	})

	m.TasksProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ralph_tasks_total",
		Help:      "Ralph tasks by terminal status.",
	}, []string{"status"})

	m.TaskIterations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ralph_task_iterations",
		Help:      "Iterations consumed per completed task.",
		Buckets:   []float64{1, 2, 3, 5, 10, 25, 50, 100},
	})

	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ralph_queue_depth",
		Help:      "Tasks waiting in the Ralph queue.",
	})

	m.EventsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "learning_events_processed_total",
		Help:      "Telemetry events consumed by the learning pipeline.",
	})

	m.PatternsExtracted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "learning_patterns_extracted_total",
		Help:      "Patterns that survived quality filtering and deduplication.",
	})

	m.PatternsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "learning_patterns_deduplicated_total",
		Help:      "Candidate patterns dropped as content duplicates.",
	})

	m.ProposalsGenerated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "learning_proposals_total",
		Help:      "Optimization proposals generated, by type.",
	}, []string{"type"})

	m.BackpressurePaused = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "learning_backpressure_paused",
		Help:      "1 while ingestion is paused due to unprocessed backlog.",
	})

	m.UnprocessedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "learning_unprocessed_bytes",
		Help:      "Bytes of telemetry not yet consumed across all files.",
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests, m.HTTPLatency,
		m.HealthChecks, m.HealthLatency, m.HealthStatus,
		m.BreakerState, m.BreakerTrips,
		m.CacheHits, m.CacheMisses, m.CacheEntries, m.TokensSaved,
		m.QueriesRouted, m.SearchLatency,
		m.TasksProcessed, m.TaskIterations, m.QueueDepth,
		m.EventsProcessed, m.PatternsExtracted, m.PatternsDeduplicated,
		m.ProposalsGenerated, m.BackpressurePaused, m.UnprocessedBytes,
	)

	return m
}

// Gatherer exposes the private registry for scrape handlers and tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBreakerState records a breaker state by name as a gauge level.
func (m *Metrics) ObserveBreakerState(name, state string) {
	var level float64
	switch state {
	case "half_open":
		level = 1
	case "open":
		level = 2
	}
	m.BreakerState.WithLabelValues(name).Set(level)
}
