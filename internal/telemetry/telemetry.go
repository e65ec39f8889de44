// Package telemetry exposes Prometheus collectors and alert plumbing for the harvester.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// --- CUSTOM METRIC DEFINITIONS ---

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_cache_lookups_total",
			Help: "Cache lookups, labeled by tier and result (hit, miss, expired).",
		},
		[]string{"tier", "result"},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_cache_evictions_total",
			Help: "Entries evicted because a tier reached its capacity.",
		},
		[]string{"tier"},
	)

	admissionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_admission_total",
			Help: "Admission decisions, labeled by route and decision.",
		},
		[]string{"route", "decision"},
	)

	retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_retry_attempts_total",
			Help: "Retries performed after a failed attempt, labeled by operation.",
		},
		[]string{"op"},
	)

	retryExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_retry_exhausted_total",
			Help: "Operations that spent their whole retry budget.",
		},
		[]string{"op"},
	)

	crawlCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_crawl_cycles_total",
			Help: "Crawl cycles, labeled by scope and outcome.",
		},
		[]string{"scope", "outcome"},
	)

	crawlDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_crawl_duration_seconds",
			Help:    "Duration of crawl cycles that reached the browser.",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"scope"},
	)

	crawlPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_crawl_pages_total",
			Help: "Pages revealed during pagination, labeled by scope.",
		},
		[]string{"scope"},
	)

	detectorSimilarity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvester_detector_position_similarity",
			Help: "Last position similarity computed by the change detector.",
		},
		[]string{"scope"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_browser_sessions_active",
			Help: "Browser sessions currently held by crawl cycles.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_active_workers",
			Help: "Number of refresh workers currently processing a request.",
		},
	)

	quarantinedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_quarantined_total",
			Help: "Error records enqueued for later inspection, labeled by kind.",
		},
		[]string{"kind"},
	)

	persistenceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_persistence_total",
			Help: "Persistence collaborator calls, labeled by operation and status.",
		},
		[]string{"op", "status"},
	)

	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_alerts_total",
			Help: "Operational alert conditions raised, labeled by name.",
		},
		[]string{"name"},
	)
)

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// --- HELPER FUNCTIONS ---

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCacheLookup records a cache lookup result for a tier.
func ObserveCacheLookup(tier, result string) {
	cacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// ObserveCacheEviction records a capacity eviction.
func ObserveCacheEviction(tier string) {
	cacheEvictionsTotal.WithLabelValues(tier).Inc()
}

// ObserveAdmission records an admission decision ("allow", "deny", "bypass").
func ObserveAdmission(route, decision string) {
	admissionTotal.WithLabelValues(route, decision).Inc()
}

// ObserveRetry records one retry of op.
func ObserveRetry(op string) {
	retryAttemptsTotal.WithLabelValues(op).Inc()
}

// ObserveRetryExhausted records that op ran out of attempts.
func ObserveRetryExhausted(op string) {
	retryExhaustedTotal.WithLabelValues(op).Inc()
}

// ObserveCrawlCycle records the outcome of a crawl cycle.
func ObserveCrawlCycle(scope, outcome string) {
	crawlCyclesTotal.WithLabelValues(scope, outcome).Inc()
}

// ObserveCrawlDuration records how long a browser-backed cycle took.
func ObserveCrawlDuration(scope string, d time.Duration) {
	crawlDurationSeconds.WithLabelValues(scope).Observe(d.Seconds())
}

// ObservePages adds revealed pages for a scope.
func ObservePages(scope string, pages int) {
	if pages > 0 {
		crawlPagesTotal.WithLabelValues(scope).Add(float64(pages))
	}
}

// SetDetectorSimilarity stores the latest similarity ratio for a scope.
func SetDetectorSimilarity(scope string, ratio float64) {
	detectorSimilarity.WithLabelValues(scope).Set(ratio)
}

// IncActiveSessions increments the active browser session gauge.
func IncActiveSessions() {
	activeSessions.Inc()
}

// DecActiveSessions decrements the active browser session gauge.
func DecActiveSessions() {
	activeSessions.Dec()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveQuarantined records a new error record.
func ObserveQuarantined(kind string) {
	quarantinedTotal.WithLabelValues(kind).Inc()
}

// ObservePersistence records a persistence call outcome.
func ObservePersistence(op, status string) {
	persistenceTotal.WithLabelValues(op, status).Inc()
}

// ObserveAlert records a raised alert.
func ObserveAlert(name string) {
	alertsTotal.WithLabelValues(name).Inc()
}
