// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status label values shared by the pipeline metrics.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"
)

var (
	syncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_sync_runs_total",
			Help: "Total number of catalog sync cycles, labeled by status.",
		},
		[]string{"status"},
	)

	catalogFetchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archiver_catalog_fetched_total",
			Help: "Total number of identifiers read from the remote catalog.",
		},
	)

	catalogInsertedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archiver_catalog_inserted_total",
			Help: "Total number of new identifiers merged into the catalog.",
		},
	)

	catalogSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "archiver_catalog_size",
			Help: "Number of catalog rows observed by the last fan-out.",
		},
	)

	enqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_enqueued_total",
			Help: "Total number of work items offered to the queue, labeled by status.",
		},
		[]string{"status"},
	)

	itemsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_items_processed_total",
			Help: "Total number of work items processed, labeled by outcome.",
		},
		[]string{"status"},
	)

	itemDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archiver_item_duration_seconds",
			Help:    "Histogram of per-item processing latency, labeled by outcome.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	archivedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archiver_archived_bytes_total",
			Help: "Total number of payload bytes written to object storage.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "archiver_active_workers",
			Help: "Number of workers currently processing an item.",
		},
	)

	triggerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_trigger_runs_total",
			Help: "Total number of scheduled trigger executions, labeled by trigger and status.",
		},
		[]string{"trigger", "status"},
	)

	triggerDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archiver_trigger_duration_seconds",
			Help:    "Histogram of scheduled trigger execution time.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"trigger"},
	)

	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_remote_requests_total",
			Help: "Total number of requests to the remote data source, labeled by kind and code.",
		},
		[]string{"kind", "code"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archiver_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"host"},
	)

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
)

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

// SanitizeHost extracts a lowercase hostname from a URL, or "unknown".
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveSync records the outcome of one catalog sync cycle.
func ObserveSync(status string, fetched int, inserted int64) {
	syncRunsTotal.WithLabelValues(status).Inc()
	if fetched > 0 {
		catalogFetchedTotal.Add(float64(fetched))
	}
	if inserted > 0 {
		catalogInsertedTotal.Add(float64(inserted))
	}
}

// SetCatalogSize records the number of rows seen by a fan-out.
func SetCatalogSize(n int) {
	catalogSize.Set(float64(n))
}

// ObserveEnqueue records a single enqueue attempt.
func ObserveEnqueue(status string) {
	enqueuedTotal.WithLabelValues(status).Inc()
}

// ObserveItem records the outcome and latency of one processed item.
func ObserveItem(status string, duration time.Duration) {
	itemsProcessedTotal.WithLabelValues(status).Inc()
	itemDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveArchivedBytes adds n to the archived payload byte counter.
func ObserveArchivedBytes(n int) {
	if n > 0 {
		archivedBytesTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveTrigger records one scheduled trigger execution.
func ObserveTrigger(name, status string, duration time.Duration) {
	triggerRunsTotal.WithLabelValues(name, status).Inc()
	if status != StatusSkipped {
		triggerDurationSeconds.WithLabelValues(name).Observe(duration.Seconds())
	}
}

// ObserveRemoteRequest records a request to the remote data source. A zero
// code means the request never produced a response.
func ObserveRemoteRequest(kind string, code int) {
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	remoteRequestsTotal.WithLabelValues(kind, label).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
