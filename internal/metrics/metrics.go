// Package metrics provides Prometheus metrics for the ingestion service
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leafmail",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leafmail",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks current in-flight requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leafmail",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	// HTTPResponseSize measures HTTP response size in bytes
	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leafmail",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)
)

var (
	// DBConnectionsOpen tracks open database connections
	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leafmail",
			Subsystem: "db",
			Name:      "connections_open",
			Help:      "Number of open database connections",
		},
	)

	// DBConnectionsInUse tracks database connections currently in use
	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leafmail",
			Subsystem: "db",
			Name:      "connections_in_use",
			Help:      "Number of database connections currently in use",
		},
	)

	// DBConnectionsIdle tracks idle database connections
	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leafmail",
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	// DBConnectionsMaxOpen tracks maximum open database connections
	DBConnectionsMaxOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leafmail",
			Subsystem: "db",
			Name:      "connections_max_open",
			Help:      "Maximum number of open database connections",
		},
	)

	// DBQueryDuration measures database query duration
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leafmail",
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)

var (
	// WebhooksTotal counts webhook deliveries by outcome (success, duplicate or error kind)
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leafmail",
			Subsystem: "ingest",
			Name:      "webhooks_total",
			Help:      "Total number of email webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// WebhookDuration measures end-to-end ingestion time
	WebhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leafmail",
			Subsystem: "ingest",
			Name:      "webhook_duration_seconds",
			Help:      "Email webhook processing duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	// AuthResultsTotal counts authentication results by method
	AuthResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leafmail",
			Subsystem: "ingest",
			Name:      "auth_results_total",
			Help:      "Total number of webhook authentication results by method and result",
		},
		[]string{"method", "result"},
	)

	// AttachmentsTotal counts attachments by handling result
	AttachmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leafmail",
			Subsystem: "ingest",
			Name:      "attachments_total",
			Help:      "Total number of email attachments by result",
		},
		[]string{"result"},
	)

	// LeavesCreatedTotal counts created leaves by type
	LeavesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leafmail",
			Subsystem: "ingest",
			Name:      "leaves_created_total",
			Help:      "Total number of leaves created from email by leaf type",
		},
		[]string{"leaf_type"},
	)

	// DuplicatesTotal counts redeliveries absorbed by the idempotency key
	DuplicatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leafmail",
			Subsystem: "ingest",
			Name:      "duplicates_total",
			Help:      "Total number of redelivered emails recognized as duplicates by detection layer",
		},
		[]string{"layer"},
	)
)

var (
	// EventsPublished counts notification events by type and result
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leafmail",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of notification events published by type and result",
		},
		[]string{"event_type", "result"},
	)

	// OrphansDeleted counts leaf media objects removed by the orphan sweep
	OrphansDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leafmail",
			Subsystem: "storage",
			Name:      "orphans_deleted_total",
			Help:      "Total number of unreferenced leaf media objects deleted",
		},
	)
)

// Attachment results
const (
	AttachmentStored       = "stored"
	AttachmentMetadataOnly = "metadata_only"
	AttachmentRejected     = "rejected"
	AttachmentUploadFailed = "upload_failed"
)

// RecordWebhook records one finished delivery
func RecordWebhook(outcome string, duration time.Duration) {
	WebhooksTotal.WithLabelValues(outcome).Inc()
	WebhookDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordAuth records one authentication result
func RecordAuth(method string, valid bool) {
	result := "rejected"
	if valid {
		result = "accepted"
	}
	AuthResultsTotal.WithLabelValues(method, result).Inc()
}

// RecordAttachments adds n attachments with the given result
func RecordAttachments(result string, n int) {
	if n > 0 {
		AttachmentsTotal.WithLabelValues(result).Add(float64(n))
	}
}

// RecordEvent records one publish attempt
func RecordEvent(eventType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	EventsPublished.WithLabelValues(eventType, result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

// newResponseWriter creates a new responseWriter
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Middleware returns a chi middleware that records HTTP metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Track in-flight requests
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		// Wrap response writer to capture status and size
		rw := newResponseWriter(w)

		// Process request
		next.ServeHTTP(rw, r)

		// Calculate duration
		duration := time.Since(start).Seconds()

		// Get route pattern for consistent labeling
		path := getRoutePattern(r)

		// Record metrics
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.size))
	})
}

// getRoutePattern returns the route pattern from chi context
// Falls back to URL path if pattern not available
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
