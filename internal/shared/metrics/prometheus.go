package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Business metrics
	documentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "documents_created_total",
			Help: "Total number of documents created",
		},
		[]string{"format"},
	)

	documentsStatusChanged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "documents_status_changed_total",
			Help: "Total number of document status transitions",
		},
		[]string{"from_status", "to_status"},
	)

	signaturesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signatures_created_total",
			Help: "Total number of signatures created",
		},
		[]string{"format", "profile"},
	)

	signatureValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signature_validations_total",
			Help: "Total number of signature validations by indication",
		},
		[]string{"indication"},
	)

	timestampRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timestamp_requests_total",
			Help: "Total number of RFC 3161 timestamp requests",
		},
		[]string{"authority", "status"},
	)

	timestampRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timestamp_request_duration_seconds",
			Help:    "RFC 3161 timestamp request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"authority"},
	)

	auditEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Total number of audit entries created",
		},
	)

	authorizationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authorization_decisions_total",
			Help: "Total number of authorization decisions",
		},
		[]string{"resource_type", "action", "decision"},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of notifications dispatched",
		},
		[]string{"event", "status"},
	)

	trustListRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_list_refreshes_total",
			Help: "Total number of trust list refresh attempts",
		},
		[]string{"territory", "status"},
	)

	// Database metrics
	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_active",
			Help: "Number of active database connections",
		},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes URL paths for metrics to avoid cardinality explosion
func normalizePath(path string) string {
	if len(path) > 100 {
		return "/api/..."
	}
	return path
}

// --- Business metric helpers ---

// RecordDocumentCreated records a document creation
func RecordDocumentCreated(format string) {
	documentsCreated.WithLabelValues(format).Inc()
}

// RecordDocumentStatusChange records a document status transition
func RecordDocumentStatusChange(fromStatus, toStatus string) {
	documentsStatusChanged.WithLabelValues(fromStatus, toStatus).Inc()
}

// RecordSignatureCreated records a created signature
func RecordSignatureCreated(format, profile string) {
	signaturesCreated.WithLabelValues(format, profile).Inc()
}

// RecordSignatureValidation records a validation outcome
func RecordSignatureValidation(indication string) {
	signatureValidations.WithLabelValues(indication).Inc()
}

// RecordTimestampRequest records a timestamp authority round trip
func RecordTimestampRequest(authority, status string, duration time.Duration) {
	timestampRequestsTotal.WithLabelValues(authority, status).Inc()
	timestampRequestDuration.WithLabelValues(authority).Observe(duration.Seconds())
}

// RecordAuditEntry records an audit entry creation
func RecordAuditEntry() {
	auditEntriesTotal.Inc()
}

// RecordAuthorizationDecision records an authorization decision
func RecordAuthorizationDecision(resourceType, action string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	authorizationDecisions.WithLabelValues(resourceType, action, decision).Inc()
}

// RecordNotification records a notification dispatch attempt
func RecordNotification(event, status string) {
	notificationsSent.WithLabelValues(event, status).Inc()
}

// RecordTrustListRefresh records a trust list refresh attempt
func RecordTrustListRefresh(territory, status string) {
	trustListRefreshes.WithLabelValues(territory, status).Inc()
}

// RecordDBConnections records active database connections
func RecordDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
