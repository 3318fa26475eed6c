package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	validationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Validation metrics
	ValidationRunsTotal       *prometheus.CounterVec
	ValidationDuration        *prometheus.HistogramVec
	ValidationViolationsTotal *prometheus.CounterVec
	QueriesOpenedTotal        prometheus.Counter

	// Rule repository metrics
	RuleSourceFailuresTotal *prometheus.CounterVec
	RuleCacheHitsTotal      prometheus.Counter
	RuleCacheMissesTotal    prometheus.Counter
	RulesServed             *prometheus.HistogramVec

	// Lifecycle metrics
	LockAttemptsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crf_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crf_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Validation
		ValidationRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crf_validation_runs_total",
			Help: "Total number of validation passes.",
		}, []string{"mode", "result"}),
		ValidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crf_validation_duration_seconds",
			Help:    "Validation pass duration in seconds.",
			Buckets: validationDurationBuckets,
		}, []string{"mode"}),
		ValidationViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crf_validation_violations_total",
			Help: "Total number of rule violations recorded.",
		}, []string{"severity"}),
		QueriesOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crf_queries_opened_total",
			Help: "Total number of discrepancy notes opened from violations.",
		}),

		// Rule repository
		RuleSourceFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crf_rule_source_failures_total",
			Help: "Total number of rule source load failures.",
		}, []string{"source"}),
		RuleCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crf_rule_cache_hits_total",
			Help: "Total number of rule cache hits.",
		}),
		RuleCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crf_rule_cache_misses_total",
			Help: "Total number of rule cache misses.",
		}),
		RulesServed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crf_rules_served",
			Help:    "Number of merged rules served per form load.",
			Buckets: []float64{0, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"form_id"}),

		// Lifecycle
		LockAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crf_lock_attempts_total",
			Help: "Total number of lock attempts by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ValidationRunsTotal,
		m.ValidationDuration,
		m.ValidationViolationsTotal,
		m.QueriesOpenedTotal,
		m.RuleSourceFailuresTotal,
		m.RuleCacheHitsTotal,
		m.RuleCacheMissesTotal,
		m.RulesServed,
		m.LockAttemptsTotal,
	)
	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordValidation records one validation pass.
func (m *Metrics) RecordValidation(mode string, valid bool, duration time.Duration) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.ValidationRunsTotal.WithLabelValues(mode, result).Inc()
	m.ValidationDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordViolation records one rule violation.
func (m *Metrics) RecordViolation(severity string) {
	m.ValidationViolationsTotal.WithLabelValues(severity).Inc()
}

// RecordQueryOpened records one opened discrepancy note.
func (m *Metrics) RecordQueryOpened() {
	m.QueriesOpenedTotal.Inc()
}

// RecordRuleSourceFailure records a rule source load failure.
func (m *Metrics) RecordRuleSourceFailure(source string) {
	m.RuleSourceFailuresTotal.WithLabelValues(source).Inc()
}

// RecordRuleCacheHit records a rule cache hit.
func (m *Metrics) RecordRuleCacheHit() {
	m.RuleCacheHitsTotal.Inc()
}

// RecordRuleCacheMiss records a rule cache miss.
func (m *Metrics) RecordRuleCacheMiss() {
	m.RuleCacheMissesTotal.Inc()
}

// RecordRulesServed records the merged rule count served for a form.
func (m *Metrics) RecordRulesServed(formID string, count int) {
	m.RulesServed.WithLabelValues(formID).Observe(float64(count))
}

// RecordLockAttempt records one lock attempt with its outcome.
func (m *Metrics) RecordLockAttempt(outcome string) {
	m.LockAttemptsTotal.WithLabelValues(outcome).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
