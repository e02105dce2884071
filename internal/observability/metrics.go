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

var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	stepDurationBuckets    = []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576, 10485760}
)

// Metrics holds all Prometheus metric instruments for the BFF.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Finalization runs
	RunStartsTotal       prometheus.Counter
	RunOutcomesTotal     *prometheus.CounterVec
	RunsActive           prometheus.Gauge
	RunsSweptTotal       *prometheus.CounterVec
	StepEntriesTotal     *prometheus.CounterVec
	StepExitsTotal       *prometheus.CounterVec
	StepFailuresTotal    *prometheus.CounterVec
	StepDuration         *prometheus.HistogramVec
	PreviewHandlesOpen   prometheus.Gauge
	PreviewBytesServed   prometheus.Counter
	EventsPublishedTotal *prometheus.CounterVec

	// Backends
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec

	// Idempotency
	IdempotencyHitsTotal      prometheus.Counter
	IdempotencyConflictsTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "garage_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "garage_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "garage_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		RunStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "garage_finalization_starts_total",
			Help: "Total number of finalization runs started.",
		}),
		RunOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_finalization_outcomes_total",
			Help: "Total number of finalization runs that ended, by outcome.",
		}, []string{"outcome"}),
		RunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "garage_finalization_active_runs",
			Help: "Number of finalization runs not yet ended.",
		}),
		RunsSweptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_finalization_swept_total",
			Help: "Total number of runs removed by the sweeper.",
		}, []string{"reason"}),
		StepEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_finalization_step_entries_total",
			Help: "Total number of step entries.",
		}, []string{"step"}),
		StepExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_finalization_step_exits_total",
			Help: "Total number of step exits, by outcome.",
		}, []string{"step", "outcome"}),
		StepFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_finalization_step_failures_total",
			Help: "Total number of step-local failures.",
		}, []string{"step", "code"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "garage_finalization_step_duration_seconds",
			Help:    "Time spent in a step from entry to exit.",
			Buckets: stepDurationBuckets,
		}, []string{"step"}),
		PreviewHandlesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "garage_preview_handles_open",
			Help: "Number of rendered document handles not yet released.",
		}),
		PreviewBytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "garage_preview_bytes_served_total",
			Help: "Total bytes of rendered documents streamed to clients.",
		}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_events_published_total",
			Help: "Total number of lifecycle events published.",
		}, []string{"event", "status"}),

		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_backend_requests_total",
			Help: "Total number of backend service requests.",
		}, []string{"backend", "operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "garage_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"backend"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "garage_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"backend"}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_backend_retries_total",
			Help: "Total number of backend request retries.",
		}, []string{"backend"}),

		IdempotencyHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "garage_idempotency_hits_total",
			Help: "Total number of commands answered from the idempotency store.",
		}),
		IdempotencyConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "garage_idempotency_conflicts_total",
			Help: "Total number of idempotency keys reused with a different body.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.RunStartsTotal,
		m.RunOutcomesTotal,
		m.RunsActive,
		m.RunsSweptTotal,
		m.StepEntriesTotal,
		m.StepExitsTotal,
		m.StepFailuresTotal,
		m.StepDuration,
		m.PreviewHandlesOpen,
		m.PreviewBytesServed,
		m.EventsPublishedTotal,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		m.IdempotencyHitsTotal,
		m.IdempotencyConflictsTotal,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so packages can be used
// without a registry in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRunStart records a new finalization run.
func (m *Metrics) RecordRunStart() {
	if m == nil {
		return
	}
	m.RunStartsTotal.Inc()
	m.RunsActive.Inc()
}

// RecordRunOutcome records the end of a run. Outcome is one of completed,
// skipped, aborted or closed.
func (m *Metrics) RecordRunOutcome(outcome string) {
	if m == nil {
		return
	}
	m.RunOutcomesTotal.WithLabelValues(outcome).Inc()
	m.RunsActive.Dec()
}

// RecordRunSwept records a run removed by the sweeper.
func (m *Metrics) RecordRunSwept(reason string) {
	if m == nil {
		return
	}
	m.RunsSweptTotal.WithLabelValues(reason).Inc()
}

// RecordStepEntered records a step entry.
func (m *Metrics) RecordStepEntered(step string) {
	if m == nil {
		return
	}
	m.StepEntriesTotal.WithLabelValues(step).Inc()
}

// RecordStepExited records a step exit and the time spent in it.
func (m *Metrics) RecordStepExited(step, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StepExitsTotal.WithLabelValues(step, outcome).Inc()
	m.StepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordStepFailure records a step-local failure.
func (m *Metrics) RecordStepFailure(step, code string) {
	if m == nil {
		return
	}
	m.StepFailuresTotal.WithLabelValues(step, code).Inc()
}

// PreviewHandleAcquired increments the open handle gauge.
func (m *Metrics) PreviewHandleAcquired() {
	if m == nil {
		return
	}
	m.PreviewHandlesOpen.Inc()
}

// PreviewHandleReleased decrements the open handle gauge.
func (m *Metrics) PreviewHandleReleased() {
	if m == nil {
		return
	}
	m.PreviewHandlesOpen.Dec()
}

// RecordPreviewServed records bytes of a rendition streamed to a client.
func (m *Metrics) RecordPreviewServed(n int) {
	if m == nil {
		return
	}
	m.PreviewBytesServed.Add(float64(n))
}

// RecordEventPublished records a lifecycle event publish attempt.
func (m *Metrics) RecordEventPublished(event string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventsPublishedTotal.WithLabelValues(event, status).Inc()
}

// RecordBackendRequest records a backend service request.
func (m *Metrics) RecordBackendRequest(backend, operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(backend, operation, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state for a backend.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(backend string, state float64) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.WithLabelValues(backend).Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry(backend string) {
	if m == nil {
		return
	}
	m.BackendRetriesTotal.WithLabelValues(backend).Inc()
}

// RecordIdempotencyHit records a replayed command response.
func (m *Metrics) RecordIdempotencyHit() {
	if m == nil {
		return
	}
	m.IdempotencyHitsTotal.Inc()
}

// RecordIdempotencyConflict records a key reused with a different body.
func (m *Metrics) RecordIdempotencyConflict() {
	if m == nil {
		return
	}
	m.IdempotencyConflictsTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to bound label cardinality.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}
