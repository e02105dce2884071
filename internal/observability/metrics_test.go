package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return InitMetrics(reg), reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Vec metrics only appear in Gather once a label set exists.
	m.RecordHTTPRequest("GET", "/ui/finalizations", 200, time.Millisecond, 0, 10)
	m.RecordRunOutcome("completed")
	m.RecordRunSwept("idle")
	m.RecordStepEntered("print_preview")
	m.RecordStepExited("print_preview", "completed", time.Second)
	m.RecordStepFailure("print_preview", "BACKEND_UNAVAILABLE")
	m.RecordEventPublished("finalization.completed", nil)
	m.RecordBackendRequest("rendering", "render", 200, time.Millisecond)
	m.SetBackendCircuitBreakerState("rendering", 0)
	m.RecordBackendRetry("rendering")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"garage_http_requests_total",
		"garage_http_request_duration_seconds",
		"garage_finalization_starts_total",
		"garage_finalization_outcomes_total",
		"garage_finalization_active_runs",
		"garage_finalization_swept_total",
		"garage_finalization_step_entries_total",
		"garage_finalization_step_exits_total",
		"garage_finalization_step_failures_total",
		"garage_finalization_step_duration_seconds",
		"garage_preview_handles_open",
		"garage_preview_bytes_served_total",
		"garage_events_published_total",
		"garage_backend_requests_total",
		"garage_backend_request_duration_seconds",
		"garage_backend_circuit_breaker_state",
		"garage_backend_retries_total",
		"garage_idempotency_hits_total",
		"garage_idempotency_conflicts_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestMetrics_runLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRunStart()
	m.RecordRunStart()
	m.RecordRunOutcome("completed")

	if got := testutil.ToFloat64(m.RunStartsTotal); got != 2 {
		t.Errorf("starts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RunsActive); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RunOutcomesTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
}

func TestMetrics_previewHandles(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.PreviewHandleAcquired()
	m.PreviewHandleAcquired()
	m.PreviewHandleReleased()
	m.RecordPreviewServed(2048)

	if got := testutil.ToFloat64(m.PreviewHandlesOpen); got != 1 {
		t.Errorf("open handles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PreviewBytesServed); got != 2048 {
		t.Errorf("bytes served = %v, want 2048", got)
	}
}

func TestMetrics_eventPublished(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordEventPublished("finalization.skipped", nil)
	m.RecordEventPublished("finalization.skipped", errors.New("closed"))

	if got := testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("finalization.skipped", "ok")); got != 1 {
		t.Errorf("ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("finalization.skipped", "error")); got != 1 {
		t.Errorf("error = %v, want 1", got)
	}
}

func TestMetrics_nilReceiver(t *testing.T) {
	var m *Metrics
	m.RecordRunStart()
	m.RecordStepFailure("signature_request", "BACKEND_TIMEOUT")
	m.PreviewHandleReleased()
	m.RecordIdempotencyHit()
}

func TestMetricsMiddleware_usesRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Route("/ui/finalizations", func(r chi.Router) {
		r.Get("/{runId}", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("ok"))
		})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ui/finalizations/run-42", nil))

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ui/finalizations/{runId}", "200"))
	if got != 1 {
		t.Errorf("requests{pattern=/ui/finalizations/{runId}} = %v, want 1", got)
	}
}

func TestHandlerFor_exposesMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordRunStart()

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "garage_finalization_starts_total 1") {
		t.Error("metrics output missing garage_finalization_starts_total")
	}
}
