package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/garage/internal/config"
	"github.com/pitabwire/garage/internal/observability"
	"github.com/pitabwire/garage/internal/signing"
	"github.com/pitabwire/garage/model"
)

// testDeps returns Dependencies with sensible defaults for testing.
func testDeps() Dependencies {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://crm.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	return Dependencies{
		Config: cfg,
		Readiness: observability.ReadinessChecks{
			Journal: observability.HealthCheckFunc(func(context.Context) error { return nil }),
		},
	}
}

type recordingRelay struct {
	updates []signing.Update
	err     error
}

func (r *recordingRelay) Publish(u signing.Update) error {
	r.updates = append(r.updates, u)
	return r.err
}

// --- Router tests ---

func TestNewRouter_health(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ui/health", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestNewRouter_ready(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ui/ready", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestNewRouter_ready_journalDown(t *testing.T) {
	deps := testDeps()
	deps.Readiness.Journal = observability.HealthCheckFunc(func(context.Context) error {
		return errors.New("connection refused")
	})
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ui/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestNewRouter_metrics(t *testing.T) {
	deps := testDeps()
	deps.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != 200 || w.Body.String() != "# metrics" {
		t.Errorf("status = %d, body = %q", w.Code, w.Body.String())
	}
}

func TestNewRouter_authenticatedRoutes_requireAuth(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, model.NewUnauthorizedError("no token"))
		})
	}
	r := NewRouter(deps)

	routes := []struct{ method, path string }{
		{"POST", "/ui/finalizations"},
		{"GET", "/ui/finalizations"},
		{"GET", "/ui/finalizations/run-1"},
		{"DELETE", "/ui/finalizations/run-1"},
		{"POST", "/ui/finalizations/run-1/confirm"},
		{"POST", "/ui/finalizations/run-1/skip"},
		{"POST", "/ui/finalizations/run-1/cancel"},
		{"POST", "/ui/finalizations/run-1/retry"},
		{"GET", "/ui/finalizations/run-1/preview"},
		{"POST", "/ui/finalizations/run-1/preview/close"},
		{"POST", "/ui/finalizations/run-1/signature/settled"},
	}
	for _, rt := range routes {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(rt.method, rt.path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", rt.method, rt.path, w.Code)
		}
	}
}

func TestNewRouter_publicRoutesBypassAuth(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, model.NewUnauthorizedError("no token"))
		})
	}
	r := NewRouter(deps)

	for _, path := range []string{"/ui/health", "/ui/ready"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, w.Code)
		}
	}
}

// --- Signing webhook ---

func TestNewRouter_signatureWebhook(t *testing.T) {
	relay := &recordingRelay{}
	deps := testDeps()
	deps.SignatureRelay = relay
	deps.WebhookSecret = "hook-secret"
	deps.Authenticate = func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("webhook must bypass JWT authentication")
		})
	}
	r := NewRouter(deps)

	req := httptest.NewRequest("POST", "/ui/signatures/events",
		strings.NewReader(`{"session_id":"sess-1","status":"completed","signed_document_url":"https://docs/s.pdf"}`))
	req.Header.Set(webhookSecretHeader, "hook-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(relay.updates) != 1 || relay.updates[0].Status != signing.StatusCompleted {
		t.Errorf("relayed = %+v", relay.updates)
	}
}

func TestNewRouter_signatureWebhook_rejections(t *testing.T) {
	relay := &recordingRelay{}
	deps := testDeps()
	deps.SignatureRelay = relay
	deps.WebhookSecret = "hook-secret"
	r := NewRouter(deps)

	tests := []struct {
		name   string
		secret string
		body   string
		want   int
	}{
		{"wrong secret", "nope", `{"session_id":"s","status":"completed"}`, http.StatusUnauthorized},
		{"bad json", "hook-secret", `{`, http.StatusBadRequest},
		{"missing session", "hook-secret", `{"status":"completed"}`, http.StatusUnprocessableEntity},
		{"unknown status", "hook-secret", `{"session_id":"s","status":"signed"}`, http.StatusUnprocessableEntity},
		{"bad url", "hook-secret", `{"session_id":"s","status":"completed","signed_document_url":"::"}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/ui/signatures/events", strings.NewReader(tc.body))
			req.Header.Set(webhookSecretHeader, tc.secret)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
	if len(relay.updates) != 0 {
		t.Errorf("relayed = %+v, want none", relay.updates)
	}
}

func TestNewRouter_signatureWebhook_notMountedForPolling(t *testing.T) {
	r := NewRouter(testDeps())
	req := httptest.NewRequest("POST", "/ui/signatures/events", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code == http.StatusAccepted {
		t.Error("webhook should not be mounted without a relay")
	}
}

func TestNewRouter_unknownRoute(t *testing.T) {
	r := NewRouter(testDeps())
	req := httptest.NewRequest("GET", "/ui/pages/orders", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error == nil || body.Error.Code != model.ErrNotFound {
		t.Errorf("error = %+v, want NOT_FOUND", body.Error)
	}
}

func TestHandleSignatureEvent_relayFailure(t *testing.T) {
	relay := &recordingRelay{err: errors.New("pubsub closed")}
	handler := handleSignatureEvent(relay, zap.NewNop())

	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"session_id":"s","status":"pending"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestHandleSignatureEvent_redactsPayload(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := handleSignatureEvent(&recordingRelay{}, zap.New(core))

	req := httptest.NewRequest("POST", "/", strings.NewReader(
		`{"session_id":"s","status":"completed","signed_document_url":"https://docs/secret.pdf"}`))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("signing: status callback").All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	payload, _ := entries[0].ContextMap()["payload"].(map[string]any)
	if payload["signed_document_url"] != "[REDACTED]" {
		t.Errorf("payload = %v", payload)
	}
	if payload["session_id"] != "s" {
		t.Errorf("session_id = %v", payload["session_id"])
	}
}

// --- Middleware tests ---

func TestRecovery_catchesPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := Recovery(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 after panic", w.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Error("panic should be logged")
	}
}

func TestCORS_preflight(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://crm.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "X-Idempotency-Key"},
		MaxAge:         3600,
	}

	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for preflight")
	}))

	req := httptest.NewRequest("OPTIONS", "/", nil)
	req.Header.Set("Origin", "https://crm.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 204 {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://crm.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Authorization, X-Idempotency-Key" {
		t.Errorf("Allow-Headers = %q", got)
	}
}

func TestCORS_disallowedOrigin(t *testing.T) {
	called := false
	handler := CORS(config.CORSConfig{AllowedOrigins: []string{"https://crm.example.com"}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should still be called for non-preflight")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin should be empty for disallowed origin, got %q", got)
	}
}

func TestRequestID_generatedAndPropagated(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if seen == "" || w.Header().Get("X-Correlation-Id") != seen {
		t.Errorf("generated id = %q, header = %q", seen, w.Header().Get("X-Correlation-Id"))
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "corr-123" {
		t.Errorf("propagated id = %q", seen)
	}
}

func TestSecurityHeaders_onHealth(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ui/health", nil))

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
	}
	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestBuildRequestContextMiddleware(t *testing.T) {
	claims := map[string]any{
		"sub":       "user-42",
		"email":     "user@example.com",
		"tenant_id": "tenant-1",
		"roles":     []any{"advisor", "manager"},
	}

	var got *model.RequestContext
	handler := BuildRequestContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = model.RequestContextFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(withToken(WithClaims(req.Context(), claims), "raw-token"))
	req.Header.Set("X-Partition-Id", "workshop-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil {
		t.Fatal("RequestContext should be in context")
	}
	if got.SubjectID != "user-42" || got.TenantID != "tenant-1" || got.PartitionID != "workshop-7" {
		t.Errorf("rctx = %+v", got)
	}
	if got.Token != "raw-token" {
		t.Errorf("Token = %q", got.Token)
	}
}

func TestBuildRequestContextMiddleware_customPaths(t *testing.T) {
	claims := map[string]any{
		"preferred_username": "user-99",
		"org":                map[string]any{"id": "tenant-kc"},
	}
	paths := map[string]string{
		"subject_id": "preferred_username",
		"tenant_id":  "org.id",
	}

	var got *model.RequestContext
	handler := BuildRequestContextMiddleware(paths)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = model.RequestContextFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), claims))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil || got.TenantID != "tenant-kc" || got.SubjectID != "user-99" {
		t.Fatalf("rctx = %+v", got)
	}
}

func TestBuildRequestContextMiddleware_missingTenant(t *testing.T) {
	handler := BuildRequestContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), map[string]any{"sub": "user-1"}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHandlerTimeout(t *testing.T) {
	var hasDeadline bool
	handler := HandlerTimeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !hasDeadline {
		t.Error("expected a deadline")
	}

	handler = HandlerTimeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if hasDeadline {
		t.Error("zero timeout should not set a deadline")
	}
}

func TestRequestLogging_levels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	status := http.StatusTeapot
	handler := RequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.LoggerFrom(r.Context(), nil) == nil {
			t.Error("request logger should be in context")
		}
		w.WriteHeader(status)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/a", nil))
	status = http.StatusBadGateway
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/b", nil))
	status = http.StatusOK
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/c", nil))

	all := logs.All()
	if len(all) != 3 {
		t.Fatalf("entries = %d, want 3", len(all))
	}
	want := []zapcore.Level{zapcore.WarnLevel, zapcore.ErrorLevel, zapcore.InfoLevel}
	for i, e := range all {
		if e.Level != want[i] {
			t.Errorf("entry %d level = %s, want %s", i, e.Level, want[i])
		}
	}
	if all[0].ContextMap()["status"] != int64(http.StatusTeapot) {
		t.Errorf("status field = %v", all[0].ContextMap()["status"])
	}
}
