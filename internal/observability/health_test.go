package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (*httptest.ResponseRecorder, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ui/ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec, resp
}

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ui/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func TestHandleReady_journalOnly(t *testing.T) {
	rec, resp := serveReady(t, ReadinessChecks{Journal: &mockHealthChecker{}})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 1 {
		t.Errorf("checks = %v, want only journal", resp.Checks)
	}
}

func TestHandleReady_missingJournal(t *testing.T) {
	rec, resp := serveReady(t, ReadinessChecks{})

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if resp.Checks["journal"].Error != "not configured" {
		t.Errorf("journal error = %q, want not configured", resp.Checks["journal"].Error)
	}
}

func TestHandleReady_allHealthy(t *testing.T) {
	rec, resp := serveReady(t, ReadinessChecks{
		Journal:          &mockHealthChecker{},
		IdempotencyStore: &mockHealthChecker{},
		SigningBackend:   &mockHealthChecker{},
		RenderingBackend: HealthCheckFunc(func(context.Context) error { return nil }),
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	for _, name := range []string{"journal", "idempotency_store", "signing_backend", "rendering_backend"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("%s = %q, want ok", name, resp.Checks[name].Status)
		}
	}
}

func TestHandleReady_signingBackendDown(t *testing.T) {
	rec, resp := serveReady(t, ReadinessChecks{
		Journal:        &mockHealthChecker{},
		SigningBackend: &mockHealthChecker{err: errors.New("circuit open")},
	})

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["signing_backend"].Error != "circuit open" {
		t.Errorf("signing_backend error = %q", resp.Checks["signing_backend"].Error)
	}
	if resp.Checks["journal"].Status != "ok" {
		t.Errorf("journal = %q, want ok", resp.Checks["journal"].Status)
	}
}

func TestHandleReady_checkTimesOut(t *testing.T) {
	slow := HealthCheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ui/ready", nil).WithContext(ctx)
	HandleReady(ReadinessChecks{Journal: slow}).ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
