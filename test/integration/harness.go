// Package integration provides a reusable test harness for end-to-end
// integration testing of the Garage BFF server. It starts a full HTTP server
// with mock signing and rendering services, in-memory stores, and a test JWT
// issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/garage/internal/command"
	"github.com/pitabwire/garage/internal/config"
	"github.com/pitabwire/garage/internal/events"
	"github.com/pitabwire/garage/internal/finalize"
	"github.com/pitabwire/garage/internal/invoker"
	"github.com/pitabwire/garage/internal/observability"
	"github.com/pitabwire/garage/internal/rendering"
	"github.com/pitabwire/garage/internal/signing"
	"github.com/pitabwire/garage/internal/transport"
	"github.com/pitabwire/garage/internal/workflow"
	"github.com/pitabwire/garage/model"
)

// PDFFixture is the rendition served by the mock rendering service.
var PDFFixture = []byte("%PDF-1.7 integration fixture")

// TestHarness encapsulates a fully wired BFF instance with mock backends
// for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Signing   *MockBackend
	Rendering *MockBackend

	// Internal components exposed for advanced test scenarios.
	Journal          *workflow.MemoryRunStore
	Engine           *workflow.Engine
	IdempotencyStore *command.MemoryIdempotencyStore
	PubSub           *gochannel.GoChannel
	Metrics          *observability.Metrics
	Registry         *prometheus.Registry

	webhookSecret string
	cfg           *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	webhookSecret  string
	pollInterval   time.Duration
	handlerTimeout time.Duration
	breaker        *config.CircuitBreakerConfig
	retry          *config.RetryConfig
}

// WithWebhookFeed delivers signing status through the webhook route instead
// of polling.
func WithWebhookFeed(secret string) HarnessOption {
	return func(c *harnessConfig) {
		c.webhookSecret = secret
	}
}

// WithPollInterval sets the signing status poll interval.
func WithPollInterval(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.pollInterval = d
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithCircuitBreaker sets the circuit breaker of both backends.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = &cb
	}
}

// WithRetry sets the retry policy of both backends.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = &r
	}
}

// NewTestHarness creates and starts a full BFF test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		pollInterval:   20 * time.Millisecond,
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:             t,
		webhookSecret: hc.webhookSecret,
	}
	logger := zap.NewNop()

	// Step 1: Mock backends with default happy-path responses.
	h.Signing = newMockBackend(t, "signing", SigningRoutes())
	h.Rendering = newMockBackend(t, "rendering", RenderingRoutes())
	h.Signing.OnOperation("create_session").
		RespondWith(http.StatusCreated, SessionFixture("sess-1", "pending", ""))
	h.Signing.OnOperation("get_session").
		RespondWith(http.StatusOK, SessionFixture("sess-1", "completed", "https://docs.test/signed/sess-1.pdf"))
	h.Rendering.OnOperation("render").
		RespondWithBytes(http.StatusOK, "application/pdf", PDFFixture)

	// Step 2: Token issuer and config.
	h.issuer = newTokenIssuer(t)
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Signing.Backend.BaseURL = h.Signing.URL()
	h.cfg.Signing.PollInterval = hc.pollInterval
	h.cfg.Rendering.Backend.BaseURL = h.Rendering.URL()
	for _, b := range []*config.BackendConfig{&h.cfg.Signing.Backend, &h.cfg.Rendering.Backend} {
		b.Timeout = 5 * time.Second
		b.Retry.MaxAttempts = 1
		if hc.retry != nil {
			b.Retry = *hc.retry
		}
		if hc.breaker != nil {
			b.CircuitBreaker = *hc.breaker
		}
	}

	// Step 3: Telemetry.
	h.Registry = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Registry)

	// Step 4: Collaborators.
	signingBackend := invoker.NewClient("signing", h.cfg.Signing.Backend,
		invoker.WithMetrics(h.Metrics), invoker.WithLogger(logger))
	renderingBackend := invoker.NewClient("rendering", h.cfg.Rendering.Backend,
		invoker.WithMetrics(h.Metrics), invoker.WithLogger(logger))
	signingClient := signing.NewClient(signingBackend)

	h.PubSub = events.NewPubSub(h.cfg.Events, logger)

	var feed signing.Feed
	var relay transport.SignatureRelay
	if hc.webhookSecret != "" {
		wf := signing.NewWebhookFeed(h.PubSub, h.PubSub, h.cfg.Events.SignatureTopic, signingClient, logger)
		feed, relay = wf, wf
	} else {
		feed = signing.NewPollFeed(signingClient, hc.pollInterval, logger)
	}

	orch := finalize.NewOrchestrator(
		signing.NewService(signingClient, feed),
		rendering.NewHTTPRenderer(renderingBackend, h.cfg.Rendering.MaxBytes, h.Metrics),
		finalize.WithLogger(logger),
		finalize.WithMetrics(h.Metrics),
	)

	// Step 5: Stores and engine.
	h.Journal = workflow.NewMemoryRunStore()
	h.IdempotencyStore = command.NewMemoryIdempotencyStore()
	h.Engine = workflow.NewEngine(orch, h.Journal,
		workflow.WithPublisher(h.PubSub, h.cfg.Events.LifecycleTopic),
		workflow.WithMetrics(h.Metrics),
		workflow.WithLogger(logger),
		workflow.WithIdleTimeout(h.cfg.Finalize.IdleTimeout),
		workflow.WithRetention(h.cfg.Finalize.Retention),
	)

	// Step 6: Router with full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:         h.cfg,
		Logger:         logger,
		Metrics:        h.Metrics,
		Authenticate:   transport.JWTAuthenticator(h.cfg.Identity, h.issuer.Secret()),
		Engine:         h.Engine,
		Commands:       command.NewExecutor(h.IdempotencyStore, command.WithMetrics(h.Metrics), command.WithLogger(logger)),
		SignatureRelay: relay,
		WebhookSecret:  hc.webhookSecret,
		Readiness: observability.ReadinessChecks{
			Journal:          h.Journal,
			IdempotencyStore: h.IdempotencyStore,
			SigningBackend:   signingBackend,
			RenderingBackend: renderingBackend,
		},
		MetricsHandler: observability.HandlerFor(h.Registry),
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Engine.Shutdown(ctx)
		_ = h.PubSub.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed with an unknown secret.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

// SignatureCallback posts a signing status callback to the webhook route.
func (h *TestHarness) SignatureCallback(body any, secret string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", "/ui/signatures/events", body, "", map[string]string{
		"X-Signing-Secret": secret,
	})
}

// WebhookSecret returns the configured webhook secret.
func (h *TestHarness) WebhookSecret() string {
	return h.webhookSecret
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and error code of an error response.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, expectedStatus int, expectedCode string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expectedStatus, &body)
	if body.Error.Code != expectedCode {
		t.Errorf("error code = %q, want %q", body.Error.Code, expectedCode)
	}
}

// --- Finalization helpers ---

// StartRun starts a finalization run and returns its descriptor.
func (h *TestHarness) StartRun(t *testing.T, token, documentID, contact string) model.RunDescriptor {
	t.Helper()
	var d model.RunDescriptor
	h.AssertJSON(t, h.POST("/ui/finalizations", map[string]any{
		"document_id":     documentID,
		"contact_address": contact,
		"customer_label":  "Test Customer",
	}, token), http.StatusCreated, &d)
	return d
}

// GetRun fetches a run descriptor.
func (h *TestHarness) GetRun(t *testing.T, token, runID string) model.RunDescriptor {
	t.Helper()
	var d model.RunDescriptor
	h.AssertJSON(t, h.GET("/ui/finalizations/"+runID, token), http.StatusOK, &d)
	return d
}

// WaitForRun polls the run until cond holds or the deadline passes.
func (h *TestHarness) WaitForRun(t *testing.T, token, runID string, cond func(model.RunDescriptor) bool) model.RunDescriptor {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		d := h.GetRun(t, token, runID)
		if cond(d) {
			return d
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s did not reach the expected state: %s", runID, FormatJSON(d))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// OnStep matches a run suspended on the given step.
func OnStep(kind string) func(model.RunDescriptor) bool {
	return func(d model.RunDescriptor) bool {
		return d.CurrentStep != nil && d.CurrentStep.Kind == kind
	}
}

// PreviewReady matches a run whose print preview holds a rendition.
func PreviewReady(d model.RunDescriptor) bool {
	return d.CurrentStep != nil && d.CurrentStep.Kind == "print_preview" && d.CurrentStep.PreviewReady
}

// StepFailed matches a run whose current step carries an error.
func StepFailed(d model.RunDescriptor) bool {
	return d.CurrentStep != nil && d.CurrentStep.Error != nil
}

// HasStatus matches a run with the given status.
func HasStatus(status string) func(model.RunDescriptor) bool {
	return func(d model.RunDescriptor) bool { return d.Status == status }
}

// --- Default test claims ---

// AdvisorClaims returns TestClaims for a service advisor.
func AdvisorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-advisor",
		TenantID:  "workshop-north",
		Email:     "advisor@north.example.com",
		Roles:     []string{"service_advisor"},
	}
}

// OtherTenantClaims returns TestClaims for a user of a different tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-south",
		TenantID:  "workshop-south",
		Email:     "advisor@south.example.com",
		Roles:     []string{"service_advisor"},
	}
}

// --- Fixtures ---

// SessionFixture returns a signing session response body.
func SessionFixture(sessionID, status, signedURL string) map[string]any {
	body := map[string]any{
		"session_id": sessionID,
		"status":     status,
	}
	if signedURL != "" {
		body["signed_document_url"] = signedURL
	}
	return body
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
