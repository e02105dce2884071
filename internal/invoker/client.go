// Package invoker provides the resilient HTTP client used to reach the
// signing and rendering backends: per-backend circuit breaker, retry with
// exponential backoff for idempotent calls, request-context header
// propagation and mapping of transport failures to error envelopes.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/garage/internal/config"
	"github.com/pitabwire/garage/internal/observability"
	"github.com/pitabwire/garage/model"
)

// Request describes one backend call.
type Request struct {
	Method string
	// Path is appended to the backend base URL. Callers escape path segments.
	Path string
	// Operation labels metrics and spans.
	Operation string
	Query     url.Values
	Body      any
	Accept    string
}

// Response is a buffered 2xx backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the response media type.
func (r *Response) ContentType() string {
	return r.Header.Get("Content-Type")
}

// Client calls a single backend.
type Client struct {
	name    string
	cfg     config.BackendConfig
	http    *http.Client
	breaker *CircuitBreaker
	metrics *observability.Metrics
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records backend metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the backend called name.
func NewClient(name string, cfg config.BackendConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		name: name,
		cfg:  cfg,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: zap.NewNop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = NewCircuitBreaker(cfg.CircuitBreaker, func(s BreakerState) {
		c.metrics.SetBackendCircuitBreakerState(c.name, float64(s))
		c.logger.Warn("invoker: circuit breaker state changed",
			zap.String("backend", c.name),
			zap.Stringer("state", s),
		)
	})
	return c
}

// Name returns the backend name.
func (c *Client) Name() string { return c.name }

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// HealthCheck reports the breaker state; it does not call the backend.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.breaker.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	return nil
}

// Do executes req. GET requests are retried on transport errors and
// 502/503/504; other methods are sent once. Failures are returned as
// *model.ErrorEnvelope, except caller cancellation which returns ctx.Err().
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, span := observability.StartSpan(ctx, "invoker."+c.name+"."+req.Operation,
		observability.AttrBackend.String(c.name),
	)

	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			err = fmt.Errorf("invoker: marshal body: %w", err)
			observability.EndSpanWithError(span, err)
			return nil, err
		}
	}

	resp, err := c.doWithRetry(ctx, req, body)
	observability.EndSpanWithError(span, err)
	return resp, err
}

// DoJSON executes req and decodes the JSON response body into out.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) error {
	if req.Accept == "" {
		req.Accept = "application/json"
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("invoker: %s %s: decode response: %w", c.name, req.Operation, err)
	}
	return nil
}

func (c *Client) doWithRetry(ctx context.Context, req Request, body []byte) (*Response, error) {
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts < 1 || req.Method != http.MethodGet {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.RecordBackendRetry(c.name)
			if err := c.sleep(ctx, calculateBackoff(c.cfg.Retry, attempt)); err != nil {
				return nil, err
			}
			c.logger.Debug("invoker: retrying",
				zap.String("backend", c.name),
				zap.String("operation", req.Operation),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
		}

		resp, retryable, err := c.executeOnce(ctx, req, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, lastErr
}

// executeOnce performs a single request with circuit breaker protection.
// The boolean reports whether the failure is worth retrying.
func (c *Client) executeOnce(ctx context.Context, req Request, body []byte) (*Response, bool, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, false, model.NewBackendUnavailableError()
	}

	httpReq, err := c.buildRequest(ctx, req, body)
	if err != nil {
		c.breaker.Release()
		return nil, false, err
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			c.breaker.Release()
			return nil, false, ctx.Err()
		}
		c.breaker.RecordFailure()
		c.metrics.RecordBackendRequest(c.name, req.Operation, 0, time.Since(start))
		if isTimeout(ctx, err) {
			return nil, true, model.NewBackendTimeoutError()
		}
		if isConnectionError(err) {
			return nil, true, model.NewBackendUnavailableError()
		}
		return nil, false, fmt.Errorf("invoker: %s %s: %w", c.name, req.Operation, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, config.MaxResponseBytes+1))
	c.metrics.RecordBackendRequest(c.name, req.Operation, resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.RecordFailure()
		return nil, true, model.NewBackendUnavailableError()
	}
	if len(respBody) > config.MaxResponseBytes {
		c.breaker.RecordSuccess()
		c.logger.Warn("invoker: response body over limit",
			zap.String("backend", c.name),
			zap.String("operation", req.Operation),
			zap.Int("limit", config.MaxResponseBytes),
		)
		return nil, false, model.NewResponseTooLargeError(config.MaxResponseBytes)
	}

	switch {
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
		return nil, isRetryableStatus(resp.StatusCode), statusError(resp.StatusCode)
	case resp.StatusCode >= 400:
		// Client errors are not infrastructure failures.
		c.breaker.RecordSuccess()
		return nil, false, statusError(resp.StatusCode)
	}

	c.breaker.RecordSuccess()
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, false, nil
}

func (c *Client) buildRequest(ctx context.Context, req Request, body []byte) (*http.Request, error) {
	target := strings.TrimSuffix(c.cfg.BaseURL, "/") + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("invoker: build request: %w", err)
	}

	accept := req.Accept
	if accept == "" {
		accept = "*/*"
	}
	httpReq.Header.Set("Accept", accept)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	propagateHeaders(ctx, httpReq.Header)
	observability.InjectTraceHeaders(ctx, httpReq.Header)
	return httpReq, nil
}

// propagateHeaders copies identity and correlation from the RequestContext
// in ctx, if any.
func propagateHeaders(ctx context.Context, h http.Header) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return
	}
	if rctx.Token != "" {
		h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
	}
	h.Set("X-Tenant-Id", sanitizeHeader(rctx.TenantID))
	h.Set("X-Partition-Id", sanitizeHeader(rctx.PartitionID))
	h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	h.Set("X-Request-Subject", sanitizeHeader(rctx.SubjectID))
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func statusError(code int) *model.ErrorEnvelope {
	switch code {
	case http.StatusGatewayTimeout:
		return model.NewBackendTimeoutError()
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return model.NewBackendUnavailableError()
	}
	return model.NewBackendRejectedError(code)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
