package rendering

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/garage/internal/config"
	"github.com/pitabwire/garage/internal/invoker"
	"github.com/pitabwire/garage/internal/observability"
	"github.com/pitabwire/garage/model"
)

func backendConfig(baseURL string) config.BackendConfig {
	return config.BackendConfig{
		BaseURL: baseURL,
		Timeout: 2 * time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
		Retry: config.RetryConfig{MaxAttempts: 1},
	}
}

func TestHandle_Release_onceOnly(t *testing.T) {
	calls := 0
	h := NewHandle("doc-1", "", []byte("%PDF"), func() { calls++ })

	assert.Equal(t, "application/pdf", h.ContentType())
	assert.Equal(t, 4, h.Size())
	assert.False(t, h.Released())

	h.Release()
	h.Release()

	assert.True(t, h.Released())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, h.Size())

	_, err := h.Reader()
	assert.ErrorIs(t, err, ErrReleased)
}

func TestHandle_Reader_snapshotOutlivesRelease(t *testing.T) {
	h := NewHandle("doc-1", "application/pdf", []byte("%PDF-1.7"), nil)

	rd, err := h.Reader()
	require.NoError(t, err)
	h.Release()

	assert.Equal(t, 0, h.Size())
	assert.Equal(t, 8, rd.Len())
	body, err := io.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(body))
}

func TestHandle_Release_concurrent(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	h := NewHandle("doc-1", "application/pdf", []byte("x"), func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
}

func TestHTTPRenderer_FetchRenderableBlob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/documents/doc-7/render", r.URL.Path)
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7 rendition"))
	}))
	defer server.Close()

	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	r := NewHTTPRenderer(invoker.NewClient("rendering", backendConfig(server.URL)), 0, metrics)

	h, err := r.FetchRenderableBlob(context.Background(), "doc-7")
	require.NoError(t, err)
	assert.Equal(t, "doc-7", h.DocumentID())
	assert.Equal(t, "application/pdf", h.ContentType())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PreviewHandlesOpen))

	rd, err := h.Reader()
	require.NoError(t, err)
	body, err := io.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 rendition", string(body))

	h.Release()
	h.Release()
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.PreviewHandlesOpen))
}

func TestHTTPRenderer_FetchRenderableBlob_tooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer server.Close()

	r := NewHTTPRenderer(invoker.NewClient("rendering", backendConfig(server.URL)), 32, nil)

	_, err := r.FetchRenderableBlob(context.Background(), "doc-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestHTTPRenderer_FetchRenderableBlob_overClientCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(make([]byte, config.MaxResponseBytes+1<<20))
	}))
	defer server.Close()

	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	r := NewHTTPRenderer(invoker.NewClient("rendering", backendConfig(server.URL)), 0, metrics)

	h, err := r.FetchRenderableBlob(context.Background(), "doc-1")
	require.Error(t, err)
	assert.Nil(t, h)
	assert.True(t, model.HasCode(err, model.ErrBackendRejected), "err = %v", err)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.PreviewHandlesOpen))
}

func TestHTTPRenderer_FetchRenderableBlob_backendDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	r := NewHTTPRenderer(invoker.NewClient("rendering", backendConfig(server.URL)), 0, nil)

	_, err := r.FetchRenderableBlob(context.Background(), "doc-1")
	require.Error(t, err)
	assert.True(t, model.HasCode(err, model.ErrBackendUnavailable), "err = %v", err)
}

func TestHTTPRenderer_FetchRenderableBlob_empty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	r := NewHTTPRenderer(invoker.NewClient("rendering", backendConfig(server.URL)), 0, nil)

	_, err := r.FetchRenderableBlob(context.Background(), "doc-1")
	assert.ErrorContains(t, err, "empty rendition")
}

func TestChromeRenderer_PrintURL(t *testing.T) {
	r := NewChromeRenderer(config.RenderingConfig{
		Driver:           "chrome",
		PrintURLTemplate: "https://crm.example.com/protocols/{id}/print",
	}, nil)

	assert.Equal(t, "https://crm.example.com/protocols/doc%2F1/print", r.PrintURL("doc/1"))
	assert.Equal(t, 30*time.Second, r.timeout)
}
