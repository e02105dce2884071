package rendering

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pitabwire/garage/internal/invoker"
	"github.com/pitabwire/garage/internal/observability"
)

// HTTPRenderer fetches renditions from the document service.
type HTTPRenderer struct {
	backend  *invoker.Client
	maxBytes int64
	metrics  *observability.Metrics
}

// NewHTTPRenderer creates a renderer on top of a resilient backend client.
// maxBytes <= 0 leaves only the client's config.MaxResponseBytes cap.
func NewHTTPRenderer(backend *invoker.Client, maxBytes int64, metrics *observability.Metrics) *HTTPRenderer {
	return &HTTPRenderer{backend: backend, maxBytes: maxBytes, metrics: metrics}
}

// FetchRenderableBlob renders documentID and returns an unreleased handle.
func (r *HTTPRenderer) FetchRenderableBlob(ctx context.Context, documentID string) (*Handle, error) {
	resp, err := r.backend.Do(ctx, invoker.Request{
		Method:    http.MethodGet,
		Path:      "/documents/" + url.PathEscape(documentID) + "/render",
		Operation: "render",
		Accept:    "application/pdf, text/html;q=0.8",
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("rendering: document %s: empty rendition", documentID)
	}
	if r.maxBytes > 0 && int64(len(resp.Body)) > r.maxBytes {
		return nil, fmt.Errorf("rendering: document %s: rendition of %d bytes exceeds limit", documentID, len(resp.Body))
	}
	return newTrackedHandle(documentID, resp.ContentType(), resp.Body, r.metrics), nil
}

func newTrackedHandle(documentID, contentType string, data []byte, m *observability.Metrics) *Handle {
	m.PreviewHandleAcquired()
	return NewHandle(documentID, contentType, data, m.PreviewHandleReleased)
}
