// Package rendering produces previewable renditions of intake documents and
// hands them out as release-once handles.
package rendering

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrReleased is returned when reading a handle after Release.
var ErrReleased = errors.New("rendering: handle released")

// Handle is a transient rendition of a document. It must be released exactly
// once; further calls to Release are no-ops.
type Handle struct {
	documentID  string
	contentType string

	mu        sync.RWMutex
	data      []byte
	released  atomic.Bool
	once      sync.Once
	onRelease func()
}

// NewHandle wraps rendered bytes. onRelease, if not nil, runs once on the
// first Release.
func NewHandle(documentID, contentType string, data []byte, onRelease func()) *Handle {
	if contentType == "" {
		contentType = "application/pdf"
	}
	return &Handle{
		documentID:  documentID,
		contentType: contentType,
		data:        data,
		onRelease:   onRelease,
	}
}

// DocumentID returns the id of the rendered document.
func (h *Handle) DocumentID() string { return h.documentID }

// ContentType returns the media type of the rendition.
func (h *Handle) ContentType() string { return h.contentType }

// Size returns the rendition size in bytes, or 0 once released.
func (h *Handle) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.data)
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool { return h.released.Load() }

// Reader returns a reader over a snapshot of the rendition. The snapshot
// stays readable after Release.
func (h *Handle) Reader() (*bytes.Reader, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.released.Load() {
		return nil, ErrReleased
	}
	return bytes.NewReader(h.data), nil
}

// Release drops the rendition. Safe to call concurrently and repeatedly.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.mu.Lock()
		h.released.Store(true)
		h.data = nil
		h.mu.Unlock()
		if h.onRelease != nil {
			h.onRelease()
		}
	})
}
