package finalize

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/garage/internal/observability"
	"github.com/pitabwire/garage/internal/rendering"
	"github.com/pitabwire/garage/internal/signing"
	"github.com/pitabwire/garage/model"
)

// SignatureService opens signing sessions and reports their status.
type SignatureService interface {
	RequestSignature(ctx context.Context, documentID, customerLabel string) (string, error)
	SubscribeToSessionStatus(ctx context.Context, sessionID string) (<-chan signing.Update, error)
}

// Renderer produces previewable renditions of documents.
type Renderer interface {
	FetchRenderableBlob(ctx context.Context, documentID string) (*rendering.Handle, error)
}

// Orchestrator starts workflows against a pair of collaborators.
type Orchestrator struct {
	signer   SignatureService
	renderer Renderer
	logger   *zap.Logger
	metrics  *observability.Metrics
	dispatch func(func())
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics records step metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithDispatch replaces the function that runs collaborator calls. The
// default starts a goroutine per call.
func WithDispatch(dispatch func(func())) Option {
	return func(o *Orchestrator) { o.dispatch = dispatch }
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(signer SignatureService, renderer Renderer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		signer:   signer,
		renderer: renderer,
		logger:   zap.NewNop(),
		dispatch: func(fn func()) { go fn() },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartRequest identifies the document a workflow finalizes.
type StartRequest struct {
	DocumentID     string
	ContactAddress string
	CustomerLabel  string
}

// Start creates a workflow in the Selection phase. No collaborator is called
// until options are confirmed. Collaborator calls inherit the values of ctx
// but not its cancellation.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest, hooks Hooks) (*Workflow, error) {
	if strings.TrimSpace(req.DocumentID) == "" {
		return nil, model.NewBadRequestError("document_id is required")
	}
	return &Workflow{
		orch:          o,
		documentID:    req.DocumentID,
		contact:       strings.TrimSpace(req.ContactAddress),
		customerLabel: req.CustomerLabel,
		hooks:         hooks,
		base:          context.WithoutCancel(ctx),
		logger:        o.logger.With(zap.String("document_id", req.DocumentID)),
		phase:         Selection,
	}, nil
}
