package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/garage/internal/finalize"
	"github.com/pitabwire/garage/internal/observability"
	"github.com/pitabwire/garage/internal/rendering"
	"github.com/pitabwire/garage/model"
)

const (
	journalTimeout   = 5 * time.Second
	defaultListLimit = 50
	maxListLimit     = 200
)

// Lifecycle event names published on the lifecycle topic.
const (
	LifecycleOptionsConfirmed = "finalization.options_confirmed"
	LifecycleSkipped          = "finalization.skipped"
	LifecycleAborted          = "finalization.aborted"
	LifecycleCompleted        = "finalization.completed"
)

// Sweep reasons.
const (
	sweepIdle     = "idle"
	sweepOrphaned = "orphaned"
	sweepExpired  = "expired"
)

// LifecycleEvent is the payload of a lifecycle message.
type LifecycleEvent struct {
	Event       string            `json:"event"`
	RunID       string            `json:"run_id"`
	TenantID    string            `json:"tenant_id"`
	PartitionID string            `json:"partition_id,omitempty"`
	SubjectID   string            `json:"subject_id"`
	DocumentID  string            `json:"document_id"`
	Options     *model.RunOptions `json:"options,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Engine manages the finalization runs of all tenants.
type Engine struct {
	orch        *finalize.Orchestrator
	store       RunStore
	publisher   message.Publisher
	topic       string
	metrics     *observability.Metrics
	logger      *zap.Logger
	idleTimeout time.Duration
	retention   time.Duration
	now         func() time.Time

	mu   sync.Mutex
	live map[string]*run
}

// run is a live workflow with its journal record.
type run struct {
	id       string
	tenantID string
	wf       *finalize.Workflow
	base     context.Context
	logger   *zap.Logger

	mu      sync.Mutex
	rec     model.RunRecord
	actor   string
	skipped bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPublisher publishes lifecycle events on topic.
func WithPublisher(pub message.Publisher, topic string) EngineOption {
	return func(e *Engine) {
		e.publisher = pub
		e.topic = topic
	}
}

// WithMetrics records run metrics on m.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithIdleTimeout sets how long a run may go without activity before the
// sweeper tears it down.
func WithIdleTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.idleTimeout = d }
}

// WithRetention sets how long terminal runs stay in the journal.
func WithRetention(d time.Duration) EngineOption {
	return func(e *Engine) { e.retention = d }
}

// NewEngine creates a new run engine.
func NewEngine(orch *finalize.Orchestrator, store RunStore, opts ...EngineOption) *Engine {
	e := &Engine{
		orch:        orch,
		store:       store,
		logger:      zap.NewNop(),
		idleTimeout: 30 * time.Minute,
		retention:   24 * time.Hour,
		now:         func() time.Time { return time.Now().UTC() },
		live:        make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates a run in the selection phase.
func (e *Engine) Start(ctx context.Context, rctx *model.RequestContext, req finalize.StartRequest) (model.RunDescriptor, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrDocumentID.String(req.DocumentID),
		observability.AttrTenantID.String(rctx.TenantID),
	)
	defer span.End()

	if model.RequestContextFrom(ctx) == nil {
		ctx = model.WithRequestContext(ctx, rctx)
	}

	now := e.now()
	id := uuid.New().String()
	r := &run{
		id:       id,
		tenantID: rctx.TenantID,
		base:     context.WithoutCancel(ctx),
		logger:   observability.LoggerFrom(ctx, e.logger).With(zap.String("run_id", id)),
		actor:    rctx.SubjectID,
		rec: model.RunRecord{
			ID:            id,
			TenantID:      rctx.TenantID,
			PartitionID:   rctx.PartitionID,
			SubjectID:     rctx.SubjectID,
			DocumentID:    req.DocumentID,
			CustomerLabel: req.CustomerLabel,
			HasContact:    req.ContactAddress != "",
			Status:        model.RunStatusSelection,
			CreatedAt:     now,
			UpdatedAt:     now,
			Version:       1,
		},
	}

	wf, err := e.orch.Start(ctx, req, e.hooks(r))
	if err != nil {
		return model.RunDescriptor{}, err
	}
	r.wf = wf
	r.rec.HasContact = wf.Selection().SignatureAvailable

	if err := e.store.Create(ctx, r.rec); err != nil {
		return model.RunDescriptor{}, err
	}
	if err := e.appendEvent(ctx, r, model.RunEventStarted, "", map[string]any{
		"document_id": req.DocumentID,
		"has_contact": r.rec.HasContact,
	}, ""); err != nil {
		return model.RunDescriptor{}, err
	}

	e.mu.Lock()
	e.live[id] = r
	e.mu.Unlock()
	e.metrics.RecordRunStart()

	span.SetAttributes(observability.AttrRunID.String(id))
	r.logger.Info("workflow: run started", zap.String("document_id", req.DocumentID))
	return e.describe(ctx, r)
}

// Confirm fixes the options of a run and starts its first step.
func (e *Engine) Confirm(ctx context.Context, rctx *model.RequestContext, runID string, opts model.RunOptions) (model.RunDescriptor, error) {
	return e.apply(ctx, rctx, runID, "confirm", func(r *run) error {
		return r.wf.Confirm(finalize.Options{
			CollectSignature: opts.CollectSignature,
			ShowPrintPreview: opts.ShowPrintPreview,
		})
	})
}

// Skip completes a run without any follow-up action.
func (e *Engine) Skip(ctx context.Context, rctx *model.RequestContext, runID string) (model.RunDescriptor, error) {
	return e.apply(ctx, rctx, runID, "skip", func(r *run) error {
		return r.wf.Skip()
	})
}

// Cancel aborts a run in selection or moves a running one past its current
// step.
func (e *Engine) Cancel(ctx context.Context, rctx *model.RequestContext, runID string) (model.RunDescriptor, error) {
	return e.apply(ctx, rctx, runID, "cancel", func(r *run) error {
		return r.wf.CancelCurrentStep()
	})
}

// Retry re-issues the side effect of a failed step.
func (e *Engine) Retry(ctx context.Context, rctx *model.RequestContext, runID string) (model.RunDescriptor, error) {
	return e.apply(ctx, rctx, runID, "retry", func(r *run) error {
		if err := r.wf.Retry(); err != nil {
			return err
		}
		e.sync(r)
		return nil
	})
}

// ClosePreview reports the print preview as dismissed.
func (e *Engine) ClosePreview(ctx context.Context, rctx *model.RequestContext, runID string) (model.RunDescriptor, error) {
	return e.apply(ctx, rctx, runID, "close_preview", func(r *run) error {
		if !r.wf.OnPrintPreviewClosed() {
			r.logger.Debug("workflow: preview close ignored")
		}
		return nil
	})
}

// SignatureSettled relays a completed signature reported by the front end.
// Stale relays are ignored.
func (e *Engine) SignatureSettled(ctx context.Context, rctx *model.RequestContext, runID, signedDocumentURL string) (model.RunDescriptor, error) {
	return e.apply(ctx, rctx, runID, "signature_settled", func(r *run) error {
		if !r.wf.OnSignatureSettled(signedDocumentURL) {
			r.logger.Debug("workflow: signature relay ignored")
		}
		return nil
	})
}

// Get returns the descriptor of a run, live or journaled.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, runID string) (model.RunDescriptor, error) {
	if r := e.liveRun(rctx.TenantID, runID); r != nil {
		return e.describe(ctx, r)
	}
	rec, err := e.store.Get(ctx, rctx.TenantID, runID)
	if err != nil {
		return model.RunDescriptor{}, err
	}
	events, err := e.store.GetEvents(ctx, rctx.TenantID, runID)
	if err != nil {
		return model.RunDescriptor{}, err
	}
	return buildDescriptor(rec, events), nil
}

// List returns a page of the tenant's runs.
func (e *Engine) List(ctx context.Context, rctx *model.RequestContext, filters RunFilters) (model.RunList, error) {
	if filters.Limit <= 0 {
		filters.Limit = defaultListLimit
	}
	if filters.Limit > maxListLimit {
		filters.Limit = maxListLimit
	}
	recs, total, err := e.store.List(ctx, rctx.TenantID, filters)
	if err != nil {
		return model.RunList{}, err
	}
	items := make([]model.RunSummary, 0, len(recs))
	for _, rec := range recs {
		items = append(items, model.RunSummary{
			ID:          rec.ID,
			DocumentID:  rec.DocumentID,
			Status:      rec.Status,
			CurrentStep: rec.CurrentStep,
			SubjectID:   rec.SubjectID,
			CreatedAt:   rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
		})
	}
	return model.RunList{Items: items, TotalCount: total}, nil
}

// Preview returns the rendition shown by a run's print preview step.
func (e *Engine) Preview(ctx context.Context, rctx *model.RequestContext, runID string) (*rendering.Handle, error) {
	r, err := e.lookup(ctx, rctx, runID)
	if err != nil {
		return nil, err
	}
	return r.wf.Preview()
}

// Teardown closes a run: its pending call is cancelled and its rendition
// released.
func (e *Engine) Teardown(ctx context.Context, rctx *model.RequestContext, runID string) error {
	ctx, span := e.span(ctx, "teardown", runID)
	defer span.End()

	r, err := e.lookup(ctx, rctx, runID)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return err
	}
	e.closeRun(r, "teardown")
	return nil
}

// ProcessIdle tears down runs idle for longer than the idle timeout, closes
// journaled runs no longer held by this process, and deletes terminal runs
// past retention. It returns the number of runs swept.
func (e *Engine) ProcessIdle(ctx context.Context) (int, error) {
	now := e.now()
	idle, err := e.store.FindIdle(ctx, now.Add(-e.idleTimeout))
	if err != nil {
		return 0, fmt.Errorf("find idle runs: %w", err)
	}

	swept := 0
	for _, rec := range idle {
		if r := e.liveRun(rec.TenantID, rec.ID); r != nil {
			r.logger.Info("workflow: tearing down idle run")
			e.closeRun(r, sweepIdle)
			e.metrics.RecordRunSwept(sweepIdle)
			swept++
			continue
		}
		if err := e.closeOrphan(ctx, rec, now); err != nil {
			e.logger.Error("workflow: close orphaned run",
				zap.String("run_id", rec.ID),
				zap.Error(err),
			)
			continue
		}
		e.metrics.RecordRunSwept(sweepOrphaned)
		swept++
	}

	removed, err := e.store.DeleteTerminalBefore(ctx, now.Add(-e.retention))
	if err != nil {
		return swept, fmt.Errorf("delete expired runs: %w", err)
	}
	for range removed {
		e.metrics.RecordRunSwept(sweepExpired)
	}
	return swept + removed, nil
}

// Shutdown closes every live run.
func (e *Engine) Shutdown(context.Context) {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.live))
	for _, r := range e.live {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		e.closeRun(r, "shutdown")
	}
}

// Live returns the number of live runs.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

func (e *Engine) apply(ctx context.Context, rctx *model.RequestContext, runID, op string, fn func(*run) error) (model.RunDescriptor, error) {
	ctx, span := e.span(ctx, op, runID)
	defer span.End()

	r, err := e.lookup(ctx, rctx, runID)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return model.RunDescriptor{}, err
	}
	if err := fn(r); err != nil {
		observability.EndSpanWithError(span, err)
		return model.RunDescriptor{}, err
	}
	return e.describe(ctx, r)
}

func (e *Engine) span(ctx context.Context, op, runID string) (context.Context, trace.Span) {
	return observability.StartSpan(ctx, "workflow."+op, observability.AttrRunID.String(runID))
}

func (e *Engine) liveRun(tenantID, runID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.live[runID]
	if r == nil || r.tenantID != tenantID {
		return nil
	}
	return r
}

// lookup returns the live run for a command. Journaled runs that are no
// longer live answer with the reason they cannot accept commands.
func (e *Engine) lookup(ctx context.Context, rctx *model.RequestContext, runID string) (*run, error) {
	if r := e.liveRun(rctx.TenantID, runID); r != nil {
		r.mu.Lock()
		r.actor = rctx.SubjectID
		r.mu.Unlock()
		return r, nil
	}
	rec, err := e.store.Get(ctx, rctx.TenantID, runID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case model.RunStatusCompleted, model.RunStatusAborted:
		return nil, model.NewInvalidPhaseError(fmt.Sprintf("the run is already %s", rec.Status))
	}
	return nil, model.NewRunClosedError()
}

func (e *Engine) closeRun(r *run, reason string) {
	r.wf.Close()
	// A run closed during selection was aborted and journaled by its hook.
	if r.wf.Snapshot().Phase != finalize.Running {
		return
	}
	e.journal(r, model.RunEventClosed, "", map[string]any{"reason": reason}, "")
	e.release(r, model.RunStatusClosed)
	r.logger.Info("workflow: run closed", zap.String("reason", reason))
}

func (e *Engine) closeOrphan(ctx context.Context, rec model.RunRecord, now time.Time) error {
	rec.Status = model.RunStatusClosed
	rec.CurrentStep = ""
	rec.ClosedAt = &now
	rec.UpdatedAt = now
	if err := e.store.Update(ctx, rec); err != nil {
		return err
	}
	return e.store.AppendEvent(ctx, model.RunEvent{
		ID:        uuid.New().String(),
		RunID:     rec.ID,
		Event:     model.RunEventClosed,
		ActorID:   "system",
		Data:      map[string]any{"reason": sweepOrphaned},
		Timestamp: now,
	})
}

// release removes r from the live registry once.
func (e *Engine) release(r *run, outcome string) {
	e.mu.Lock()
	_, ok := e.live[r.id]
	delete(e.live, r.id)
	e.mu.Unlock()
	if ok {
		e.metrics.RecordRunOutcome(outcome)
	}
}

func (e *Engine) hooks(r *run) finalize.Hooks {
	return finalize.Hooks{
		OnOptionsConfirmed: func(opts finalize.Options) {
			e.journal(r, model.RunEventOptionsConfirmed, "", map[string]any{
				"collect_signature":  opts.CollectSignature,
				"show_print_preview": opts.ShowPrintPreview,
				"sequence":           r.wf.Snapshot().Sequence.Strings(),
			}, "")
			e.publish(r, LifecycleOptionsConfirmed, wireOptions(opts))
		},
		OnSkipped: func() {
			r.mu.Lock()
			r.skipped = true
			r.mu.Unlock()
			e.journal(r, model.RunEventSkipped, "", nil, "")
			e.publish(r, LifecycleSkipped, nil)
		},
		OnAborted: func() {
			e.journal(r, model.RunEventAborted, "", nil, "")
			e.release(r, model.RunStatusAborted)
			e.publish(r, LifecycleAborted, nil)
		},
		OnCompleted: func(opts finalize.Options) {
			e.journal(r, model.RunEventCompleted, "", map[string]any{
				"collect_signature":  opts.CollectSignature,
				"show_print_preview": opts.ShowPrintPreview,
			}, "")
			r.mu.Lock()
			outcome := model.RunStatusCompleted
			if r.skipped {
				outcome = "skipped"
			}
			r.mu.Unlock()
			e.release(r, outcome)
			e.publish(r, LifecycleCompleted, wireOptions(opts))
		},
		OnStepEntered: func(step finalize.StepKind) {
			e.journal(r, model.RunEventStepEntered, step.String(), nil, "")
		},
		OnStepExited: func(step finalize.StepKind, outcome finalize.StepOutcome) {
			switch outcome {
			case finalize.StepCompleted:
				var data map[string]any
				if step == finalize.SignatureRequest {
					if s := r.wf.Snapshot().Session; s != nil {
						data = map[string]any{"session_id": s.SessionID}
					}
				}
				e.journal(r, model.RunEventStepCompleted, step.String(), data, "")
			case finalize.StepCancelled:
				e.journal(r, model.RunEventStepCancelled, step.String(), nil, "")
			}
		},
		OnStepFailed: func(se finalize.StepError) {
			e.journal(r, model.RunEventStepFailed, se.Step.String(), map[string]any{
				"code":      se.Code,
				"retryable": se.Retryable,
			}, se.Message)
		},
	}
}

// journal syncs the run record from the workflow and appends an event.
// Journal failures are logged; they never stop the workflow.
func (e *Engine) journal(r *run, event, step string, data map[string]any, comment string) {
	ctx, cancel := context.WithTimeout(r.base, journalTimeout)
	defer cancel()

	e.sync(r)
	if err := e.appendEvent(ctx, r, event, step, data, comment); err != nil {
		r.logger.Error("workflow: append journal event",
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// sync writes the workflow's current state to the run record.
func (e *Engine) sync(r *run) {
	ctx, cancel := context.WithTimeout(r.base, journalTimeout)
	defer cancel()

	snap := r.wf.Snapshot()
	now := e.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	applySnapshot(&r.rec, snap, now)
	err := e.store.Update(ctx, r.rec)
	if model.HasCode(err, model.ErrConflict) {
		// Another writer got there first; adopt its version and write again.
		if stored, getErr := e.store.Get(ctx, r.tenantID, r.id); getErr == nil {
			r.rec.Version = stored.Version
			err = e.store.Update(ctx, r.rec)
		}
	}
	if err != nil {
		r.logger.Error("workflow: update run record", zap.Error(err))
		return
	}
	r.rec.Version++
}

func (e *Engine) appendEvent(ctx context.Context, r *run, event, step string, data map[string]any, comment string) error {
	r.mu.Lock()
	actor := r.actor
	r.mu.Unlock()

	return e.store.AppendEvent(ctx, model.RunEvent{
		ID:        uuid.New().String(),
		RunID:     r.id,
		Step:      step,
		Event:     event,
		ActorID:   actor,
		Data:      data,
		Comment:   comment,
		Timestamp: e.now(),
	})
}

func (e *Engine) publish(r *run, event string, opts *model.RunOptions) {
	if e.publisher == nil {
		return
	}

	r.mu.Lock()
	payload := LifecycleEvent{
		Event:       event,
		RunID:       r.id,
		TenantID:    r.tenantID,
		PartitionID: r.rec.PartitionID,
		SubjectID:   r.rec.SubjectID,
		DocumentID:  r.rec.DocumentID,
		Options:     opts,
		Timestamp:   e.now(),
	}
	r.mu.Unlock()

	body, err := json.Marshal(payload)
	if err == nil {
		msg := message.NewMessage(uuid.New().String(), body)
		msg.Metadata.Set("event", event)
		msg.Metadata.Set("run_id", r.id)
		msg.Metadata.Set("tenant_id", r.tenantID)
		err = e.publisher.Publish(e.topic, msg)
	}
	e.metrics.RecordEventPublished(event, err)
	if err != nil {
		r.logger.Error("workflow: publish lifecycle event",
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func (e *Engine) describe(ctx context.Context, r *run) (model.RunDescriptor, error) {
	r.mu.Lock()
	rec := cloneRecord(r.rec)
	r.mu.Unlock()

	events, err := e.store.GetEvents(ctx, rec.TenantID, rec.ID)
	if err != nil {
		return model.RunDescriptor{}, err
	}

	snap := r.wf.Snapshot()
	applySnapshot(&rec, snap, rec.UpdatedAt)
	d := buildDescriptor(rec, events)
	d.SignatureAvailable = r.wf.Selection().SignatureAvailable
	if d.CurrentStep != nil {
		d.CurrentStep.PreviewReady = snap.PreviewReady
		if snap.Error != nil {
			d.CurrentStep.Error = &model.StepErrorDescriptor{
				Code:      snap.Error.Code,
				Message:   snap.Error.Message,
				Retryable: snap.Error.Retryable,
			}
			markStep(d.Steps, d.CurrentStep.Kind, model.StepStatusFailed)
		}
	}
	return d, nil
}

func wireOptions(opts finalize.Options) *model.RunOptions {
	return &model.RunOptions{
		CollectSignature: opts.CollectSignature,
		ShowPrintPreview: opts.ShowPrintPreview,
	}
}
