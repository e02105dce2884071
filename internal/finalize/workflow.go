package finalize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/garage/internal/observability"
	"github.com/pitabwire/garage/internal/rendering"
	"github.com/pitabwire/garage/internal/signing"
	"github.com/pitabwire/garage/model"
)

// StepOutcome describes how a step was left.
type StepOutcome string

const (
	StepCompleted StepOutcome = "completed"
	StepCancelled StepOutcome = "cancelled"
	StepClosed    StepOutcome = "closed"
)

// Hooks receive workflow notifications. Every field is optional. Hooks are
// delivered in order, one at a time, outside the workflow lock, and may call
// back into the workflow.
//
// Every run ends in OnCompleted or OnAborted, except a run closed while
// running: teardown fires neither, only OnStepExited with StepClosed.
type Hooks struct {
	OnOptionsConfirmed func(Options)
	OnSkipped          func()
	OnAborted          func()
	// OnCompleted fires once per run that reaches Completed, with the options
	// confirmed at the start of the run.
	OnCompleted func(Options)

	OnStepEntered   func(StepKind)
	OnStepExited    func(StepKind, StepOutcome)
	OnStepFailed    func(StepError)
	OnSessionOpened func(sessionID string)
	OnPreviewReady  func(size int)
}

// StepError is a failure local to the current step. The workflow stays on
// the step until the user retries or cancels forward.
type StepError struct {
	Step      StepKind
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Step, e.Code, e.Message)
}

func (e *StepError) Unwrap() error { return e.Err }

func newStepError(step StepKind, err error) *StepError {
	se := &StepError{Step: step, Code: model.ErrStepFailed, Message: err.Error(), Retryable: true, Err: err}
	if ee, ok := model.AsEnvelope(err); ok {
		se.Code = ee.Code
		se.Message = ee.Message
	}
	return se
}

// SignatureSession tracks the signing session of a run.
type SignatureSession struct {
	SessionID         string
	DocumentID        string
	Status            signing.Status
	SignedDocumentURL string
}

// State is a point-in-time copy of a workflow.
type State struct {
	Phase    Phase
	Options  Options
	Sequence Sequence
	Cursor   int
	// Current is zero outside a step.
	Current      StepKind
	Pending      bool
	PreviewReady bool
	Session      *SignatureSession
	Error        *StepError
	Closed       bool
}

// SelectionInfo describes what the selection screen may offer.
type SelectionInfo struct {
	DocumentID         string
	CustomerLabel      string
	SignatureAvailable bool
}

// Workflow is one finalization run. All methods are safe for concurrent use.
type Workflow struct {
	orch          *Orchestrator
	documentID    string
	contact       string
	customerLabel string
	hooks         Hooks
	base          context.Context
	logger        *zap.Logger

	mu          sync.Mutex
	phase       Phase
	options     Options
	sequence    Sequence
	cursor      int
	current     StepKind
	epoch       uint64
	stepStarted time.Time
	stepCancel  context.CancelFunc
	pending     bool
	session     *SignatureSession
	handle      *rendering.Handle
	stepErr     *StepError
	closed      bool

	outbox   []func()
	draining bool
}

// DocumentID returns the document being finalized.
func (w *Workflow) DocumentID() string { return w.documentID }

// Selection describes the options available to the user.
func (w *Workflow) Selection() SelectionInfo {
	return SelectionInfo{
		DocumentID:         w.documentID,
		CustomerLabel:      w.customerLabel,
		SignatureAvailable: w.contact != "",
	}
}

// Snapshot returns a copy of the current state.
func (w *Workflow) Snapshot() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := State{
		Phase:        w.phase,
		Options:      w.options,
		Sequence:     append(Sequence(nil), w.sequence...),
		Cursor:       w.cursor,
		Current:      w.current,
		Pending:      w.pending,
		PreviewReady: w.handle != nil,
		Closed:       w.closed,
	}
	if w.session != nil {
		sess := *w.session
		s.Session = &sess
	}
	if w.stepErr != nil {
		se := *w.stepErr
		s.Error = &se
	}
	return s
}

// Preview returns the rendition of the current print preview step.
func (w *Workflow) Preview() (*rendering.Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, model.NewRunClosedError()
	}
	if w.current != PrintPreview {
		return nil, model.NewInvalidPhaseError("the run is not showing a print preview")
	}
	if w.handle == nil {
		return nil, model.NewInvalidPhaseError("the rendition is not ready yet")
	}
	return w.handle, nil
}

// Confirm fixes the options, plans the steps and enters the first one. An
// empty plan completes the run immediately.
func (w *Workflow) Confirm(opts Options) error {
	w.mu.Lock()
	if err := w.checkPhase(Selection, "options can only be confirmed during selection"); err != nil {
		w.mu.Unlock()
		return err
	}
	w.options = opts
	w.sequence = Plan(opts, w.contact != "")
	w.phase = Running
	w.logger.Info("finalize: options confirmed",
		zap.Bool("collect_signature", opts.CollectSignature),
		zap.Bool("show_print_preview", opts.ShowPrintPreview),
		zap.Strings("sequence", w.sequence.Strings()),
	)
	if h := w.hooks.OnOptionsConfirmed; h != nil {
		w.enqueue(func() { h(opts) })
	}
	w.advance()
	w.mu.Unlock()

	w.flush()
	return nil
}

// Skip completes the run with no options and no collaborator calls.
func (w *Workflow) Skip() error {
	w.mu.Lock()
	if err := w.checkPhase(Selection, "a run can only be skipped during selection"); err != nil {
		w.mu.Unlock()
		return err
	}
	w.options = Options{}
	w.phase = Completed
	w.logger.Info("finalize: skipped")
	if h := w.hooks.OnSkipped; h != nil {
		w.enqueue(h)
	}
	w.complete()
	w.mu.Unlock()

	w.flush()
	return nil
}

// CancelCurrentStep aborts the run during selection. While running it leaves
// the current step and moves on to the next one; it never aborts a running
// workflow.
func (w *Workflow) CancelCurrentStep() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return model.NewRunClosedError()
	}
	switch w.phase {
	case Selection:
		w.abort()
	case Running:
		w.logger.Info("finalize: step cancelled", zap.Stringer("step", w.current))
		w.exitStep(StepCancelled)
		w.advance()
	default:
		phase := w.phase
		w.mu.Unlock()
		return model.NewInvalidPhaseError(fmt.Sprintf("the run is already %s", phase))
	}
	w.mu.Unlock()

	w.flush()
	return nil
}

// Retry re-issues the side effect of the current step after a retryable
// failure.
func (w *Workflow) Retry() error {
	w.mu.Lock()
	if err := w.checkPhase(Running, "only a running step can be retried"); err != nil {
		w.mu.Unlock()
		return err
	}
	if w.stepErr == nil || !w.stepErr.Retryable {
		w.mu.Unlock()
		return model.NewNothingToRetryError(fmt.Sprintf("step %s has no retryable failure", w.current))
	}
	w.logger.Info("finalize: retrying step", zap.Stringer("step", w.current))
	if w.stepCancel != nil {
		w.stepCancel()
	}
	w.epoch++
	ctx, cancel := context.WithCancel(w.base)
	w.stepCancel = cancel
	w.launch(ctx)
	w.mu.Unlock()

	w.flush()
	return nil
}

// Close tears the run down: the pending call is cancelled and any rendition
// released. Closing during selection counts as an abort. Closing a running
// workflow ends it without a completion notification. Close is idempotent.
func (w *Workflow) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	switch w.phase {
	case Selection:
		w.abort()
	case Running:
		w.exitStep(StepClosed)
	}
	w.closed = true
	w.logger.Debug("finalize: closed", zap.Stringer("phase", w.phase))
	w.mu.Unlock()

	w.flush()
}

// OnSignatureRequested records the session opened for the signature request
// step and moves on to waiting for its status. It reports whether the
// callback applied; stale callbacks are ignored.
func (w *Workflow) OnSignatureRequested(sessionID string) bool {
	w.mu.Lock()
	ok := w.signatureRequested(w.epoch, sessionID)
	w.mu.Unlock()

	w.flush()
	return ok
}

// OnSignatureSettled moves past the signature status step once the session
// completed. It reports whether the callback applied.
func (w *Workflow) OnSignatureSettled(signedDocumentURL string) bool {
	w.mu.Lock()
	ok := w.settle(w.epoch, signing.Update{Status: signing.StatusCompleted, SignedDocumentURL: signedDocumentURL})
	w.mu.Unlock()

	w.flush()
	return ok
}

// OnPrintPreviewClosed releases the rendition and moves past the print
// preview step. It reports whether the callback applied.
func (w *Workflow) OnPrintPreviewClosed() bool {
	w.mu.Lock()
	if !w.inStep(PrintPreview, "preview closed") {
		w.mu.Unlock()
		return false
	}
	w.exitStep(StepCompleted)
	w.advance()
	w.mu.Unlock()

	w.flush()
	return true
}

// Locked helpers below require w.mu.

func (w *Workflow) checkPhase(want Phase, msg string) error {
	if w.closed {
		return model.NewRunClosedError()
	}
	if w.phase != want {
		return model.NewInvalidPhaseError(msg)
	}
	return nil
}

func (w *Workflow) inStep(step StepKind, what string) bool {
	if w.closed || w.phase != Running || w.current != step {
		w.logger.Debug("finalize: ignoring stale callback",
			zap.String("callback", what),
			zap.Stringer("phase", w.phase),
			zap.Stringer("step", w.current),
		)
		return false
	}
	return true
}

func (w *Workflow) abort() {
	w.phase = Aborted
	w.logger.Info("finalize: aborted")
	if h := w.hooks.OnAborted; h != nil {
		w.enqueue(h)
	}
}

func (w *Workflow) complete() {
	opts := w.options
	w.logger.Info("finalize: completed")
	if h := w.hooks.OnCompleted; h != nil {
		w.enqueue(func() { h(opts) })
	}
}

// advance enters the next planned step or completes the run.
func (w *Workflow) advance() {
	if w.cursor >= len(w.sequence) {
		w.phase = Completed
		w.complete()
		return
	}
	step := w.sequence[w.cursor]
	w.cursor++

	w.current = step
	w.epoch++
	w.stepStarted = w.orch.now()
	ctx, cancel := context.WithCancel(w.base)
	w.stepCancel = cancel
	w.orch.metrics.RecordStepEntered(step.String())
	w.logger.Debug("finalize: step entered", zap.Stringer("step", step), zap.Int("cursor", w.cursor))
	if h := w.hooks.OnStepEntered; h != nil {
		w.enqueue(func() { h(step) })
	}
	w.launch(ctx)
}

// exitStep leaves the current step: its call is cancelled, its rendition
// released and its error cleared. Results still in flight become stale.
func (w *Workflow) exitStep(outcome StepOutcome) {
	step := w.current
	if step == 0 {
		return
	}
	if w.stepCancel != nil {
		w.stepCancel()
		w.stepCancel = nil
	}
	if w.handle != nil {
		w.handle.Release()
		w.handle = nil
	}
	w.pending = false
	w.stepErr = nil
	w.current = 0
	w.epoch++

	w.orch.metrics.RecordStepExited(step.String(), string(outcome), w.orch.now().Sub(w.stepStarted))
	if h := w.hooks.OnStepExited; h != nil {
		w.enqueue(func() { h(step, outcome) })
	}
}

// launch schedules the side effect of the current step.
func (w *Workflow) launch(ctx context.Context) {
	epoch := w.epoch
	w.pending = true
	w.stepErr = nil

	var call func()
	switch w.current {
	case SignatureRequest:
		w.session = &SignatureSession{DocumentID: w.documentID}
		call = func() { w.requestSignature(ctx, epoch) }
	case SignatureStatus:
		// A cancelled request leaves no session to watch.
		if w.session == nil || w.session.SessionID == "" {
			w.pending = false
			return
		}
		sessionID := w.session.SessionID
		call = func() { w.watchStatus(ctx, epoch, sessionID) }
	case PrintPreview:
		call = func() { w.fetchRendition(ctx, epoch) }
	default:
		w.pending = false
		return
	}

	w.enqueue(func() {
		if !w.isCurrent(epoch) {
			return
		}
		w.orch.dispatch(call)
	})
}

func (w *Workflow) isCurrent(epoch uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed && w.epoch == epoch
}

func (w *Workflow) stale(epoch uint64, what string) bool {
	if w.closed || w.epoch != epoch {
		w.logger.Debug("finalize: discarding stale result", zap.String("result", what))
		return true
	}
	return false
}

func (w *Workflow) fail(epoch uint64, err error, retryable bool) {
	if w.stale(epoch, "failure") {
		return
	}
	se := newStepError(w.current, err)
	se.Retryable = retryable
	w.stepErr = se
	w.pending = false
	w.orch.metrics.RecordStepFailure(se.Step.String(), se.Code)
	w.logger.Warn("finalize: step failed",
		zap.Stringer("step", se.Step),
		zap.String("code", se.Code),
		zap.Bool("retryable", se.Retryable),
		zap.Error(err),
	)
	if h := w.hooks.OnStepFailed; h != nil {
		copied := *se
		w.enqueue(func() { h(copied) })
	}
}

func (w *Workflow) signatureRequested(epoch uint64, sessionID string) bool {
	if w.stale(epoch, "signature session") || !w.inStep(SignatureRequest, "signature requested") {
		return false
	}
	if sessionID == "" {
		w.logger.Debug("finalize: ignoring empty session id")
		return false
	}
	w.session.SessionID = sessionID
	w.session.Status = signing.StatusPending
	w.logger.Info("finalize: signature session opened", zap.String("session_id", sessionID))
	if h := w.hooks.OnSessionOpened; h != nil {
		w.enqueue(func() { h(sessionID) })
	}
	w.exitStep(StepCompleted)
	w.advance()
	return true
}

// settle applies a terminal status. Completed advances the run; any other
// terminal status leaves a non-retryable error on the step.
func (w *Workflow) settle(epoch uint64, u signing.Update) bool {
	if w.stale(epoch, "signature status") || !w.inStep(SignatureStatus, "signature settled") {
		return false
	}
	w.session.Status = u.Status
	if u.Status != signing.StatusCompleted {
		w.fail(epoch, fmt.Errorf("signature session %s was %s", w.session.SessionID, u.Status), false)
		return true
	}
	w.session.SignedDocumentURL = u.SignedDocumentURL
	w.logger.Info("finalize: signature collected", zap.String("session_id", w.session.SessionID))
	w.exitStep(StepCompleted)
	w.advance()
	return true
}

// Collaborator calls. These run on the dispatcher without w.mu held.

func (w *Workflow) requestSignature(ctx context.Context, epoch uint64) {
	ctx, span := observability.StartSpan(ctx, "finalize.signature_request",
		observability.AttrDocumentID.String(w.documentID),
		observability.AttrStep.String(SignatureRequest.String()),
	)
	sessionID, err := w.orch.signer.RequestSignature(ctx, w.documentID, w.customerLabel)
	observability.EndSpanWithError(span, err)

	w.mu.Lock()
	if err != nil {
		w.fail(epoch, err, true)
	} else {
		w.signatureRequested(epoch, sessionID)
	}
	w.mu.Unlock()
	w.flush()
}

func (w *Workflow) watchStatus(ctx context.Context, epoch uint64, sessionID string) {
	ctx, span := observability.StartSpan(ctx, "finalize.signature_status",
		observability.AttrDocumentID.String(w.documentID),
		observability.AttrSessionID.String(sessionID),
	)
	updates, err := w.orch.signer.SubscribeToSessionStatus(ctx, sessionID)
	if err != nil {
		observability.EndSpanWithError(span, err)
		w.mu.Lock()
		w.fail(epoch, err, true)
		w.mu.Unlock()
		w.flush()
		return
	}
	defer span.End()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				w.mu.Lock()
				w.fail(epoch, errors.New("status feed ended before the session settled"), true)
				w.mu.Unlock()
				w.flush()
				return
			}
			if done := w.applyUpdate(epoch, u); done {
				return
			}
		}
	}
}

// applyUpdate records a status update and reports whether watching is over.
func (w *Workflow) applyUpdate(epoch uint64, u signing.Update) bool {
	w.mu.Lock()
	done := true
	switch {
	case w.stale(epoch, "status update"):
	case !u.Status.IsTerminal():
		w.session.Status = u.Status
		done = false
	default:
		w.settle(epoch, u)
	}
	w.mu.Unlock()
	w.flush()
	return done
}

func (w *Workflow) fetchRendition(ctx context.Context, epoch uint64) {
	ctx, span := observability.StartSpan(ctx, "finalize.print_preview",
		observability.AttrDocumentID.String(w.documentID),
		observability.AttrStep.String(PrintPreview.String()),
	)
	h, err := w.orch.renderer.FetchRenderableBlob(ctx, w.documentID)
	observability.EndSpanWithError(span, err)

	w.mu.Lock()
	switch {
	case err != nil:
		w.fail(epoch, err, true)
	case w.stale(epoch, "rendition"):
		h.Release()
	default:
		w.handle = h
		w.pending = false
		size := h.Size()
		w.logger.Debug("finalize: rendition ready", zap.Int("bytes", size))
		if hook := w.hooks.OnPreviewReady; hook != nil {
			w.enqueue(func() { hook(size) })
		}
	}
	w.mu.Unlock()
	w.flush()
}

func (w *Workflow) enqueue(fn func()) {
	w.outbox = append(w.outbox, fn)
}

// flush runs queued hooks and launches in order. Only one goroutine drains at
// a time; callers that find a drain in progress leave their work to it.
func (w *Workflow) flush() {
	w.mu.Lock()
	if w.draining {
		w.mu.Unlock()
		return
	}
	w.draining = true
	for len(w.outbox) > 0 {
		fn := w.outbox[0]
		w.outbox = w.outbox[1:]
		w.mu.Unlock()
		fn()
		w.mu.Lock()
	}
	w.draining = false
	w.mu.Unlock()
}
