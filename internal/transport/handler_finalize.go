package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/garage/internal/command"
	"github.com/pitabwire/garage/internal/finalize"
	"github.com/pitabwire/garage/internal/observability"
	"github.com/pitabwire/garage/internal/workflow"
	"github.com/pitabwire/garage/model"
)

const idempotencyHeader = "X-Idempotency-Key"

type startRequest struct {
	DocumentID     string `json:"document_id" validate:"required,max=128"`
	ContactAddress string `json:"contact_address" validate:"max=320"`
	CustomerLabel  string `json:"customer_label" validate:"max=200"`
}

type confirmRequest struct {
	CollectSignature bool `json:"collect_signature"`
	ShowPrintPreview bool `json:"show_print_preview"`
}

type settledRequest struct {
	SignedDocumentURL string `json:"signed_document_url" validate:"omitempty,url"`
}

// runAction is an engine command addressed to one run.
type runAction func(ctx context.Context, rctx *model.RequestContext, runID string) (model.RunDescriptor, error)

// execute runs fn through the command executor, honouring the caller's
// idempotency key.
func execute(w http.ResponseWriter, r *http.Request, cmds *command.Executor, cmd command.Command, fn func(context.Context, *model.RequestContext) (any, error)) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}
	cmd.Key = r.Header.Get(idempotencyHeader)

	rec, replayed, err := cmds.Execute(r.Context(), rctx, cmd, func(ctx context.Context) (any, error) {
		return fn(ctx, rctx)
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteRecorded(w, rec, replayed)
}

func handleFinalizationStart(engine *workflow.Engine, cmds *command.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body startRequest
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, err)
			return
		}

		execute(w, r, cmds, command.Command{
			ID:     "finalization.start",
			Input:  body,
			Status: http.StatusCreated,
		}, func(ctx context.Context, rctx *model.RequestContext) (any, error) {
			return engine.Start(ctx, rctx, finalize.StartRequest{
				DocumentID:     body.DocumentID,
				ContactAddress: body.ContactAddress,
				CustomerLabel:  body.CustomerLabel,
			})
		})
	}
}

func handleFinalizationConfirm(engine *workflow.Engine, cmds *command.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")

		var body confirmRequest
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, err)
			return
		}

		execute(w, r, cmds, command.Command{
			ID:    "finalization.confirm",
			Scope: runID,
			Input: body,
		}, func(ctx context.Context, rctx *model.RequestContext) (any, error) {
			return engine.Confirm(ctx, rctx, runID, model.RunOptions{
				CollectSignature: body.CollectSignature,
				ShowPrintPreview: body.ShowPrintPreview,
			})
		})
	}
}

// handleRunAction serves the bodiless run commands (skip, cancel, retry,
// preview close).
func handleRunAction(cmds *command.Executor, id string, action runAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")
		execute(w, r, cmds, command.Command{
			ID:    id,
			Scope: runID,
		}, func(ctx context.Context, rctx *model.RequestContext) (any, error) {
			return action(ctx, rctx, runID)
		})
	}
}

func handleSignatureSettled(engine *workflow.Engine, cmds *command.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")

		var body settledRequest
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		execute(w, r, cmds, command.Command{
			ID:    "finalization.signature_settled",
			Scope: runID,
			Input: body,
		}, func(ctx context.Context, rctx *model.RequestContext) (any, error) {
			return engine.SignatureSettled(ctx, rctx, runID, body.SignedDocumentURL)
		})
	}
}

func handleFinalizationGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		desc, err := engine.Get(r.Context(), rctx, chi.URLParam(r, "runId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

func handleFinalizationList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		q := r.URL.Query()
		filters := workflow.RunFilters{
			Status:     q.Get("status"),
			DocumentID: q.Get("document_id"),
			SubjectID:  q.Get("subject_id"),
			Limit:      queryInt(r, "limit", 0),
			Offset:     queryInt(r, "offset", 0),
		}

		list, err := engine.List(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, list)
	}
}

func handleFinalizationTeardown(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		if err := engine.Teardown(r.Context(), rctx, chi.URLParam(r, "runId")); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handlePreview streams the rendition held by the run's print preview step.
func handlePreview(engine *workflow.Engine, metrics *observability.Metrics, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		runID := chi.URLParam(r, "runId")

		handle, err := engine.Preview(r.Context(), rctx, runID)
		if err != nil {
			WriteError(w, err)
			return
		}
		body, err := handle.Reader()
		if err != nil {
			// Released between lookup and read: the step has moved on.
			WriteError(w, model.NewInvalidPhaseError("the preview is no longer available"))
			return
		}

		w.Header().Set("Content-Type", handle.ContentType())
		w.Header().Set("Content-Length", strconv.Itoa(body.Len()))
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", handle.DocumentID()+".pdf"))
		w.WriteHeader(http.StatusOK)

		n, err := io.Copy(w, body)
		metrics.RecordPreviewServed(int(n))
		if err != nil {
			observability.LoggerFrom(r.Context(), logger).Warn("preview: stream interrupted",
				zap.String("run_id", runID),
				zap.Int64("bytes", n),
				zap.Error(err),
			)
		}
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
