package model

import (
	"context"
	"errors"
)

// RequestContext carries the identity, tenancy and tracing information of an
// authenticated request. It is immutable after construction.
type RequestContext struct {
	SubjectID     string
	TenantID      string
	PartitionID   string
	Token         string
	CorrelationID string
	TraceID       string
}

// Validate checks that the subject and tenant are present. Runs are scoped by
// tenant and journaled by subject, so neither may be empty.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errors.New("SubjectID is required"))
	}
	if rc.TenantID == "" {
		errs = append(errs, errors.New("TenantID is required"))
	}
	return errors.Join(errs...)
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
