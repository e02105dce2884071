// Package workflow runs finalization workflows on behalf of authenticated
// users: it keeps the live orchestrator runs of every tenant, journals their
// progress, publishes lifecycle events and sweeps idle runs.
package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/garage/model"
)

// RunStore persists run records and their audit trail.
type RunStore interface {
	// Create persists a new run record.
	Create(ctx context.Context, rec model.RunRecord) error

	// Get retrieves a run by ID, scoped to a tenant. Returns RUN_NOT_FOUND if
	// the run doesn't exist or belongs to a different tenant.
	Get(ctx context.Context, tenantID, runID string) (model.RunRecord, error)

	// Update persists a run with optimistic locking. rec.Version must match
	// the stored version; the stored version is then incremented. Returns
	// CONFLICT if the version has changed.
	Update(ctx context.Context, rec model.RunRecord) error

	// AppendEvent adds an event to the run's audit trail.
	AppendEvent(ctx context.Context, event model.RunEvent) error

	// GetEvents retrieves the events of a run in order, scoped to a tenant.
	GetEvents(ctx context.Context, tenantID, runID string) ([]model.RunEvent, error)

	// List returns a page of a tenant's runs, newest first, and the total
	// number of runs matching the filters.
	List(ctx context.Context, tenantID string, filters RunFilters) ([]model.RunRecord, int, error)

	// FindIdle returns non-terminal runs last updated before cutoff.
	FindIdle(ctx context.Context, cutoff time.Time) ([]model.RunRecord, error)

	// DeleteTerminalBefore removes terminal runs closed before cutoff, with
	// their events, and returns how many were removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// RunFilters are optional filters for listing runs.
type RunFilters struct {
	Status     string
	DocumentID string
	SubjectID  string
	Limit      int
	Offset     int
}
