package model

import "time"

// Finalization run status constants. The first four mirror the orchestrator
// phases; RunStatusClosed marks a run torn down before it reached a terminal
// phase.
const (
	RunStatusSelection = "selection"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusAborted   = "aborted"
	RunStatusClosed    = "closed"
)

// Step status constants used in run descriptors.
const (
	StepStatusPending   = "pending"
	StepStatusActive    = "active"
	StepStatusCompleted = "completed"
	StepStatusCancelled = "cancelled"
	StepStatusFailed    = "failed"
)

// Journal event names recorded for a finalization run.
const (
	RunEventStarted          = "run_started"
	RunEventOptionsConfirmed = "options_confirmed"
	RunEventSkipped          = "skipped"
	RunEventStepEntered      = "step_entered"
	RunEventStepCompleted    = "step_completed"
	RunEventStepCancelled    = "step_cancelled"
	RunEventStepFailed       = "step_failed"
	RunEventCompleted        = "run_completed"
	RunEventAborted          = "run_aborted"
	RunEventClosed           = "run_closed"
)

// RunOptions is the wire form of the follow-up actions a user selected.
type RunOptions struct {
	CollectSignature bool `json:"collect_signature"`
	ShowPrintPreview bool `json:"show_print_preview"`
}

// RunRecord is the persisted journal row for one finalization run.
type RunRecord struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id"`
	PartitionID   string      `json:"partition_id"`
	SubjectID     string      `json:"subject_id"`
	DocumentID    string      `json:"document_id"`
	CustomerLabel string      `json:"customer_label,omitempty"`
	HasContact    bool        `json:"has_contact"`
	Status        string      `json:"status"`
	Options       *RunOptions `json:"options,omitempty"`
	Sequence      []string    `json:"sequence,omitempty"`
	Cursor        int         `json:"cursor"`
	CurrentStep   string      `json:"current_step,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	ClosedAt      *time.Time  `json:"closed_at,omitempty"`
	Version       int         `json:"version"`
}

// Terminal reports whether the run can no longer change phase.
func (r *RunRecord) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusAborted, RunStatusClosed:
		return true
	}
	return false
}

// RunEvent records an entry in a run's audit trail.
type RunEvent struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Step      string         `json:"step,omitempty"`
	Event     string         `json:"event"`
	ActorID   string         `json:"actor_id"`
	Data      map[string]any `json:"data,omitempty"`
	Comment   string         `json:"comment,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RunDescriptor is the resolved finalization run sent to the frontend.
type RunDescriptor struct {
	ID                 string             `json:"id"`
	DocumentID         string             `json:"document_id"`
	Status             string             `json:"status"`
	SignatureAvailable bool               `json:"signature_available"`
	Options            *RunOptions        `json:"options,omitempty"`
	CurrentStep        *RunStepDescriptor `json:"current_step,omitempty"`
	Steps              []StepSummary      `json:"steps"`
	History            []HistoryEntry     `json:"history,omitempty"`
	CreatedAt          string             `json:"created_at"`
	UpdatedAt          string             `json:"updated_at"`
}

// RunStepDescriptor describes the step the run is currently suspended on.
type RunStepDescriptor struct {
	Kind         string               `json:"kind"`
	SessionID    string               `json:"session_id,omitempty"`
	PreviewReady bool                 `json:"preview_ready,omitempty"`
	Error        *StepErrorDescriptor `json:"error,omitempty"`
}

// StepErrorDescriptor is a step-local failure with its retry affordance.
type StepErrorDescriptor struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// StepSummary is a summary of a planned step shown in the progress indicator.
type StepSummary struct {
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

// HistoryEntry is an audit trail entry for a run.
type HistoryEntry struct {
	Step      string `json:"step,omitempty"`
	Event     string `json:"event"`
	Actor     string `json:"actor"`
	Timestamp string `json:"timestamp"`
	Comment   string `json:"comment,omitempty"`
}

// RunSummary is a lightweight representation of a run used in list views.
type RunSummary struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Status      string    `json:"status"`
	CurrentStep string    `json:"current_step,omitempty"`
	SubjectID   string    `json:"subject_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RunList is the response body of the run listing endpoint.
type RunList struct {
	Items      []RunSummary `json:"items"`
	TotalCount int          `json:"total_count"`
}
