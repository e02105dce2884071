package workflow

import (
	"time"

	"github.com/pitabwire/garage/internal/finalize"
	"github.com/pitabwire/garage/model"
)

// runStatus maps a workflow snapshot to a journal status.
func runStatus(s finalize.State) string {
	switch s.Phase {
	case finalize.Completed:
		return model.RunStatusCompleted
	case finalize.Aborted:
		return model.RunStatusAborted
	case finalize.Running:
		if s.Closed {
			return model.RunStatusClosed
		}
		return model.RunStatusRunning
	}
	return model.RunStatusSelection
}

// applySnapshot copies the workflow state into rec.
func applySnapshot(rec *model.RunRecord, s finalize.State, now time.Time) {
	rec.Status = runStatus(s)
	if s.Phase != finalize.Selection {
		rec.Options = wireOptions(s.Options)
	}
	rec.Sequence = s.Sequence.Strings()
	rec.Cursor = s.Cursor
	rec.CurrentStep = ""
	if s.Current != 0 {
		rec.CurrentStep = s.Current.String()
	}
	if s.Session != nil && s.Session.SessionID != "" {
		rec.SessionID = s.Session.SessionID
	}
	rec.UpdatedAt = now
	if rec.Terminal() && rec.ClosedAt == nil {
		closed := now
		rec.ClosedAt = &closed
	}
}

// buildDescriptor resolves a run record and its events into the descriptor
// sent to the front end.
func buildDescriptor(rec model.RunRecord, events []model.RunEvent) model.RunDescriptor {
	d := model.RunDescriptor{
		ID:                 rec.ID,
		DocumentID:         rec.DocumentID,
		Status:             rec.Status,
		SignatureAvailable: rec.HasContact,
		Options:            rec.Options,
		Steps:              summarizeSteps(rec.Sequence, events),
		CreatedAt:          rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          rec.UpdatedAt.Format(time.RFC3339),
	}
	if d.Steps == nil {
		d.Steps = []model.StepSummary{}
	}
	if rec.CurrentStep != "" && rec.Status == model.RunStatusRunning {
		d.CurrentStep = &model.RunStepDescriptor{Kind: rec.CurrentStep}
		if rec.CurrentStep == finalize.SignatureStatus.String() {
			d.CurrentStep.SessionID = rec.SessionID
		}
		markStep(d.Steps, rec.CurrentStep, model.StepStatusActive)
	}

	d.History = make([]model.HistoryEntry, 0, len(events))
	for _, evt := range events {
		d.History = append(d.History, model.HistoryEntry{
			Step:      evt.Step,
			Event:     evt.Event,
			Actor:     evt.ActorID,
			Timestamp: evt.Timestamp.Format(time.RFC3339),
			Comment:   evt.Comment,
		})
	}
	return d
}

// summarizeSteps derives the status of each planned step from the journal.
func summarizeSteps(sequence []string, events []model.RunEvent) []model.StepSummary {
	status := make(map[string]string, len(sequence))
	for _, evt := range events {
		if evt.Step == "" {
			continue
		}
		switch evt.Event {
		case model.RunEventStepEntered:
			status[evt.Step] = model.StepStatusActive
		case model.RunEventStepCompleted:
			status[evt.Step] = model.StepStatusCompleted
		case model.RunEventStepCancelled:
			status[evt.Step] = model.StepStatusCancelled
		case model.RunEventStepFailed:
			status[evt.Step] = model.StepStatusFailed
		}
	}

	steps := make([]model.StepSummary, 0, len(sequence))
	for _, kind := range sequence {
		st := status[kind]
		if st == "" {
			st = model.StepStatusPending
		}
		steps = append(steps, model.StepSummary{Kind: kind, Status: st})
	}
	return steps
}

func markStep(steps []model.StepSummary, kind, status string) {
	for i := range steps {
		if steps[i].Kind == kind {
			steps[i].Status = status
		}
	}
}
