package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/garage/model"
)

// MemoryRunStore is an in-memory RunStore.
type MemoryRunStore struct {
	mu     sync.RWMutex
	runs   map[string]model.RunRecord // key: run ID
	events map[string][]model.RunEvent
	now    func() time.Time
}

// NewMemoryRunStore creates a new in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:   make(map[string]model.RunRecord),
		events: make(map[string][]model.RunEvent),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new run record.
func (s *MemoryRunStore) Create(_ context.Context, rec model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[rec.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("finalization run %q already exists", rec.ID))
	}
	s.runs[rec.ID] = cloneRecord(rec)
	return nil
}

// Get retrieves a run by ID, scoped to tenant.
func (s *MemoryRunStore) Get(_ context.Context, tenantID, runID string) (model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.runs[runID]
	if !exists || rec.TenantID != tenantID {
		return model.RunRecord{}, model.NewRunNotFoundError(runID)
	}
	return cloneRecord(rec), nil
}

// Update persists an updated run with optimistic locking.
func (s *MemoryRunStore) Update(_ context.Context, rec model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.runs[rec.ID]
	if !exists {
		return model.NewRunNotFoundError(rec.ID)
	}
	if existing.Version != rec.Version {
		return model.NewConflictError(
			fmt.Sprintf("finalization run %q version conflict (expected %d, got %d)", rec.ID, rec.Version, existing.Version),
		)
	}

	rec.Version++
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	s.runs[rec.ID] = cloneRecord(rec)
	return nil
}

// AppendEvent adds an event to the run's audit trail.
func (s *MemoryRunStore) AppendEvent(_ context.Context, event model.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[event.RunID]; !exists {
		return model.NewRunNotFoundError(event.RunID)
	}
	s.events[event.RunID] = append(s.events[event.RunID], event)
	return nil
}

// GetEvents retrieves the events of a run in insertion order.
func (s *MemoryRunStore) GetEvents(_ context.Context, tenantID, runID string) ([]model.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.runs[runID]
	if !exists || rec.TenantID != tenantID {
		return nil, model.NewRunNotFoundError(runID)
	}

	events := s.events[runID]
	result := make([]model.RunEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// List returns a tenant's runs, newest first.
func (s *MemoryRunStore) List(_ context.Context, tenantID string, filters RunFilters) ([]model.RunRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.RunRecord
	for _, rec := range s.runs {
		if rec.TenantID != tenantID {
			continue
		}
		if filters.Status != "" && rec.Status != filters.Status {
			continue
		}
		if filters.DocumentID != "" && rec.DocumentID != filters.DocumentID {
			continue
		}
		if filters.SubjectID != "" && rec.SubjectID != filters.SubjectID {
			continue
		}
		result = append(result, cloneRecord(rec))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	total := len(result)

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.RunRecord{}, total, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, total, nil
}

// FindIdle returns non-terminal runs last updated before cutoff, oldest first.
func (s *MemoryRunStore) FindIdle(_ context.Context, cutoff time.Time) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.RunRecord
	for _, rec := range s.runs {
		if rec.Terminal() || !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		result = append(result, cloneRecord(rec))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	return result, nil
}

// DeleteTerminalBefore removes terminal runs closed before cutoff.
func (s *MemoryRunStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.runs {
		if !rec.Terminal() || rec.ClosedAt == nil || !rec.ClosedAt.Before(cutoff) {
			continue
		}
		delete(s.runs, id)
		delete(s.events, id)
		removed++
	}
	return removed, nil
}

// HealthCheck always succeeds.
func (s *MemoryRunStore) HealthCheck(context.Context) error { return nil }

// Len returns the total number of runs. For testing.
func (s *MemoryRunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

func cloneRecord(rec model.RunRecord) model.RunRecord {
	if rec.Options != nil {
		opts := *rec.Options
		rec.Options = &opts
	}
	if rec.Sequence != nil {
		rec.Sequence = append([]string(nil), rec.Sequence...)
	}
	if rec.ClosedAt != nil {
		t := *rec.ClosedAt
		rec.ClosedAt = &t
	}
	return rec
}
