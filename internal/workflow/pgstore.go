package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/garage/model"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS finalization_runs (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	partition_id   TEXT NOT NULL DEFAULT '',
	subject_id     TEXT NOT NULL,
	document_id    TEXT NOT NULL,
	customer_label TEXT NOT NULL DEFAULT '',
	has_contact    BOOLEAN NOT NULL DEFAULT FALSE,
	status         TEXT NOT NULL,
	options        JSONB,
	sequence       TEXT[] NOT NULL DEFAULT '{}',
	cursor_pos     INTEGER NOT NULL DEFAULT 0,
	current_step   TEXT NOT NULL DEFAULT '',
	session_id     TEXT NOT NULL DEFAULT '',
	version        INTEGER NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	closed_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS finalization_runs_tenant_created_idx
	ON finalization_runs (tenant_id, created_at DESC);
CREATE TABLE IF NOT EXISTS finalization_run_events (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES finalization_runs (id) ON DELETE CASCADE,
	step       TEXT NOT NULL DEFAULT '',
	event      TEXT NOT NULL,
	actor_id   TEXT NOT NULL DEFAULT '',
	data       JSONB,
	comment    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS finalization_run_events_run_idx
	ON finalization_run_events (run_id, created_at);
`

const runColumns = `id, tenant_id, partition_id, subject_id, document_id, customer_label,
	has_contact, status, options, sequence, cursor_pos, current_step, session_id,
	version, created_at, updated_at, closed_at`

// PgRunStore is a PostgreSQL-backed RunStore using pgx/v5.
type PgRunStore struct {
	pool *pgxpool.Pool
}

// NewPgRunStore creates a new PostgreSQL run store.
func NewPgRunStore(pool *pgxpool.Pool) *PgRunStore {
	return &PgRunStore{pool: pool}
}

// EnsureSchema creates the journal tables if they do not exist.
func (s *PgRunStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("create journal schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgRunStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new run.
func (s *PgRunStore) Create(ctx context.Context, rec model.RunRecord) error {
	optsJSON, err := marshalOptions(rec.Options)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO finalization_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rec.ID, rec.TenantID, rec.PartitionID, rec.SubjectID, rec.DocumentID, rec.CustomerLabel,
		rec.HasContact, rec.Status, optsJSON, sequenceOrEmpty(rec.Sequence), rec.Cursor, rec.CurrentStep, rec.SessionID,
		rec.Version, rec.CreatedAt, rec.UpdatedAt, rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("insert finalization run: %w", err)
	}
	return nil
}

// Get retrieves a run by ID, scoped to tenant.
func (s *PgRunStore) Get(ctx context.Context, tenantID, runID string) (model.RunRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM finalization_runs
		WHERE id = $1 AND tenant_id = $2`,
		runID, tenantID,
	)
	rec, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RunRecord{}, model.NewRunNotFoundError(runID)
	}
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("query finalization run: %w", err)
	}
	return rec, nil
}

// Update persists an updated run with optimistic locking.
func (s *PgRunStore) Update(ctx context.Context, rec model.RunRecord) error {
	optsJSON, err := marshalOptions(rec.Options)
	if err != nil {
		return err
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE finalization_runs SET
			status = $1,
			options = $2,
			sequence = $3,
			cursor_pos = $4,
			current_step = $5,
			session_id = $6,
			version = $7,
			updated_at = $8,
			closed_at = $9
		WHERE id = $10 AND version = $11`,
		rec.Status, optsJSON, sequenceOrEmpty(rec.Sequence), rec.Cursor, rec.CurrentStep, rec.SessionID,
		rec.Version+1, updatedAt, rec.ClosedAt,
		rec.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update finalization run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("finalization run %q version conflict (expected %d)", rec.ID, rec.Version),
		)
	}
	return nil
}

// AppendEvent adds an event to the run's audit trail.
func (s *PgRunStore) AppendEvent(ctx context.Context, event model.RunEvent) error {
	var dataJSON []byte
	if event.Data != nil {
		var err error
		dataJSON, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO finalization_run_events (
			id, run_id, step, event, actor_id, data, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.RunID, event.Step, event.Event,
		event.ActorID, dataJSON, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert finalization run event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events of a run.
func (s *PgRunStore) GetEvents(ctx context.Context, tenantID, runID string) ([]model.RunEvent, error) {
	if _, err := s.Get(ctx, tenantID, runID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, step, event, actor_id, data, comment, created_at
		FROM finalization_run_events
		WHERE run_id = $1
		ORDER BY created_at ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query finalization run events: %w", err)
	}
	defer rows.Close()

	var events []model.RunEvent
	for rows.Next() {
		var evt model.RunEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.RunID, &evt.Step, &evt.Event,
			&evt.ActorID, &dataJSON, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan finalization run event: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// List returns a page of a tenant's runs, newest first.
func (s *PgRunStore) List(ctx context.Context, tenantID string, filters RunFilters) ([]model.RunRecord, int, error) {
	where := " WHERE tenant_id = $1"
	args := []any{tenantID}

	if filters.Status != "" {
		args = append(args, filters.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.DocumentID != "" {
		args = append(args, filters.DocumentID)
		where += fmt.Sprintf(" AND document_id = $%d", len(args))
	}
	if filters.SubjectID != "" {
		args = append(args, filters.SubjectID)
		where += fmt.Sprintf(" AND subject_id = $%d", len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM finalization_runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count finalization runs: %w", err)
	}

	query := "SELECT " + runColumns + " FROM finalization_runs" + where + " ORDER BY created_at DESC, id ASC"
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	recs, err := s.queryRuns(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// FindIdle returns non-terminal runs last updated before cutoff.
func (s *PgRunStore) FindIdle(ctx context.Context, cutoff time.Time) ([]model.RunRecord, error) {
	return s.queryRuns(ctx, `
		SELECT `+runColumns+`
		FROM finalization_runs
		WHERE status IN ('selection', 'running') AND updated_at < $1
		ORDER BY updated_at ASC`,
		cutoff,
	)
}

// DeleteTerminalBefore removes terminal runs closed before cutoff. Events
// go with them through the foreign key cascade.
func (s *PgRunStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM finalization_runs
		WHERE status IN ('completed', 'aborted', 'closed')
		AND closed_at IS NOT NULL AND closed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete finalization runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PgRunStore) queryRuns(ctx context.Context, query string, args ...any) ([]model.RunRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query finalization runs: %w", err)
	}
	defer rows.Close()

	var recs []model.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan finalization run: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanRun(row pgx.Row) (model.RunRecord, error) {
	var rec model.RunRecord
	var optsJSON []byte
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.PartitionID, &rec.SubjectID, &rec.DocumentID, &rec.CustomerLabel,
		&rec.HasContact, &rec.Status, &optsJSON, &rec.Sequence, &rec.Cursor, &rec.CurrentStep, &rec.SessionID,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt, &rec.ClosedAt,
	)
	if err != nil {
		return model.RunRecord{}, err
	}
	if optsJSON != nil {
		var opts model.RunOptions
		if err := json.Unmarshal(optsJSON, &opts); err != nil {
			return model.RunRecord{}, fmt.Errorf("unmarshal options: %w", err)
		}
		rec.Options = &opts
	}
	return rec, nil
}

func marshalOptions(opts *model.RunOptions) ([]byte, error) {
	if opts == nil {
		return nil, nil
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}
	return b, nil
}

func sequenceOrEmpty(seq []string) []string {
	if seq == nil {
		return []string{}
	}
	return seq
}
