// Package command runs UI commands against the finalization engine with
// idempotency-key deduplication.
package command

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/garage/internal/observability"
	"github.com/pitabwire/garage/model"
)

const (
	defaultTTL = 24 * time.Hour
	// claimTTL bounds how long a crashed command keeps its key locked.
	claimTTL = 5 * time.Minute
)

// Command identifies one invocation of a UI command.
type Command struct {
	// ID names the command, e.g. "finalization.confirm".
	ID string
	// Scope narrows the command to a resource, usually a run id.
	Scope string
	// Key is the caller-supplied idempotency key. Empty disables deduplication.
	Key string
	// Input is hashed to detect key reuse with a different payload.
	Input any
	// Status is the HTTP status recorded for a successful result.
	Status int
}

// Executor runs commands once per idempotency key.
type Executor struct {
	store   IdempotencyStore
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
}

// ExecutorOption configures optional dependencies.
type ExecutorOption func(*Executor)

// WithTTL sets how long recorded results are kept.
func WithTTL(ttl time.Duration) ExecutorOption {
	return func(e *Executor) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// WithMetrics records replays and conflicts on m.
func WithMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an Executor. A nil store disables deduplication.
func NewExecutor(store IdempotencyStore, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:  store,
		ttl:    defaultTTL,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs fn unless a result for the same key and input was already
// recorded, in which case the recorded result is returned with replayed set.
// The key is claimed before fn runs, so a concurrent duplicate gets a
// CONFLICT instead of running fn again. Only successful results are recorded.
func (e *Executor) Execute(
	ctx context.Context,
	rctx *model.RequestContext,
	cmd Command,
	fn func(ctx context.Context) (any, error),
) (result Recorded, replayed bool, err error) {
	status := cmd.Status
	if status == 0 {
		status = http.StatusOK
	}

	if e.store == nil || cmd.Key == "" {
		return e.run(ctx, status, fn)
	}

	logger := observability.LoggerFrom(ctx, e.logger)
	key := FormatIdempotencyKey(rctx.TenantID, commandName(cmd), cmd.Key)
	hash := hashInput(cmd.Input)

	cached, found, err := e.store.Check(ctx, key, hash)
	if err != nil {
		if model.HasCode(err, model.ErrConflict) {
			e.metrics.RecordIdempotencyConflict()
			return Recorded{}, false, err
		}
		// A store outage must not block the command.
		logger.Warn("command: idempotency check failed", zap.String("command", cmd.ID), zap.Error(err))
	}
	if found && cached != nil {
		e.metrics.RecordIdempotencyHit()
		logger.Debug("command: replaying recorded result", zap.String("command", cmd.ID))
		return *cached, true, nil
	}

	reserved, err := e.store.Reserve(ctx, key, hash, claimTTL)
	switch {
	case err != nil:
		logger.Warn("command: idempotency claim failed", zap.String("command", cmd.ID), zap.Error(err))
	case !reserved:
		return e.lost(ctx, logger, cmd, key, hash)
	}

	result, _, err = e.run(ctx, status, fn)
	if err != nil {
		if reserved {
			if relErr := e.store.Release(ctx, key); relErr != nil {
				logger.Warn("command: release idempotency claim", zap.String("command", cmd.ID), zap.Error(relErr))
			}
		}
		return Recorded{}, false, err
	}
	if storeErr := e.store.Store(ctx, key, hash, result, e.ttl); storeErr != nil {
		logger.Warn("command: record result", zap.String("command", cmd.ID), zap.Error(storeErr))
	}
	return result, false, nil
}

// lost handles a key claimed by another caller between Check and Reserve.
func (e *Executor) lost(ctx context.Context, logger *zap.Logger, cmd Command, key, hash string) (Recorded, bool, error) {
	cached, found, err := e.store.Check(ctx, key, hash)
	if found && cached != nil && err == nil {
		e.metrics.RecordIdempotencyHit()
		return *cached, true, nil
	}
	e.metrics.RecordIdempotencyConflict()
	if !model.HasCode(err, model.ErrConflict) {
		err = inProgressError(key)
	}
	logger.Debug("command: duplicate rejected", zap.String("command", cmd.ID), zap.Error(err))
	return Recorded{}, false, err
}

func (e *Executor) run(ctx context.Context, status int, fn func(context.Context) (any, error)) (Recorded, bool, error) {
	out, err := fn(ctx)
	if err != nil {
		return Recorded{}, false, err
	}
	body, err := json.Marshal(out)
	if err != nil {
		return Recorded{}, false, fmt.Errorf("marshal command result: %w", err)
	}
	return Recorded{Status: status, Body: body}, false, nil
}

func commandName(cmd Command) string {
	if cmd.Scope == "" {
		return cmd.ID
	}
	return cmd.ID + ":" + cmd.Scope
}

// hashInput produces a deterministic hash of a command input for idempotency
// comparison.
func hashInput(input any) string {
	data, _ := json.Marshal(input)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
