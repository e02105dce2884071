package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/garage/model"
)

// Recorded is the stored outcome of a UI command, replayed verbatim when the
// same idempotency key is presented again.
type Recorded struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// IdempotencyStore provides deduplication for UI commands.
// Keys are built with FormatIdempotencyKey.
type IdempotencyStore interface {
	// Check looks up a previous result by key. If the key exists and the
	// input hash matches, it returns the recorded result. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, inputHash string) (result *Recorded, found bool, err error)

	// Reserve atomically claims an unused key for a command about to run.
	// It reports false when the key is already claimed or recorded.
	Reserve(ctx context.Context, key string, inputHash string, ttl time.Duration) (bool, error)

	// Release drops a claim whose command failed, so the key can be reused.
	Release(ctx context.Context, key string) error

	// Store saves a command result keyed by the idempotency key with a TTL.
	// It replaces the claim taken by Reserve.
	Store(ctx context.Context, key string, inputHash string, result Recorded, ttl time.Duration) error

	// HealthCheck reports whether the store is reachable.
	HealthCheck(ctx context.Context) error
}

// idempotencyEntry is the stored value for an idempotency key.
type idempotencyEntry struct {
	InputHash string   `json:"input_hash"`
	Pending   bool     `json:"pending,omitempty"`
	Result    Recorded `json:"result"`
}

func conflictError(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

func inProgressError(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("command for idempotency key %q is still in progress", key),
	)
}

// resolve turns a stored entry into the Check result.
func (e idempotencyEntry) resolve(key, inputHash string) (*Recorded, bool, error) {
	if e.InputHash != inputHash {
		return nil, true, conflictError(key)
	}
	if e.Pending {
		return nil, true, inProgressError(key)
	}
	result := e.Result
	result.Body = append(json.RawMessage(nil), result.Body...)
	return &result, true, nil
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a recorded result. Returns a conflict error if the input
// hash differs.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string, inputHash string) (*Recorded, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	return entry.data.resolve(key, inputHash)
}

// Reserve claims key unless a live entry already holds it.
func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key string, inputHash string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, exists := s.entries[key]; exists && !now.After(entry.expiresAt) {
		return false, nil
	}
	s.entries[key] = &memEntry{
		data:      idempotencyEntry{InputHash: inputHash, Pending: true},
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

// Release removes a pending claim. Recorded results are kept.
func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, exists := s.entries[key]; exists && entry.data.Pending {
		delete(s.entries, key)
	}
	return nil
}

// Store saves a result with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key string, inputHash string, result Recorded, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result.Body = append(json.RawMessage(nil), result.Body...)
	s.entries[key] = &memEntry{
		data: idempotencyEntry{
			InputHash: inputHash,
			Result:    result,
		},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore is a Redis-backed IdempotencyStore with TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a recorded result in Redis. Returns a conflict error if the
// input hash differs.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string, inputHash string) (*Recorded, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	return entry.resolve(key, inputHash)
}

// Reserve claims key with SET NX so concurrent instances run a command once.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string, inputHash string, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Pending: true})
	if err != nil {
		return false, fmt.Errorf("marshal idempotency claim: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Release deletes the claim on key.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Store saves a result in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key string, inputHash string, result Recorded, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{
		InputHash: inputHash,
		Result:    result,
	})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// FormatIdempotencyKey builds the standard idempotency key. Keys are scoped
// to a tenant so two tenants can never replay each other's results.
func FormatIdempotencyKey(tenantID, commandID, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", tenantID, commandID, key)
}
