// Package idempotency guards mutating entry points with an
// exactly-once-effect guarantee: the first request under a key executes
// and its response is stored; repeats replay the stored response and
// concurrent racers are rejected while the first is in flight.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("messenger-idempotency")

// StoredResult is the replayable outcome of the first successful
// execution under a key.
type StoredResult struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers"`
	Body    []byte      `json:"body"`
}

// Store persists idempotency state in Redis. The lock acquisition is the
// one place in the system needing a genuinely atomic cross-process
// primitive; SET NX provides it.
type Store struct {
	client    *redis.Client
	lockTTL   time.Duration
	resultTTL time.Duration
}

// NewStore creates a Store.
func NewStore(client *redis.Client, lockTTL, resultTTL time.Duration) *Store {
	return &Store{
		client:    client,
		lockTTL:   lockTTL,
		resultTTL: resultTTL,
	}
}

// ScopeKey derives the storage key for a request scope. The caller token
// is scoped by method, route and acting identity so the same token on a
// different operation is a different key.
func ScopeKey(method, route, actor, token string) string {
	sum := sha256.Sum256([]byte(method + "|" + route + "|" + actor + "|" + token))
	return hex.EncodeToString(sum[:])
}

func lockKey(scope string) string   { return "idem:lock:" + scope }
func resultKey(scope string) string { return "idem:result:" + scope }

// GetResult returns the stored result for a scope, or nil when none
// exists.
func (s *Store) GetResult(ctx context.Context, scope string) (*StoredResult, error) {
	ctx, span := tracer.Start(ctx, "idempotency.get_result",
		trace.WithAttributes(attribute.String("scope", scope)),
	)
	defer span.End()

	data, err := s.client.Get(ctx, resultKey(scope)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get stored result: %w", err)
	}

	var result StoredResult
	if err := json.Unmarshal(data, &result); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to decode stored result: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &result, nil
}

// AcquireLock attempts the exclusive TTL-bounded lock for a scope and
// reports whether it was acquired.
func (s *Store) AcquireLock(ctx context.Context, scope string) (bool, error) {
	ctx, span := tracer.Start(ctx, "idempotency.acquire_lock",
		trace.WithAttributes(attribute.String("scope", scope)),
	)
	defer span.End()

	ok, err := s.client.SetNX(ctx, lockKey(scope), "1", s.lockTTL).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	span.SetAttributes(attribute.Bool("acquired", ok))
	return ok, nil
}

// ReleaseLock drops the lock without storing a result, permitting a
// future retry with the same key.
func (s *Store) ReleaseLock(ctx context.Context, scope string) error {
	if err := s.client.Del(ctx, lockKey(scope)).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// StoreResult persists the replayable result and releases the lock.
func (s *Store) StoreResult(ctx context.Context, scope string, result *StoredResult) error {
	ctx, span := tracer.Start(ctx, "idempotency.store_result",
		trace.WithAttributes(
			attribute.String("scope", scope),
			attribute.Int("status", result.Status),
		),
	)
	defer span.End()

	data, err := json.Marshal(result)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := s.client.Set(ctx, resultKey(scope), data, s.resultTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to store result: %w", err)
	}
	return s.ReleaseLock(ctx, scope)
}
