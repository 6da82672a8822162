package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mxtoai/mailengine/internal/core"
	"github.com/redis/go-redis/v9"
)

// idempotencyTTL is the duplicate-detection window. Days, not minutes: long
// enough to absorb provider retries, short enough to bound storage.
const idempotencyTTL = 7 * 24 * time.Hour

// IdempotencyRepo tracks fingerprint states in Redis.
type IdempotencyRepo struct {
	client redis.UniversalClient
}

// NewIdempotencyRepo creates an IdempotencyRepo with the given Redis client.
func NewIdempotencyRepo(client redis.UniversalClient) *IdempotencyRepo {
	return &IdempotencyRepo{client: client}
}

func idempotencyKey(messageID string) string {
	return "idem:" + messageID
}

// MarkQueued atomically records absent -> queued and returns the prior state.
// SET NX with TTL keeps the transition race-free across ingress workers.
func (r *IdempotencyRepo) MarkQueued(ctx context.Context, messageID string) (core.FingerprintState, error) {
	if messageID == "" {
		return core.FingerprintAbsent, errors.New("message id is required")
	}

	key := idempotencyKey(messageID)
	set, err := r.client.SetNX(ctx, key, string(core.FingerprintQueued), idempotencyTTL).Result()
	if err != nil {
		return core.FingerprintAbsent, fmt.Errorf("mark queued: %w", err)
	}
	if set {
		return core.FingerprintAbsent, nil
	}

	prior, err := r.State(ctx, messageID)
	if err != nil {
		return core.FingerprintAbsent, err
	}
	if prior == core.FingerprintAbsent {
		// The key expired between SETNX and GET; treat as freshly queued.
		if setErr := r.client.Set(ctx, key, string(core.FingerprintQueued), idempotencyTTL).Err(); setErr != nil {
			return core.FingerprintAbsent, fmt.Errorf("mark queued after expiry: %w", setErr)
		}
		return core.FingerprintAbsent, nil
	}
	return prior, nil
}

// MarkProcessed records queued -> processed, preserving the remaining window.
func (r *IdempotencyRepo) MarkProcessed(ctx context.Context, messageID string) error {
	if messageID == "" {
		return errors.New("message id is required")
	}
	err := r.client.Set(ctx, idempotencyKey(messageID), string(core.FingerprintProcessed), idempotencyTTL).Err()
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// State reads the current fingerprint state.
func (r *IdempotencyRepo) State(ctx context.Context, messageID string) (core.FingerprintState, error) {
	val, err := r.client.Get(ctx, idempotencyKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return core.FingerprintAbsent, nil
	}
	if err != nil {
		return core.FingerprintAbsent, fmt.Errorf("read fingerprint state: %w", err)
	}
	switch core.FingerprintState(val) {
	case core.FingerprintQueued, core.FingerprintProcessed:
		return core.FingerprintState(val), nil
	default:
		return core.FingerprintAbsent, fmt.Errorf("unexpected fingerprint state %q", val)
	}
}
