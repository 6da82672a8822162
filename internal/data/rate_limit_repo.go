package data

import (
	"context"
	"fmt"
	"time"

	"github.com/mxtoai/mailengine/internal/core"
	"github.com/redis/go-redis/v9"
)

// Fixed-window counter increments are done in a Lua script so increment,
// expiry, and limit comparison happen atomically per key. The counter is
// always incremented before the limit check: a rejected attempt still
// consumes quota (bucket-capacity semantics).
const counterSweepScript = `
local failed = 0
for i = 1, #KEYS do
    local limit = tonumber(ARGV[2 * i - 1])
    local ttl = tonumber(ARGV[2 * i])
    local value = redis.call("INCR", KEYS[i])
    if value == 1 then
        redis.call("EXPIRE", KEYS[i], ttl)
    end
    if failed == 0 and value > limit then
        failed = i
    end
end
return failed
`

// RateLimitRepo executes atomic counter sweeps against Redis.
type RateLimitRepo struct {
	client redis.UniversalClient
	script *redis.Script
}

// NewRateLimitRepo creates a RateLimitRepo with a pre-compiled Lua script.
func NewRateLimitRepo(client redis.UniversalClient) *RateLimitRepo {
	return &RateLimitRepo{
		client: client,
		script: redis.NewScript(counterSweepScript),
	}
}

// IncrementAll increments every counter atomically and returns the 1-based
// index of the first counter whose post-increment value exceeded its limit,
// or 0 when all counters are within bounds. Counters are never decremented
// on rejection.
func (r *RateLimitRepo) IncrementAll(ctx context.Context, counters []core.RateLimitCounter) (int, error) {
	if len(counters) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(counters))
	args := make([]any, 0, 2*len(counters))
	for _, c := range counters {
		keys = append(keys, c.Key)
		ttl := int64(c.TTL / time.Second)
		if ttl < 1 {
			ttl = 1
		}
		args = append(args, c.Limit, ttl)
	}

	result, err := r.script.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("rate limit sweep: %w", err)
	}
	return result, nil
}

// CounterValue reads the current value of one counter, for observability and
// tests. A missing key reads as zero.
func (r *RateLimitRepo) CounterValue(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	return val, nil
}
