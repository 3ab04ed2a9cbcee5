package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	relayerrors "github.com/baechuer/relay/errors"
)

// RedisLimiter is a distributed per-key limiter, grounded directly in the
// teacher's app/ratelimit.RateLimiter.Check: INCR the window key, set its
// expiration on first use, fail-open if Redis itself is unavailable (same
// trade-off the teacher makes for its per-email/per-IP limiters).
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "relay:ratelimit:"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

// Check returns RateLimitExceeded once key has been seen more than
// maxRequests times inside window; like the teacher's limiter it fails
// open (returns nil) if the Redis client is nil or the call errors, since a
// down rate-limit store must not block message flow entirely.
func (rl *RedisLimiter) Check(ctx context.Context, key string, maxRequests int64, window time.Duration) error {
	if rl.client == nil {
		return nil
	}

	fullKey := rl.prefix + key
	count, err := rl.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return nil
	}
	if count == 1 {
		rl.client.Expire(ctx, fullKey, window)
	}
	if count > maxRequests {
		return relayerrors.New(relayerrors.CodeRateLimitExceeded, fmt.Sprintf("rate limit exceeded: %d requests in %v for %s", maxRequests, window, key))
	}
	return nil
}
