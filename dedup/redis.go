package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a distributed fingerprint store, grounded in the teacher's
// app/idempotency.Store.CheckAndMarkAtomic — SETNX the fingerprint with the
// window as TTL; a failed SETNX means the fingerprint was already seen.
type RedisStore struct {
	client *redis.Client
	prefix string
	window time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, window time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "relay:dedup:"
	}
	return &RedisStore{client: client, prefix: prefix, window: window}
}

// TryAdd mirrors Deduplicator.TryAdd but against a shared Redis instance so
// multiple broker processes share one dedup window.
func (s *RedisStore) TryAdd(ctx context.Context, fingerprint string, now time.Time) (bool, time.Time, error) {
	key := s.prefix + fingerprint
	set, err := s.client.SetNX(ctx, key, now.UnixNano(), s.window).Result()
	if err != nil {
		return false, now, err
	}
	if set {
		return false, now, nil
	}

	v, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		return true, now, nil
	}
	return true, time.Unix(0, v), nil
}
