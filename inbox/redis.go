package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore mirrors the teacher's app/idempotency.Store.CheckAndMarkAtomic
// (SETNX-based atomic check-and-set) but stores a state marker instead of
// a timestamp-only "processed" flag, and keys the processing claim with a
// TTL equal to the lease so a crashed consumer's entry expires and can be
// re-claimed exactly as spec §4.J requires.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "relay:inbox:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) entryKey(consumer, messageID string) string {
	return fmt.Sprintf("%s%s:%s", s.prefix, consumer, messageID)
}

const (
	valProcessing = "processing"
	valProcessed  = "processed"
	valFailed     = "failed"
)

func (s *RedisStore) TryBeginProcessing(ctx context.Context, consumer, messageID string, lease time.Duration) (bool, State, error) {
	k := s.entryKey(consumer, messageID)

	set, err := s.client.SetNX(ctx, k, valProcessing, lease).Result()
	if err != nil {
		return false, StateUnknown, fmt.Errorf("setnx inbox entry: %w", err)
	}
	if set {
		return true, StateUnknown, nil
	}

	current, err := s.client.Get(ctx, k).Result()
	if err != nil {
		return false, StateUnknown, fmt.Errorf("get inbox entry: %w", err)
	}

	switch current {
	case valProcessed:
		return false, StateProcessed, nil
	case valFailed:
		// Failed entries have no remaining TTL lease semantics; reclaim
		// directly for retry.
		if err := s.client.Set(ctx, k, valProcessing, lease).Err(); err != nil {
			return false, StateUnknown, fmt.Errorf("reclaim failed inbox entry: %w", err)
		}
		return true, StateFailed, nil
	default:
		// Still within an active processing lease (the TTL hasn't expired
		// yet, or a racing worker reclaimed it first).
		return false, StateProcessing, nil
	}
}

func (s *RedisStore) MarkProcessed(ctx context.Context, consumer, messageID string) error {
	k := s.entryKey(consumer, messageID)
	return s.client.Set(ctx, k, valProcessed, 7*24*time.Hour).Err()
}

func (s *RedisStore) MarkFailed(ctx context.Context, consumer, messageID string) error {
	k := s.entryKey(consumer, messageID)
	return s.client.Set(ctx, k, valFailed, 7*24*time.Hour).Err()
}

// DeleteOlderThan is a no-op for the Redis backend: Processed entries
// expire on their own TTL (set in MarkProcessed) rather than needing a
// separate sweep, unlike a SQL-backed store with an indexed timestamp
// column.
func (s *RedisStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}
