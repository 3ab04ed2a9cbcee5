package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/baechuer/relay/envelope"
)

// RedisStore keeps each entry as a JSON string value under its own key and
// indexes pending entries in a sorted set scored by NextAttemptAt (ready-at
// timestamp), so ClaimBatch is a ZRANGEBYSCORE followed by a per-entry
// WATCH/MULTI/EXEC compare-then-mutate rather than a row lock — the same
// discipline as the pack's distlock release/extend scripts, applied here
// to the outbox's Pending->InFlight transition.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "relay:outbox:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) pendingKey() string { return s.prefix + "pending" }
func (s *RedisStore) entryKey(id string) string { return s.prefix + "entry:" + id }

type wireEntry struct {
	ID              string            `json:"id"`
	GroupKey        string            `json:"group_key"`
	MessageType     string            `json:"message_type"`
	Payload         []byte            `json:"payload"`
	Headers         map[string]string `json:"headers"`
	RoutingKey      string            `json:"routing_key"`
	Exchange        string            `json:"exchange"`
	Status          Status            `json:"status"`
	Attempts        int               `json:"attempts"`
	Version         int               `json:"version"`
	LeaseOwner      string            `json:"lease_owner"`
	NextAttemptAt   int64             `json:"next_attempt_at_unix_ms"`
	LastAttemptedAt int64             `json:"last_attempted_at_unix_ms"`
	CreatedAt       int64             `json:"created_at_unix_ms"`
}

func toWire(e *Entry) *wireEntry {
	w := &wireEntry{
		ID:         e.ID,
		GroupKey:   e.GroupKey,
		Status:     e.Status,
		Attempts:   e.Attempts,
		Version:    e.Version,
		LeaseOwner: e.LeaseOwner,
		CreatedAt:  e.CreatedAt.UnixMilli(),
	}
	if e.Envelope != nil {
		w.MessageType = e.Envelope.MessageType
		w.Payload = e.Envelope.Payload
		w.Headers = e.Envelope.Headers
		w.RoutingKey = e.Envelope.RoutingKey
		w.Exchange = e.Envelope.Exchange
	}
	if !e.NextAttemptAt.IsZero() {
		w.NextAttemptAt = e.NextAttemptAt.UnixMilli()
	}
	if !e.LastAttemptedAt.IsZero() {
		w.LastAttemptedAt = e.LastAttemptedAt.UnixMilli()
	}
	return w
}

func fromWire(w *wireEntry) *Entry {
	env := envelope.New(w.MessageType, w.Payload, envelope.Options{
		RoutingKey: w.RoutingKey,
		Exchange:   w.Exchange,
		Headers:    w.Headers,
	})
	env.MessageID = w.ID
	e := &Entry{
		ID:         w.ID,
		GroupKey:   w.GroupKey,
		Envelope:   env,
		Status:     w.Status,
		Attempts:   w.Attempts,
		Version:    w.Version,
		LeaseOwner: w.LeaseOwner,
		CreatedAt:  time.UnixMilli(w.CreatedAt),
	}
	if w.NextAttemptAt > 0 {
		e.NextAttemptAt = time.UnixMilli(w.NextAttemptAt)
	}
	if w.LastAttemptedAt > 0 {
		e.LastAttemptedAt = time.UnixMilli(w.LastAttemptedAt)
	}
	return e
}

func (s *RedisStore) Enqueue(ctx context.Context, e *Entry) error {
	w := toWire(e)
	w.Status = StatusPending
	blob, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entryKey(e.ID), blob, 0)
	pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: 0, Member: e.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// ClaimBatch pulls up to max ready (score <= now) members from the
// pending sorted set, then CASes each entry to InFlight individually via
// WATCH/MULTI/EXEC so a racing poller can never double-claim the same id
// — the same compare-then-mutate discipline as the pack's distlock Lua
// release/extend scripts, expressed with go-redis's optimistic-lock
// transaction helper instead of a hand-rolled script.
func (s *RedisStore) ClaimBatch(ctx context.Context, leaseOwner string, max int) ([]*Entry, error) {
	now := time.Now().UnixMilli()
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Count: int64(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore pending: %w", err)
	}

	claimed := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.claimOne(ctx, id, leaseOwner, now)
		if err != nil || entry == nil {
			continue
		}
		claimed = append(claimed, entry)
	}
	return claimed, nil
}

func (s *RedisStore) claimOne(ctx context.Context, id, leaseOwner string, now int64) (*Entry, error) {
	key := s.entryKey(id)
	var claimed *Entry

	txf := func(tx *redis.Tx) error {
		blob, err := tx.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		var w wireEntry
		if err := json.Unmarshal([]byte(blob), &w); err != nil {
			return err
		}
		if w.Status != StatusPending {
			_, err := tx.Pipelined(ctx, func(p redis.Pipeliner) error {
				p.ZRem(ctx, s.pendingKey(), id)
				return nil
			})
			return err
		}

		w.Status = StatusInFlight
		w.Version++
		w.LeaseOwner = leaseOwner
		w.LastAttemptedAt = now

		newBlob, err := json.Marshal(w)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, newBlob, 0)
			p.ZRem(ctx, s.pendingKey(), id)
			return nil
		})
		if err == nil {
			claimed = fromWire(&w)
		}
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		return nil, nil
	}
	return claimed, err
}

func (s *RedisStore) MarkPublished(ctx context.Context, id string) error {
	blob, err := s.client.Get(ctx, s.entryKey(id)).Result()
	if err != nil {
		return fmt.Errorf("get outbox entry: %w", err)
	}
	var w wireEntry
	if err := json.Unmarshal([]byte(blob), &w); err != nil {
		return fmt.Errorf("unmarshal outbox entry: %w", err)
	}
	w.Status = StatusPublished
	newBlob, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}
	return s.client.Set(ctx, s.entryKey(id), newBlob, 0).Err()
}

func (s *RedisStore) MarkFailed(ctx context.Context, id string, nextAttemptAt time.Time, cause error) error {
	blob, err := s.client.Get(ctx, s.entryKey(id)).Result()
	if err != nil {
		return fmt.Errorf("get outbox entry: %w", err)
	}
	var w wireEntry
	if err := json.Unmarshal([]byte(blob), &w); err != nil {
		return fmt.Errorf("unmarshal outbox entry: %w", err)
	}
	w.Attempts++
	w.Status = StatusPending
	w.NextAttemptAt = nextAttemptAt.UnixMilli()
	newBlob, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entryKey(id), newBlob, 0)
	pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(nextAttemptAt.UnixMilli()), Member: id})
	_, err = pipe.Exec(ctx)
	return err
}

// DeleteOlderThan deletes nothing and always returns 0: the Redis store
// keeps no index of published entries, so the outbox cleanup loop does not
// remove Published entries from this store.
func (s *RedisStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}
