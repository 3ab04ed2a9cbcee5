package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/relay/envelope"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client, "test:")
}

func TestRedisStoreClaimBatchTransitionsToInFlight(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	env := envelope.New("Order", []byte(`{"id":1}`), envelope.Options{RoutingKey: "orders.created"})
	require.NoError(t, s.Enqueue(ctx, &Entry{ID: env.MessageID, GroupKey: "order-1", Envelope: env, CreatedAt: time.Now()}))

	claimed, err := s.ClaimBatch(ctx, "worker-a", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, StatusInFlight, claimed[0].Status)
	assert.Equal(t, "worker-a", claimed[0].LeaseOwner)
	assert.Equal(t, "orders.created", claimed[0].Envelope.RoutingKey)

	claimedAgain, err := s.ClaimBatch(ctx, "worker-b", 10)
	require.NoError(t, err)
	assert.Empty(t, claimedAgain)
}

func TestRedisStoreMarkFailedReschedulesInSortedSet(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	env := envelope.New("Order", []byte(`{}`), envelope.Options{})
	require.NoError(t, s.Enqueue(ctx, &Entry{ID: env.MessageID, Envelope: env, CreatedAt: time.Now()}))
	_, err := s.ClaimBatch(ctx, "worker-a", 10)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	require.NoError(t, s.MarkFailed(ctx, env.MessageID, future, nil))

	claimed, err := s.ClaimBatch(ctx, "worker-a", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "entry scheduled in the future should not be claimable yet")
}

func TestRedisStoreMarkPublished(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	env := envelope.New("Order", []byte(`{}`), envelope.Options{})
	require.NoError(t, s.Enqueue(ctx, &Entry{ID: env.MessageID, Envelope: env, CreatedAt: time.Now()}))
	_, err := s.ClaimBatch(ctx, "worker-a", 10)
	require.NoError(t, err)

	require.NoError(t, s.MarkPublished(ctx, env.MessageID))

	blob, err := s.client.Get(ctx, s.entryKey(env.MessageID)).Result()
	require.NoError(t, err)
	assert.Contains(t, blob, `"status":2`)
}
