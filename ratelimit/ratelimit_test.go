package ratelimit

import (
	"context"
	"testing"
	"time"

	relayerrors "github.com/baechuer/relay/errors"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireExhaustsBucket(t *testing.T) {
	l := New(Config{Enabled: true, Capacity: 2, RefillRate: 0})

	require.NoError(t, l.TryAcquire())
	require.NoError(t, l.TryAcquire())

	err := l.TryAcquire()
	require.Error(t, err)
	assert.True(t, relayerrors.Of(err, relayerrors.CodeRateLimitExceeded))
}

func TestAcquireBlocksUntilRefill(t *testing.T) {
	l := New(Config{Enabled: true, Capacity: 1, RefillRate: 100})
	require.NoError(t, l.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx))
}

func TestAcquireCancellation(t *testing.T) {
	l := New(Config{Enabled: true, Capacity: 1, RefillRate: 0.001})
	require.NoError(t, l.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	require.Error(t, err)
}

func TestRedisLimiterFailsOpenWithoutClient(t *testing.T) {
	rl := NewRedisLimiter(nil, "")
	require.NoError(t, rl.Check(context.Background(), "k", 1, time.Second))
}

func TestRedisLimiterEnforcesWindow(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl := NewRedisLimiter(client, "test:")

	require.NoError(t, rl.Check(context.Background(), "user-1", 2, time.Minute))
	require.NoError(t, rl.Check(context.Background(), "user-1", 2, time.Minute))
	require.Error(t, rl.Check(context.Background(), "user-1", 2, time.Minute))
}
