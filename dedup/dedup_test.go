package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithinWindowCountsAsOne(t *testing.T) {
	d := New(Config{Enabled: true, Window: time.Minute, MaxCacheSize: 10, Strategy: MessageID})

	now := time.Now()
	dup1, _ := d.TryAdd("m1", now)
	assert.False(t, dup1)

	dup2, first := d.TryAdd("m1", now.Add(time.Second))
	assert.True(t, dup2)
	assert.Equal(t, now, first)
}

func TestOutsideWindowCountsAsTwo(t *testing.T) {
	d := New(Config{Enabled: true, Window: time.Minute, MaxCacheSize: 10, Strategy: MessageID})

	now := time.Now()
	d.TryAdd("m1", now)
	dup, _ := d.TryAdd("m1", now.Add(2*time.Minute))
	assert.False(t, dup)
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	d := New(Config{Enabled: true, Window: time.Hour, MaxCacheSize: 2, Strategy: MessageID})
	now := time.Now()

	d.TryAdd("a", now)
	d.TryAdd("b", now)
	d.TryAdd("c", now) // evicts "a"

	assert.Equal(t, 2, d.Size())
	dup, _ := d.TryAdd("a", now)
	assert.False(t, dup, "a should have been evicted and treated as new")
}

func TestExpiredEntryHiddenBehindFresherOneIsNotFalsePositive(t *testing.T) {
	// evictExpiredLocked walks LRU recency order, not firstSeenAt order, so
	// a fingerprint that was hit once (refreshing its LRU position but not
	// its firstSeenAt) can sit in front of a fresher, still-live entry and
	// survive the sweep past its window even though it's actually expired.
	d := New(Config{Enabled: true, Window: time.Minute, MaxCacheSize: 10, Strategy: MessageID})

	base := time.Now()
	dup, _ := d.TryAdd("x", base)
	assert.False(t, dup)

	dup, _ = d.TryAdd("y", base.Add(55*time.Second))
	assert.False(t, dup)

	// "x" is still within its window here, so this is a legitimate
	// duplicate hit; it also moves "x" back to the front of the LRU list
	// ahead of "y" without touching x's firstSeenAt.
	dup, _ = d.TryAdd("x", base.Add(59*time.Second))
	assert.True(t, dup)

	// Now past x's original window, but "y" (behind x in LRU order) isn't
	// expired yet, so the sweep stops at "y" before ever reaching "x".
	dup, _ = d.TryAdd("x", base.Add(61*time.Second))
	assert.False(t, dup, "x is past its dedup window and must count as a new entry")
}

func TestRedisStoreDeduplicates(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "test:", time.Minute)

	ctx := context.Background()
	dup1, _, err := s.TryAdd(ctx, "fp1", time.Now())
	require.NoError(t, err)
	assert.False(t, dup1)

	dup2, _, err := s.TryAdd(ctx, "fp1", time.Now())
	require.NoError(t, err)
	assert.True(t, dup2)
}
