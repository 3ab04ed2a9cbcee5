package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreFirstClaimSucceeds(t *testing.T) {
	s := NewMemStore()
	claimed, current, err := s.TryBeginProcessing(context.Background(), "c1", "m1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, StateUnknown, current)
}

func TestMemStoreProcessedSkipsHandler(t *testing.T) {
	s := NewMemStore()
	_, _, err := s.TryBeginProcessing(context.Background(), "c1", "m1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessed(context.Background(), "c1", "m1"))

	claimed, current, err := s.TryBeginProcessing(context.Background(), "c1", "m1", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, StateProcessed, current)
}

func TestMemStoreInFlightLeaseBlocksSecondClaim(t *testing.T) {
	s := NewMemStore()
	_, _, err := s.TryBeginProcessing(context.Background(), "c1", "m1", time.Minute)
	require.NoError(t, err)

	claimed, current, err := s.TryBeginProcessing(context.Background(), "c1", "m1", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, StateProcessing, current)
}

func TestMemStoreExpiredLeaseAllowsReclaim(t *testing.T) {
	s := NewMemStore()
	_, _, err := s.TryBeginProcessing(context.Background(), "c1", "m1", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	claimed, current, err := s.TryBeginProcessing(context.Background(), "c1", "m1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed, "expired processing lease must be reclaimable")
	assert.Equal(t, StateProcessing, current)
}

func TestCheckerBeginReturnsCorrectDecision(t *testing.T) {
	c := New(Config{ConsumerName: "orders-consumer"}, NewMemStore())

	dec, err := c.Begin(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, DecisionProcess, dec)

	require.NoError(t, c.MarkProcessed(context.Background(), "m1"))

	dec, err = c.Begin(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, DecisionSkipAlreadyProcessed, dec)
}

func TestCheckerCleanupPurgesOldProcessedEntries(t *testing.T) {
	store := NewMemStore()
	c := New(Config{ConsumerName: "orders-consumer", Retention: 24 * time.Hour}, store)

	_, _, err := store.TryBeginProcessing(context.Background(), "orders-consumer", "old", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessed(context.Background(), "orders-consumer", "old"))
	store.entries[key("orders-consumer", "old")].processedAt = time.Now().Add(-48 * time.Hour)

	n, err := c.RunCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
