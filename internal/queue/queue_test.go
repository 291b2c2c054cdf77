package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueBatchDequeue(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("test"))
	defer q.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, i))
	}

	items, err := q.DequeueWithTimeout(ctx, 3, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, 0, items[0])

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, length)
}

func TestMemoryQueueDequeueTimeoutReturnsEmpty(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("test"))
	defer q.Close()

	start := time.Now()
	items, err := q.DequeueWithTimeout(context.Background(), 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("test"))
	require.NoError(t, q.Close())
	require.NoError(t, q.Close(), "double close is a no-op")

	err := q.Enqueue(context.Background(), "x")
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, err = q.DequeueWithTimeout(context.Background(), 1, time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestMemoryQueueContextCancellation(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("test"))
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.DequeueWithTimeout(ctx, 1, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func setupTestRedis(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := DefaultConfig("consumption")
	cfg.UseRedis = true
	cfg.RedisAddr = mr.Addr()

	q, err := NewRedisQueue(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	return q, mr
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q, _ := setupTestRedis(t)
	ctx := context.Background()

	type event struct {
		Model    string  `json:"model"`
		Consumed float64 `json:"consumed"`
	}
	require.NoError(t, q.Enqueue(ctx, event{Model: "gemini-3-pro-preview", Consumed: 0.1}))
	require.NoError(t, q.Enqueue(ctx, event{Model: "claude-sonnet-4-5", Consumed: 0.2}))

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, length)

	items, err := q.DequeueWithTimeout(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 2)

	var first event
	raw, ok := items[0].(json.RawMessage)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(raw, &first))
	assert.Equal(t, "gemini-3-pro-preview", first.Model)
	assert.InDelta(t, 0.1, first.Consumed, 1e-9)
}

func TestRedisQueueBatchLimit(t *testing.T) {
	q, _ := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, i))
	}

	items, err := q.DequeueWithTimeout(ctx, 2, time.Second)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, length)
}

func TestRedisQueueSurvivesReconnect(t *testing.T) {
	q, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "persisted"))

	// The list lives in Redis, not in the client; a fresh client sees it.
	cfg := DefaultConfig("consumption")
	cfg.UseRedis = true
	cfg.RedisAddr = mr.Addr()
	q2, err := NewRedisQueue(cfg)
	require.NoError(t, err)
	defer q2.Close()

	items, err := q2.DequeueWithTimeout(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
}
