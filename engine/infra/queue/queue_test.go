package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tianshu-ai/tianshu/engine/core"
	"github.com/tianshu-ai/tianshu/pkg/logger"
)

func newTestContext(t *testing.T) context.Context {
	t.Helper()
	return logger.ContextWithLogger(t.Context(), logger.NewForTests())
}

// setupQueue starts an embedded Redis server and connects a TaskQueue to it.
func setupQueue(ctx context.Context, t *testing.T) *TaskQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis(ctx, &Config{
		URL:               "redis://" + mr.Addr(),
		VisibilityTimeout: 300 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return NewTaskQueue(r)
}

func TestScore(t *testing.T) {
	t.Run("Should order higher priority before older low priority", func(t *testing.T) {
		now := time.Now()
		high := Score(10, now)
		low := Score(0, now.Add(-time.Hour))
		assert.Less(t, high, low)
	})
	t.Run("Should order older first within a priority class", func(t *testing.T) {
		now := time.Now()
		older := Score(5, now.Add(-time.Minute))
		newer := Score(5, now)
		assert.Less(t, older, newer)
	})
}

func TestTaskQueue_EnqueueDequeue(t *testing.T) {
	t.Run("Should dequeue strictly by priority then FIFO", func(t *testing.T) {
		ctx := newTestContext(t)
		q := setupQueue(ctx, t)

		// Fixed clock so equal-priority entries get distinct timestamps.
		base := time.Unix(1_700_000_000, 0)
		clock := base
		q.now = func() time.Time { return clock }

		low1 := core.MustNewID()
		require.NoError(t, q.Enqueue(ctx, low1, 0))
		clock = clock.Add(time.Second)
		high := core.MustNewID()
		require.NoError(t, q.Enqueue(ctx, high, 10))
		clock = clock.Add(time.Second)
		low2 := core.MustNewID()
		require.NoError(t, q.Enqueue(ctx, low2, 0))

		got1, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)
		got2, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)
		got3, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)

		assert.Equal(t, high, got1)
		assert.Equal(t, low1, got2)
		assert.Equal(t, low2, got3)
	})

	t.Run("Should return empty id when queue is empty", func(t *testing.T) {
		ctx := newTestContext(t)
		q := setupQueue(ctx, t)
		id, err := q.Dequeue(ctx, "w1", 50*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, id.IsZero())
	})

	t.Run("Should track a claim for each dequeued task", func(t *testing.T) {
		ctx := newTestContext(t)
		q := setupQueue(ctx, t)
		id := core.MustNewID()
		require.NoError(t, q.Enqueue(ctx, id, 3))

		got, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)
		assert.Equal(t, id, got)

		_, processing, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), processing)
	})
}

func TestTaskQueue_ClaimLifecycle(t *testing.T) {
	t.Run("Should drop claim on complete", func(t *testing.T) {
		ctx := newTestContext(t)
		q := setupQueue(ctx, t)
		id := core.MustNewID()
		require.NoError(t, q.Enqueue(ctx, id, 0))
		_, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)

		require.NoError(t, q.Complete(ctx, id))
		pending, processing, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, pending)
		assert.Zero(t, processing)
	})

	t.Run("Should remove pending entry on cancel", func(t *testing.T) {
		ctx := newTestContext(t)
		q := setupQueue(ctx, t)
		id := core.MustNewID()
		require.NoError(t, q.Enqueue(ctx, id, 0))
		require.NoError(t, q.Remove(ctx, id))

		got, err := q.Dequeue(ctx, "w1", 50*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("Should reject heartbeat from a different worker", func(t *testing.T) {
		ctx := newTestContext(t)
		q := setupQueue(ctx, t)
		id := core.MustNewID()
		require.NoError(t, q.Enqueue(ctx, id, 0))
		_, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)

		assert.NoError(t, q.Heartbeat(ctx, id, "w1"))
		assert.ErrorIs(t, q.Heartbeat(ctx, id, "w2"), ErrWrongWorker)
	})
}

func TestTaskQueue_RecoverStale(t *testing.T) {
	t.Run("Should requeue claims older than the visibility timeout", func(t *testing.T) {
		ctx := newTestContext(t)
		q := setupQueue(ctx, t)

		base := time.Unix(1_700_000_000, 0)
		clock := base
		q.now = func() time.Time { return clock }

		id := core.MustNewID()
		require.NoError(t, q.Enqueue(ctx, id, 7))
		_, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)

		// Claim is fresh, nothing to recover.
		recovered, err := q.RecoverStale(ctx)
		require.NoError(t, err)
		assert.Zero(t, recovered)

		// Age the claim past the visibility timeout.
		clock = clock.Add(10 * time.Minute)
		recovered, err = q.RecoverStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, recovered)

		// The entry is pending again and dequeues with its original priority.
		got, err := q.Dequeue(ctx, "w2", time.Second)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	})

	t.Run("Should refresh claim age on heartbeat", func(t *testing.T) {
		ctx := newTestContext(t)
		q := setupQueue(ctx, t)

		clock := time.Unix(1_700_000_000, 0)
		q.now = func() time.Time { return clock }

		id := core.MustNewID()
		require.NoError(t, q.Enqueue(ctx, id, 0))
		_, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)

		clock = clock.Add(4 * time.Minute)
		require.NoError(t, q.Heartbeat(ctx, id, "w1"))

		// Two more minutes would have exceeded the 5 minute window from the
		// original claim, but the heartbeat reset the clock.
		clock = clock.Add(2 * time.Minute)
		recovered, err := q.RecoverStale(ctx)
		require.NoError(t, err)
		assert.Zero(t, recovered)
	})
}
