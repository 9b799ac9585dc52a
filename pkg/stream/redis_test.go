package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

func newTestStream(t *testing.T) *RedisStream {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStream(client)
}

func task(evalID string, priority types.Priority) *types.TaskEnvelope {
	return &types.TaskEnvelope{
		EvalID:         evalID,
		Source:         "print(1+1)",
		Runtime:        "py",
		TimeoutSeconds: 10,
		Priority:       priority,
		EnqueuedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()

	want := task("eval-1", types.PriorityNormal)
	require.NoError(t, s.Enqueue(ctx, want))

	got, err := s.Dequeue(ctx, "worker-0", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.EvalID, got.EvalID)
	assert.Equal(t, want.Source, got.Source)
	assert.Equal(t, want.Priority, got.Priority)
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	s := newTestStream(t)

	got, err := s.Dequeue(context.Background(), "worker-0", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDequeueFavorsHighPriority(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, task("eval-normal", types.PriorityNormal)))
	require.NoError(t, s.Enqueue(ctx, task("eval-high", types.PriorityHigh)))

	// Poll 1 checks high first (cursor 1, 1%3 != 0).
	got, err := s.Dequeue(ctx, "worker-0", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "eval-high", got.EvalID)
}

func TestDequeueWeightingIsTwoToOne(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Enqueue(ctx, task("eval-normal", types.PriorityNormal)))
		require.NoError(t, s.Enqueue(ctx, task("eval-high", types.PriorityHigh)))
	}

	// With both sub-streams non-empty, polls 1 and 2 favor high and
	// every third favors normal.
	var order []string
	for i := 0; i < 3; i++ {
		got, err := s.Dequeue(ctx, "worker-0", 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, got)
		order = append(order, got.EvalID)
	}
	assert.Equal(t, []string{"eval-high", "eval-high", "eval-normal"}, order)
}

func TestAckRemovesFromProcessing(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, task("eval-1", types.PriorityNormal)))
	got, err := s.Dequeue(ctx, "worker-0", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, s.Ack(ctx, "worker-0", got))

	// Nothing left to recover after a clean ack.
	n, err := s.RecoverPending(ctx, "worker-0")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecoverPendingRedelivers(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, task("eval-1", types.PriorityNormal)))
	got, err := s.Dequeue(ctx, "worker-0", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)

	// Worker crashes without acking; a restart recovers the envelope.
	n, err := s.RecoverPending(ctx, "worker-0")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	redelivered, err := s.Dequeue(ctx, "worker-0", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, "eval-1", redelivered.EvalID)
}

func TestDepth(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, task("eval-1", types.PriorityNormal)))
	require.NoError(t, s.Enqueue(ctx, task("eval-2", types.PriorityNormal)))
	require.NoError(t, s.Enqueue(ctx, task("eval-3", types.PriorityHigh)))

	normal, err := s.Depth(ctx, types.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, int64(2), normal)

	high, err := s.Depth(ctx, types.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, int64(1), high)
}
