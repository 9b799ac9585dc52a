package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/bus"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

func newTestSequencer(t *testing.T, gapWait time.Duration) (*Sequencer, bus.Subscription) {
	t.Helper()
	broker := bus.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	sub, err := broker.Subscribe(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	return NewSequencer(broker, gapWait), sub
}

func seqEvent(evalID string, kind types.EventKind, seq int64) *types.LifecycleEvent {
	return &types.LifecycleEvent{
		EvalID:    evalID,
		Kind:      kind,
		Sequence:  seq,
		Timestamp: time.Now(),
	}
}

func waitEvent(t *testing.T, sub bus.Subscription, timeout time.Duration) *types.LifecycleEvent {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, sub bus.Subscription, d time.Duration) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event: %s seq %d", ev.Kind, ev.Sequence)
	case <-time.After(d):
	}
}

func TestObserveAssignsDenseSequences(t *testing.T) {
	s, _ := newTestSequencer(t, time.Minute)

	assert.Equal(t, int64(2), s.Observe("eval-1"))
	assert.Equal(t, int64(3), s.Observe("eval-1"))
	assert.Equal(t, int64(2), s.Observe("eval-2"), "sequences are per-evaluation")
}

func TestPublishInOrder(t *testing.T) {
	s, sub := newTestSequencer(t, time.Minute)
	ctx := context.Background()

	first := s.Observe("eval-1")
	second := s.Observe("eval-1")
	s.Publish(ctx, seqEvent("eval-1", types.EventRunning, first))
	s.Publish(ctx, seqEvent("eval-1", types.EventCompleted, second))

	assert.Equal(t, types.EventRunning, waitEvent(t, sub, time.Second).Kind)
	assert.Equal(t, types.EventCompleted, waitEvent(t, sub, time.Second).Kind)
}

func TestPublishBuffersOutOfOrder(t *testing.T) {
	s, sub := newTestSequencer(t, time.Minute)
	ctx := context.Background()

	runningSeq := s.Observe("eval-1")
	completedSeq := s.Observe("eval-1")

	// The completed event's producer finished first (fast log fetch);
	// it must wait for running.
	s.Publish(ctx, seqEvent("eval-1", types.EventCompleted, completedSeq))
	assertNoEvent(t, sub, 50*time.Millisecond)

	s.Publish(ctx, seqEvent("eval-1", types.EventRunning, runningSeq))

	got := waitEvent(t, sub, time.Second)
	assert.Equal(t, types.EventRunning, got.Kind)
	assert.Equal(t, runningSeq, got.Sequence)

	got = waitEvent(t, sub, time.Second)
	assert.Equal(t, types.EventCompleted, got.Kind)
	assert.Equal(t, completedSeq, got.Sequence)
}

func TestGapReleasesAfterTimeout(t *testing.T) {
	s, sub := newTestSequencer(t, 30*time.Millisecond)
	ctx := context.Background()

	_ = s.Observe("eval-1")               // producer dies before publishing
	terminalSeq := s.Observe("eval-1")

	s.Publish(ctx, seqEvent("eval-1", types.EventFailed, terminalSeq))

	// Released after the gap wait despite the missing predecessor.
	got := waitEvent(t, sub, time.Second)
	assert.Equal(t, types.EventFailed, got.Kind)
	assert.Equal(t, terminalSeq, got.Sequence)
}

func TestLateEventBehindCursorIsDropped(t *testing.T) {
	s, sub := newTestSequencer(t, 20*time.Millisecond)
	ctx := context.Background()

	lostSeq := s.Observe("eval-1")
	terminalSeq := s.Observe("eval-1")

	s.Publish(ctx, seqEvent("eval-1", types.EventCompleted, terminalSeq))
	waitEvent(t, sub, time.Second) // gap released the terminal

	// The straggler finally arrives; the cursor has moved past it.
	s.Publish(ctx, seqEvent("eval-1", types.EventRunning, lostSeq))
	assertNoEvent(t, sub, 50*time.Millisecond)
}

func TestLastPublished(t *testing.T) {
	s, _ := newTestSequencer(t, time.Minute)
	ctx := context.Background()

	assert.Equal(t, int64(1), s.LastPublished("eval-1"))

	seq := s.Observe("eval-1")
	s.Publish(ctx, seqEvent("eval-1", types.EventRunning, seq))
	assert.Equal(t, seq, s.LastPublished("eval-1"))
}

func TestForgetResetsQueue(t *testing.T) {
	s, _ := newTestSequencer(t, time.Minute)

	first := s.Observe("eval-1")
	s.Forget("eval-1")
	assert.Equal(t, first, s.Observe("eval-1"), "a forgotten evaluation starts fresh")
}
