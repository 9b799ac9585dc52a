package stream

import (
	"context"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// TaskStream is the durable, at-least-once message log between the
// gateway and the dispatcher. Dequeue is atomic: each envelope is handed
// to exactly one consumer at a time, and unacknowledged envelopes are
// redelivered after a consumer crash via RecoverPending.
type TaskStream interface {
	// Enqueue appends the envelope to its priority sub-stream
	Enqueue(ctx context.Context, task *types.TaskEnvelope) error

	// Dequeue pops one envelope, blocking up to timeout. High-priority
	// tasks are polled at roughly twice the rate of normal ones; there is
	// no strict-priority guarantee. Returns nil when the wait times out.
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*types.TaskEnvelope, error)

	// Ack acknowledges a dequeued envelope terminally, destroying it
	Ack(ctx context.Context, consumer string, task *types.TaskEnvelope) error

	// RecoverPending requeues envelopes a crashed consumer left
	// unacknowledged; called on dispatcher startup.
	RecoverPending(ctx context.Context, consumer string) (int, error)

	// Depth returns the number of waiting tasks in one sub-stream
	Depth(ctx context.Context, priority types.Priority) (int64, error)
}
