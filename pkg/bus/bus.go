package bus

import (
	"context"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// EventBus is the best-effort pub/sub fabric between the gateway,
// monitor, and writer. Delivery is at-most-once; the writer's state
// machine tolerates loss.
type EventBus interface {
	// Publish sends a lifecycle event on its kind channel
	Publish(ctx context.Context, event *types.LifecycleEvent) error

	// Subscribe returns a subscription delivering the given kinds.
	// With no kinds, all lifecycle events are delivered.
	Subscribe(ctx context.Context, kinds ...types.EventKind) (Subscription, error)
}

// Subscription is a live event feed; Close releases it
type Subscription interface {
	Events() <-chan *types.LifecycleEvent
	Close() error
}
