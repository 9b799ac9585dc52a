package bus

import (
	"context"
	"sync"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// Broker is an in-memory EventBus for single-process deployments and
// tests. Publish is non-blocking; subscribers with full buffers skip
// events, matching the best-effort contract of the Redis bus.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[*brokerSubscription]bool
	eventCh     chan *types.LifecycleEvent
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new in-memory event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[*brokerSubscription]bool),
		eventCh:     make(chan *types.LifecycleEvent, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Publish queues an event for broadcast
func (b *Broker) Publish(_ context.Context, event *types.LifecycleEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
	return nil
}

// Subscribe registers a subscriber for the given kinds (all, if empty)
func (b *Broker) Subscribe(_ context.Context, kinds ...types.EventKind) (Subscription, error) {
	sub := &brokerSubscription{
		broker: b,
		events: make(chan *types.LifecycleEvent, 50),
		kinds:  make(map[types.EventKind]bool, len(kinds)),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()
	return sub, nil
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *types.LifecycleEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if len(sub.kinds) > 0 && !sub.kinds[event.Kind] {
			continue
		}
		select {
		case sub.events <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

func (b *Broker) unsubscribe(sub *brokerSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub.events)
	}
}

type brokerSubscription struct {
	broker *Broker
	events chan *types.LifecycleEvent
	kinds  map[types.EventKind]bool
}

func (s *brokerSubscription) Events() <-chan *types.LifecycleEvent {
	return s.events
}

func (s *brokerSubscription) Close() error {
	s.broker.unsubscribe(s)
	return nil
}
