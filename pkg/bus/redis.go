package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/coord"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/log"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// RedisBus implements EventBus on Redis pub/sub channels
// (evaluation:queued, evaluation:running, ...).
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus creates an event bus backed by the coordination store
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish sends the event to its evaluation:{kind} channel
func (b *RedisBus) Publish(ctx context.Context, event *types.LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	channel := coord.EventChannel(string(event.Kind))
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription for the given kinds. With no
// kinds it pattern-subscribes to every evaluation:* channel.
func (b *RedisBus) Subscribe(ctx context.Context, kinds ...types.EventKind) (Subscription, error) {
	var pubsub *redis.PubSub
	if len(kinds) == 0 {
		pubsub = b.client.PSubscribe(ctx, coord.EventChannel("*"))
	} else {
		channels := make([]string, 0, len(kinds))
		for _, k := range kinds {
			channels = append(channels, coord.EventChannel(string(k)))
		}
		pubsub = b.client.Subscribe(ctx, channels...)
	}

	// Force the subscription onto the wire before returning so callers
	// cannot publish past a half-open subscriber.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan *types.LifecycleEvent, 64),
	}
	go sub.run(ctx)
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan *types.LifecycleEvent
}

func (s *redisSubscription) run(ctx context.Context) {
	logger := log.WithComponent("bus")
	defer close(s.events)

	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event types.LifecycleEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable event")
				continue
			}
			select {
			case s.events <- &event:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *redisSubscription) Events() <-chan *types.LifecycleEvent {
	return s.events
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
