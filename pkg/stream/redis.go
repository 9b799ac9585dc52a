package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/coord"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// RedisStream implements TaskStream on Redis lists. Each priority class
// is a separate list; dequeue atomically moves the envelope onto a
// per-consumer processing list so a crashed worker's tasks can be
// requeued.
type RedisStream struct {
	client *redis.Client
	cursor atomic.Uint64
}

// NewRedisStream creates a task stream backed by the coordination store
func NewRedisStream(client *redis.Client) *RedisStream {
	return &RedisStream{client: client}
}

// Enqueue appends the envelope to its priority sub-stream
func (s *RedisStream) Enqueue(ctx context.Context, task *types.TaskEnvelope) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	key := coord.TaskStreamKey(string(task.Priority))
	depth, err := s.client.LPush(ctx, key, data).Result()
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	metrics.StreamDepth.WithLabelValues(string(task.Priority)).Set(float64(depth))
	return nil
}

// Dequeue pops one envelope. Two of every three polls check the high
// sub-stream first, approximating the 2:1 weighting; the blocking wait
// always covers both keys so neither class starves an idle worker.
func (s *RedisStream) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*types.TaskEnvelope, error) {
	highFirst := s.cursor.Add(1)%3 != 0

	order := []types.Priority{types.PriorityHigh, types.PriorityNormal}
	if !highFirst {
		order = []types.Priority{types.PriorityNormal, types.PriorityHigh}
	}

	processing := coord.ProcessingKey(consumer)

	// Fast path: non-blocking pop in weighted order.
	for _, p := range order {
		payload, err := s.client.LMove(ctx, coord.TaskStreamKey(string(p)), processing, "RIGHT", "LEFT").Result()
		if err == nil {
			return s.decode(payload)
		}
		if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to dequeue: %w", err)
		}
	}

	// Both empty: block on the favored sub-stream for the remainder.
	payload, err := s.client.BLMove(ctx, coord.TaskStreamKey(string(order[0])), processing, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	return s.decode(payload)
}

// Ack removes the envelope from the consumer's processing list
func (s *RedisStream) Ack(ctx context.Context, consumer string, task *types.TaskEnvelope) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := s.client.LRem(ctx, coord.ProcessingKey(consumer), 1, data).Err(); err != nil {
		return fmt.Errorf("failed to ack task: %w", err)
	}
	return nil
}

// RecoverPending requeues every unacknowledged envelope of the consumer
// at the front of its sub-stream and clears the processing list.
func (s *RedisStream) RecoverPending(ctx context.Context, consumer string) (int, error) {
	processing := coord.ProcessingKey(consumer)

	payloads, err := s.client.LRange(ctx, processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read processing list: %w", err)
	}

	recovered := 0
	for _, payload := range payloads {
		task, err := s.decode(payload)
		if err != nil {
			// Undecodable entries are dropped with the processing list
			continue
		}
		if err := s.client.RPush(ctx, coord.TaskStreamKey(string(task.Priority)), payload).Err(); err != nil {
			return recovered, fmt.Errorf("failed to requeue task %s: %w", task.EvalID, err)
		}
		recovered++
	}

	if err := s.client.Del(ctx, processing).Err(); err != nil {
		return recovered, fmt.Errorf("failed to clear processing list: %w", err)
	}
	return recovered, nil
}

// Depth returns the number of waiting tasks in one sub-stream
func (s *RedisStream) Depth(ctx context.Context, priority types.Priority) (int64, error) {
	return s.client.LLen(ctx, coord.TaskStreamKey(string(priority))).Result()
}

func (s *RedisStream) decode(payload string) (*types.TaskEnvelope, error) {
	var task types.TaskEnvelope
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &task, nil
}
