package stream

import (
	"context"
	"sync"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// MemoryStream is an in-process TaskStream for single-node deployments
// and tests. Semantics match RedisStream: atomic dequeue onto a
// per-consumer pending set, explicit Ack, crash recovery via
// RecoverPending.
type MemoryStream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[types.Priority][]*types.TaskEnvelope
	pending map[string][]*types.TaskEnvelope
	polls   uint64
}

// NewMemoryStream creates an empty in-memory task stream
func NewMemoryStream() *MemoryStream {
	s := &MemoryStream{
		queues: map[types.Priority][]*types.TaskEnvelope{
			types.PriorityHigh:   {},
			types.PriorityNormal: {},
		},
		pending: make(map[string][]*types.TaskEnvelope),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Enqueue appends the envelope to its priority sub-stream
func (s *MemoryStream) Enqueue(_ context.Context, task *types.TaskEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queues[task.Priority] = append(s.queues[task.Priority], task)
	s.cond.Broadcast()
	return nil
}

// Dequeue pops one envelope with the same 2:1 high:normal weighting as
// the Redis stream, blocking up to timeout.
func (s *MemoryStream) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*types.TaskEnvelope, error) {
	deadline := time.Now().Add(timeout)

	// Wake waiters periodically so the deadline and context are honored;
	// sync.Cond has no native timeout.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.cond.Broadcast()
			case <-done:
				return
			}
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if task := s.popLocked(consumer); task != nil {
			return task, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		s.cond.Wait()
	}
}

func (s *MemoryStream) popLocked(consumer string) *types.TaskEnvelope {
	s.polls++
	order := []types.Priority{types.PriorityHigh, types.PriorityNormal}
	if s.polls%3 == 0 {
		order = []types.Priority{types.PriorityNormal, types.PriorityHigh}
	}

	for _, p := range order {
		q := s.queues[p]
		if len(q) == 0 {
			continue
		}
		task := q[0]
		s.queues[p] = q[1:]
		s.pending[consumer] = append(s.pending[consumer], task)
		return task
	}
	return nil
}

// Ack acknowledges a dequeued envelope terminally
func (s *MemoryStream) Ack(_ context.Context, consumer string, task *types.TaskEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pending[consumer]
	for i, t := range p {
		if t.EvalID == task.EvalID && t.Attempt == task.Attempt {
			s.pending[consumer] = append(p[:i], p[i+1:]...)
			break
		}
	}
	return nil
}

// RecoverPending requeues everything the consumer left unacknowledged
func (s *MemoryStream) RecoverPending(_ context.Context, consumer string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pending[consumer]
	for _, task := range p {
		s.queues[task.Priority] = append([]*types.TaskEnvelope{task}, s.queues[task.Priority]...)
	}
	delete(s.pending, consumer)
	if len(p) > 0 {
		s.cond.Broadcast()
	}
	return len(p), nil
}

// Depth returns the number of waiting tasks in one sub-stream
func (s *MemoryStream) Depth(_ context.Context, priority types.Priority) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queues[priority])), nil
}
