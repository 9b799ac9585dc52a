package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/bus"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/log"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// firstMonitorSequence is the first sequence number the monitor assigns.
// The gateway publishes queued at 0 and the dispatcher provisioning at 1;
// everything the monitor observes comes after.
const firstMonitorSequence = 2

// Sequencer enforces per-evaluation publish ordering. Sequence numbers
// are assigned at observation time (Observe) and events are released to
// the bus strictly in that order (Publish): event N goes out only after
// N-1 has been published, not merely produced. This closes the hazard
// where a fast completion, finalized on a separate goroutine after its
// log fetch, overtakes the running event on the bus.
//
// When N-1 never arrives — its producer failed before publishing — the
// buffered successor is released after gapWait so a single lost event
// cannot stall the evaluation forever. The gap is counted and logged;
// the writer's state machine absorbs the resulting skip.
type Sequencer struct {
	bus     bus.EventBus
	gapWait time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	evals map[string]*evalQueue
}

type evalQueue struct {
	nextAssign  int64 // next sequence Observe hands out
	nextPublish int64 // next sequence eligible for the bus
	pending     map[int64]*types.LifecycleEvent
	gapTimer    *time.Timer
}

// NewSequencer creates a sequencer publishing to the given bus
func NewSequencer(eventBus bus.EventBus, gapWait time.Duration) *Sequencer {
	if gapWait <= 0 {
		gapWait = 30 * time.Second
	}
	return &Sequencer{
		bus:     eventBus,
		gapWait: gapWait,
		logger:  log.WithComponent("sequencer"),
		evals:   make(map[string]*evalQueue),
	}
}

func (s *Sequencer) queue(evalID string) *evalQueue {
	q, ok := s.evals[evalID]
	if !ok {
		q = &evalQueue{
			nextAssign:  firstMonitorSequence,
			nextPublish: firstMonitorSequence,
			pending:     make(map[int64]*types.LifecycleEvent),
		}
		s.evals[evalID] = q
	}
	return q
}

// Observe allocates the next sequence number for the evaluation. Call it
// when the source change is seen, before any slow work (log fetches) the
// event needs, so the assigned order matches the observed order.
func (s *Sequencer) Observe(evalID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(evalID)
	seq := q.nextAssign
	q.nextAssign++
	return seq
}

// LastPublished returns the highest sequence published for the
// evaluation, or firstMonitorSequence-1 when nothing has gone out.
func (s *Sequencer) LastPublished(evalID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.evals[evalID]
	if !ok {
		return firstMonitorSequence - 1
	}
	return q.nextPublish - 1
}

// Forget drops the per-evaluation queue. Call after the terminal event
// is out; late stragglers for a forgotten evaluation start a fresh queue
// and are rejected downstream by the state machine.
func (s *Sequencer) Forget(evalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.evals[evalID]; ok {
		if q.gapTimer != nil {
			q.gapTimer.Stop()
		}
		delete(s.evals, evalID)
	}
}

// Publish releases the event in sequence order. Events ahead of the
// publish cursor are buffered; a buffered event whose predecessor never
// shows up is released after the gap-wait timeout.
func (s *Sequencer) Publish(ctx context.Context, event *types.LifecycleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(event.EvalID)
	if event.Sequence < q.nextPublish {
		// Already superseded; a gap release moved the cursor past it.
		s.logger.Warn().
			Str("eval_id", event.EvalID).
			Int64("sequence", event.Sequence).
			Int64("cursor", q.nextPublish).
			Msg("dropping event behind publish cursor")
		return
	}

	q.pending[event.Sequence] = event
	s.drainLocked(ctx, event.EvalID, q)

	if len(q.pending) > 0 && q.gapTimer == nil {
		q.gapTimer = time.AfterFunc(s.gapWait, func() {
			s.releaseGap(ctx, event.EvalID)
		})
	}
}

// drainLocked publishes every pending event that is next in line
func (s *Sequencer) drainLocked(ctx context.Context, evalID string, q *evalQueue) {
	for {
		event, ok := q.pending[q.nextPublish]
		if !ok {
			break
		}
		delete(q.pending, q.nextPublish)
		q.nextPublish++

		if err := s.bus.Publish(ctx, event); err != nil {
			s.logger.Error().Err(err).
				Str("eval_id", evalID).
				Str("kind", string(event.Kind)).
				Int64("sequence", event.Sequence).
				Msg("failed to publish lifecycle event")
		}
	}

	if len(q.pending) == 0 && q.gapTimer != nil {
		q.gapTimer.Stop()
		q.gapTimer = nil
	}
}

// releaseGap fires when a buffered event waited out gapWait. The cursor
// jumps to the oldest pending sequence and publishing resumes from there.
func (s *Sequencer) releaseGap(ctx context.Context, evalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.evals[evalID]
	if !ok {
		return
	}
	q.gapTimer = nil
	if len(q.pending) == 0 {
		return
	}

	oldest := int64(-1)
	for seq := range q.pending {
		if oldest < 0 || seq < oldest {
			oldest = seq
		}
	}

	metrics.SequenceGapsTotal.Inc()
	s.logger.Warn().
		Str("eval_id", evalID).
		Int64("expected", q.nextPublish).
		Int64("releasing", oldest).
		Dur("waited", s.gapWait).
		Msg("sequence gap timed out; releasing buffered events")

	q.nextPublish = oldest
	s.drainLocked(ctx, evalID, q)

	if len(q.pending) > 0 {
		q.gapTimer = time.AfterFunc(s.gapWait, func() {
			s.releaseGap(ctx, evalID)
		})
	}
}
