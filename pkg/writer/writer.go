package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/bus"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/config"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/log"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/store"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// Writer subscribes to all lifecycle channels and applies each event to
// the durable store inside a single transaction. This is the only place
// evaluation status is mutated after creation; everything else reads.
type Writer struct {
	cfg    config.WriterConfig
	limits config.Limits
	bus    bus.EventBus
	store  store.DurableStore

	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a writer
func New(cfg config.WriterConfig, limits config.Limits, eventBus bus.EventBus, durable store.DurableStore) *Writer {
	return &Writer{
		cfg:    cfg,
		limits: limits,
		bus:    eventBus,
		store:  durable,
		logger: log.WithComponent("writer"),
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to every lifecycle channel and begins applying
func (w *Writer) Start(ctx context.Context) error {
	sub, err := w.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to lifecycle events: %w", err)
	}

	w.wg.Add(1)
	go w.run(ctx, sub)
	return nil
}

// Stop signals the apply loop and waits for it to drain
func (w *Writer) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Writer) run(ctx context.Context, sub bus.Subscription) {
	defer w.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				w.logger.Warn().Msg("event subscription closed")
				return
			}
			if err := w.Apply(ctx, event); err != nil {
				w.logger.Error().Err(err).
					Str("eval_id", event.EvalID).
					Str("kind", string(event.Kind)).
					Msg("failed to apply lifecycle event")
			}
		}
	}
}

// Apply runs the state machine for one event within a store transaction.
// Rejected transitions and events for unknown evaluations are counted
// and dropped; only store failures surface as errors.
func (w *Writer) Apply(ctx context.Context, event *types.LifecycleEvent) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.EventApplyDuration)

	to := event.Kind.StatusFor()
	var from types.Status
	var applied bool

	err := w.store.UpdateEvaluation(ctx, event.EvalID, func(ev *types.Evaluation) error {
		from = ev.Status

		if from == to && (to.Terminal() || to == types.StatusQueued) {
			// Either a re-delivered terminal event, or the queued event
			// echoing the state the record was created in. Idempotent
			// success; only the update timestamp moves.
			w.touch(ev, event.Timestamp)
			return nil
		}
		if !Allowed(from, to, w.cfg.StrictOrdering) {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
		}

		ev.Status = to
		w.touch(ev, event.Timestamp)
		w.merge(ev, event, to)
		applied = true
		return nil
	})

	switch {
	case err == nil:
		if applied {
			metrics.TransitionsTotal.WithLabelValues(string(to)).Inc()
			w.logger.Debug().
				Str("eval_id", event.EvalID).
				Str("from", string(from)).
				Str("to", string(to)).
				Int64("sequence", event.Sequence).
				Msg("applied transition")
		}
		return nil

	case errors.Is(err, ErrInvalidTransition):
		metrics.InvalidTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		w.logger.Warn().
			Str("eval_id", event.EvalID).
			Str("from", string(from)).
			Str("to", string(to)).
			Int64("sequence", event.Sequence).
			Time("event_ts", event.Timestamp).
			Msg("rejected invalid transition; event dropped")
		return nil

	case errors.Is(err, store.ErrNotFound):
		w.logger.Warn().
			Str("eval_id", event.EvalID).
			Str("kind", string(event.Kind)).
			Msg("event for unknown evaluation; dropped")
		return nil

	default:
		return err
	}
}

// touch advances the update timestamp; timestamps are never rewound
func (w *Writer) touch(ev *types.Evaluation, ts time.Time) {
	if ts.After(ev.UpdatedAt) {
		ev.UpdatedAt = ts
	}
}

// merge copies the event payload onto the record. Fields are set on
// first entry and never overwritten; output is bounded by the platform
// limit on the way in.
func (w *Writer) merge(ev *types.Evaluation, event *types.LifecycleEvent, to types.Status) {
	if ev.AssignedSandbox == "" && event.Sandbox != "" {
		ev.AssignedSandbox = event.Sandbox
	}
	if ev.JobName == "" && event.JobName != "" {
		ev.JobName = event.JobName
	}

	if !to.Terminal() {
		return
	}
	if ev.Output == "" && event.Output != "" {
		ev.Output = types.TruncateOutput(event.Output, w.limits.MaxOutputBytes)
	}
	if ev.Stderr == "" && event.Stderr != "" {
		ev.Stderr = types.TruncateOutput(event.Stderr, w.limits.MaxOutputBytes)
	}
	if ev.ExitCode == nil && event.ExitCode != nil {
		code := *event.ExitCode
		ev.ExitCode = &code
	}
	if ev.Error == "" && event.Reason != "" &&
		(to == types.StatusFailed || to == types.StatusCancelled) {
		ev.Error = event.Reason
	}
	if event.Retries > ev.RetryCount {
		ev.RetryCount = event.Retries
	}
}
