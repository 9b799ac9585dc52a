package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/allocator"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/bus"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/config"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/log"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/orchestrator"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/stream"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// SandboxPool is the allocator surface the dispatcher needs
type SandboxPool interface {
	Claim(ctx context.Context, evalID string) (string, error)
	Release(ctx context.Context, url, evalID string) (allocator.ReleaseOutcome, error)
}

// Executor is the orchestrator surface the dispatcher needs
type Executor interface {
	Execute(ctx context.Context, req *orchestrator.ExecuteRequest) (string, error)
	Status(ctx context.Context, jobName string) (*types.JobStatus, error)
}

// AssignmentRecorder tracks the eval → sandbox mapping during the chain
type AssignmentRecorder interface {
	Record(ctx context.Context, evalID, sandbox string, ttl time.Duration) error
	Clear(ctx context.Context, evalID string) error
}

// EvalReader is the read-only durable store surface
type EvalReader interface {
	GetEvaluation(ctx context.Context, id string) (*types.Evaluation, error)
}

// Dispatcher consumes the task stream and runs the two-phase
// assign→execute chain for each task. Multiple workers may run per
// process; the stream's atomic dequeue keeps each task on exactly one
// worker at a time.
type Dispatcher struct {
	cfg    config.DispatcherConfig
	limits config.Limits

	stream      stream.TaskStream
	pool        SandboxPool
	exec        Executor
	bus         bus.EventBus
	reader      EvalReader
	assignments AssignmentRecorder
	deadLetters *DeadLetterStore

	assignPolicy BackoffPolicy
	retryPolicy  BackoffPolicy

	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup

	// test hooks
	sleep        func(context.Context, time.Duration) bool
	pollInterval time.Duration
}

// New creates a dispatcher
func New(cfg config.DispatcherConfig, limits config.Limits, taskStream stream.TaskStream,
	pool SandboxPool, exec Executor, eventBus bus.EventBus, reader EvalReader,
	assignments AssignmentRecorder, deadLetters *DeadLetterStore) *Dispatcher {

	return &Dispatcher{
		cfg:         cfg,
		limits:      limits,
		stream:      taskStream,
		pool:        pool,
		exec:        exec,
		bus:         eventBus,
		reader:      reader,
		assignments: assignments,
		deadLetters: deadLetters,
		assignPolicy: BackoffPolicy{
			Base: cfg.AssignBackoff,
		},
		retryPolicy: BackoffPolicy{
			Base:        cfg.BaseBackoff,
			Max:         cfg.MaxBackoff,
			Exponential: true,
		},
		logger:       log.WithComponent("dispatcher"),
		stopCh:       make(chan struct{}),
		sleep:        sleepCtx,
		pollInterval: 2 * time.Second,
	}
}

// IsRetryable reports whether a dispatch error belongs to a retryable
// class. Capacity and quota re-enter the chain after a release; 5xx and
// transport failures retry in place.
func IsRetryable(err error) bool {
	return errors.Is(err, orchestrator.ErrCapacity) ||
		errors.Is(err, orchestrator.ErrQuota) ||
		errors.Is(err, orchestrator.ErrUnavailable)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Start launches the dispatch workers
func (d *Dispatcher) Start(ctx context.Context) {
	host, _ := os.Hostname()
	if host == "" {
		host = "dispatcher"
	}

	for i := 0; i < d.cfg.Workers; i++ {
		consumer := fmt.Sprintf("%s-%d", host, i)
		d.wg.Add(1)
		go d.runWorker(ctx, consumer)
	}
}

// Stop signals the workers and waits for them to drain
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, consumer string) {
	defer d.wg.Done()
	logger := d.logger.With().Str("consumer", consumer).Logger()

	if n, err := d.stream.RecoverPending(ctx, consumer); err != nil {
		logger.Error().Err(err).Msg("failed to recover pending tasks")
	} else if n > 0 {
		logger.Info().Int("recovered", n).Msg("requeued tasks from previous run")
	}

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		task, err := d.stream.Dequeue(ctx, consumer, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("dequeue failed")
			d.sleep(ctx, time.Second)
			continue
		}
		if task == nil {
			continue
		}

		d.process(ctx, consumer, task)
	}
}

// process runs the two-phase chain for one task. Every exit path
// releases the claimed sandbox; the release is idempotent so the
// known dual-continuation edge cases cannot corrupt pool state.
func (d *Dispatcher) process(ctx context.Context, consumer string, task *types.TaskEnvelope) {
	logger := log.WithEvalID(d.logger, task.EvalID)

	// Cancelled (or otherwise finished) before we started: discard.
	if ev, err := d.reader.GetEvaluation(ctx, task.EvalID); err == nil && ev.Status.Terminal() {
		logger.Info().Str("status", string(ev.Status)).Msg("discarding task for terminal evaluation")
		d.ack(ctx, consumer, task)
		return
	}

	// Phase 1 — assignment.
	timer := metrics.NewTimer()
	sandbox := d.assign(ctx, task)
	timer.ObserveDurationVec(metrics.PhaseDuration, "assignment")
	if sandbox == "" {
		// Shut down or evaluation went terminal while waiting.
		d.ack(ctx, consumer, task)
		return
	}

	released := false
	release := func() {
		// Both the success-path and the failure-path continuation land
		// here; the allocator absorbs duplicate signals.
		if _, err := d.pool.Release(ctx, sandbox, task.EvalID); err != nil {
			logger.Error().Err(err).Str("sandbox", sandbox).Msg("release failed")
		}
		if err := d.assignments.Clear(ctx, task.EvalID); err != nil {
			logger.Warn().Err(err).Msg("failed to clear assignment")
		}
		released = true
	}
	defer func() {
		if !released {
			release()
		}
	}()

	if err := d.assignments.Record(ctx, task.EvalID, sandbox, d.limits.BusyMarkerTTL); err != nil {
		logger.Warn().Err(err).Msg("failed to record assignment")
	}

	d.publish(ctx, &types.LifecycleEvent{
		EvalID:    task.EvalID,
		Kind:      types.EventProvisioning,
		Sequence:  1,
		Timestamp: time.Now(),
		Sandbox:   sandbox,
	})

	// Phase 2 — execution.
	timer = metrics.NewTimer()
	outcome := d.execute(ctx, task, sandbox, release)
	timer.ObserveDurationVec(metrics.PhaseDuration, "execution")

	switch outcome {
	case outcomeDone, outcomeDeadLettered, outcomeDiscarded:
		d.ack(ctx, consumer, task)
	case outcomeReassign, outcomeBounce:
		// The sandbox was released; requeue a bumped copy and ack the
		// original so the processing list matches what was dequeued.
		// Capacity bounces ride their own counter: losing the slot race
		// must not spend the retry budget.
		next := *task
		if outcome == outcomeBounce {
			next.Bounces++
		} else {
			next.Attempt++
		}
		if err := d.stream.Enqueue(ctx, &next); err != nil {
			// Leave the original unacked: RecoverPending redelivers it.
			logger.Error().Err(err).Msg("failed to requeue task")
			return
		}
		d.ack(ctx, consumer, task)
	case outcomeShutdown:
		// Leave unacked: RecoverPending redelivers on restart.
	}
}

// assign is phase 1: claim a sandbox, waiting out pool exhaustion with a
// jittered flat backoff. The wait is deliberately unbounded so capacity
// alone never consumes the retry budget; it gives up only on shutdown or
// when the evaluation goes terminal underneath us.
func (d *Dispatcher) assign(ctx context.Context, task *types.TaskEnvelope) string {
	for attempt := 0; ; attempt++ {
		select {
		case <-d.stopCh:
			return ""
		default:
		}

		sandbox, err := d.pool.Claim(ctx, task.EvalID)
		if err == nil {
			metrics.DispatchAttemptsTotal.WithLabelValues("assignment", "claimed").Inc()
			return sandbox
		}
		if !errors.Is(err, allocator.ErrPoolEmpty) {
			d.logger.Error().Err(err).Str("eval_id", task.EvalID).Msg("claim failed")
		}

		metrics.DispatchAttemptsTotal.WithLabelValues("assignment", "waiting").Inc()
		if !d.sleep(ctx, d.assignPolicy.Duration(attempt)) {
			return ""
		}

		if ev, err := d.reader.GetEvaluation(ctx, task.EvalID); err == nil && ev.Status.Terminal() {
			return ""
		}
	}
}

type executeOutcome int

const (
	outcomeDone executeOutcome = iota
	outcomeReassign
	outcomeBounce
	outcomeDeadLettered
	outcomeDiscarded
	outcomeShutdown
)

// execute is phase 2: submit the task to the orchestrator and see it
// through to a terminal state. release is invoked on every path that
// gives the sandbox back before the chain ends.
func (d *Dispatcher) execute(ctx context.Context, task *types.TaskEnvelope, sandbox string, release func()) executeOutcome {
	logger := log.WithSandbox(log.WithEvalID(d.logger, task.EvalID), sandbox)
	firstFailure := time.Now()

	// Attempt carries quota and transient failures across reassignments
	// so that retry budget is per-task, not per-chain. Capacity bounces
	// are counted in task.Bounces and never touch it.
	for retries := task.Attempt; ; retries++ {
		req := &orchestrator.ExecuteRequest{
			EvalID:         task.EvalID,
			Code:           task.Source,
			Language:       task.Runtime,
			TimeoutSeconds: task.TimeoutSeconds,
			MemoryLimit:    d.limits.MaxMemoryBytes,
			CPULimit:       d.limits.MaxCPUCores,
		}

		jobName, err := d.exec.Execute(ctx, req)
		if err == nil {
			metrics.DispatchAttemptsTotal.WithLabelValues("execution", "submitted").Inc()
			logger.Info().Str("job_name", jobName).Msg("task submitted")
			d.awaitTerminal(ctx, task, jobName)
			release()
			return outcomeDone
		}

		var permanent *orchestrator.PermanentError
		switch {
		case errors.Is(err, orchestrator.ErrCapacity):
			// Race: the sandbox filled since phase 1. Give the slot back
			// and start the chain over; capacity never dead-letters.
			metrics.DispatchAttemptsTotal.WithLabelValues("execution", "capacity").Inc()
			release()
			if !d.sleep(ctx, d.assignPolicy.Duration(task.Bounces)) {
				return outcomeShutdown
			}
			return outcomeBounce

		case errors.Is(err, orchestrator.ErrQuota):
			metrics.DispatchAttemptsTotal.WithLabelValues("execution", "quota").Inc()
			metrics.DispatchRetries.Inc()
			if retries+1 >= d.cfg.MaxRetries {
				release()
				d.deadLetter(ctx, task, "quota_exhausted", err, retries+1, firstFailure)
				return outcomeDeadLettered
			}
			release()
			if !d.sleep(ctx, d.retryPolicy.Duration(retries)) {
				return outcomeShutdown
			}
			return outcomeReassign

		case errors.Is(err, orchestrator.ErrUnavailable):
			metrics.DispatchAttemptsTotal.WithLabelValues("execution", "unavailable").Inc()
			metrics.DispatchRetries.Inc()
			if retries+1 >= d.cfg.MaxRetries {
				release()
				d.deadLetter(ctx, task, "orchestrator_unavailable", err, retries+1, firstFailure)
				return outcomeDeadLettered
			}
			// Transient: retry the current phase, keeping the sandbox.
			if !d.sleep(ctx, d.retryPolicy.Duration(retries)) {
				return outcomeShutdown
			}

		case errors.As(err, &permanent):
			metrics.DispatchAttemptsTotal.WithLabelValues("execution", "rejected").Inc()
			release()
			d.deadLetter(ctx, task, "orchestrator_rejected", err, retries, firstFailure)
			return outcomeDeadLettered

		default:
			metrics.DispatchAttemptsTotal.WithLabelValues("execution", "error").Inc()
			metrics.DispatchRetries.Inc()
			if retries+1 >= d.cfg.MaxRetries {
				release()
				d.deadLetter(ctx, task, "dispatch_error", err, retries+1, firstFailure)
				return outcomeDeadLettered
			}
			if !d.sleep(ctx, d.retryPolicy.Duration(retries)) {
				return outcomeShutdown
			}
		}
	}
}

// awaitTerminal polls the durable store until the monitor has driven the
// evaluation to a terminal state, bounded by the task deadline plus
// grace. On timeout the orchestrator is asked once for a final status,
// then ownership is ceded to the reconcilers.
func (d *Dispatcher) awaitTerminal(ctx context.Context, task *types.TaskEnvelope, jobName string) {
	grace := 2 * time.Minute
	deadline := time.Now().Add(time.Duration(task.TimeoutSeconds)*time.Second + grace)

	for time.Now().Before(deadline) {
		if ev, err := d.reader.GetEvaluation(ctx, task.EvalID); err == nil && ev.Status.Terminal() {
			return
		}
		if !d.sleep(ctx, d.pollInterval) {
			return
		}
	}

	status, err := d.exec.Status(ctx, jobName)
	if err != nil {
		d.logger.Warn().Err(err).Str("eval_id", task.EvalID).Str("job_name", jobName).
			Msg("evaluation did not settle within deadline")
		return
	}
	d.logger.Warn().
		Str("eval_id", task.EvalID).
		Str("job_name", jobName).
		Str("job_status", status.Status).
		Msg("evaluation did not settle within deadline; leaving to reconciler")
}

// deadLetter records the task with full context and publishes the
// terminal failed event.
func (d *Dispatcher) deadLetter(ctx context.Context, task *types.TaskEnvelope, class string, cause error, retries int, firstFailure time.Time) {
	now := time.Now()
	rec := &types.DeadLetterRecord{
		TaskID:         uuid.New().String(),
		EvalID:         task.EvalID,
		Envelope:       *task,
		ExceptionClass: class,
		Message:        cause.Error(),
		Traceback:      fmt.Sprintf("%+v", cause),
		RetryCount:     retries,
		FirstFailure:   firstFailure,
		LastFailure:    now,
		Metadata: map[string]string{
			"runtime":  task.Runtime,
			"priority": string(task.Priority),
		},
	}

	if err := d.deadLetters.Push(ctx, rec); err != nil {
		d.logger.Error().Err(err).Str("eval_id", task.EvalID).Msg("failed to record dead letter")
	}

	d.publish(ctx, &types.LifecycleEvent{
		EvalID:    task.EvalID,
		Kind:      types.EventFailed,
		Sequence:  2,
		Timestamp: now,
		Reason:    class,
		Retries:   retries,
	})

	d.logger.Warn().
		Str("eval_id", task.EvalID).
		Str("class", class).
		Int("retries", retries).
		Msg("task dead-lettered")
}

func (d *Dispatcher) publish(ctx context.Context, event *types.LifecycleEvent) {
	if err := d.bus.Publish(ctx, event); err != nil {
		d.logger.Warn().Err(err).
			Str("eval_id", event.EvalID).
			Str("kind", string(event.Kind)).
			Msg("failed to publish lifecycle event")
	}
}

func (d *Dispatcher) ack(ctx context.Context, consumer string, task *types.TaskEnvelope) {
	if err := d.stream.Ack(ctx, consumer, task); err != nil {
		d.logger.Warn().Err(err).Str("eval_id", task.EvalID).Msg("failed to ack task")
	}
}
