package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/bus"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/config"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/log"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/store"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/stream"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// ErrServiceUnavailable signals that the task could not be enqueued;
// the submission is not accepted and no id is returned.
var ErrServiceUnavailable = errors.New("task stream unavailable")

// ValidationError rejects a submission at the gateway; it is the only
// error class surfaced to submitters synchronously.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Request is one submission
type Request struct {
	Source         string
	Runtime        string
	TimeoutSeconds int
	Priority       types.Priority
}

// BatchResult is the per-item outcome of a batch submission; items
// succeed or fail independently.
type BatchResult struct {
	EvalID string
	Err    error
}

// Gateway assigns evaluation identities and feeds the pipeline: it
// creates the initial durable record, publishes the queued event
// (sequence 0), and enqueues the task envelope on the priority
// sub-stream.
type Gateway struct {
	store  store.DurableStore
	bus    bus.EventBus
	stream stream.TaskStream
	limits config.Limits
	logger zerolog.Logger

	// test hooks
	now   func() time.Time
	newID func() string
	sleep func(time.Duration)
}

// New creates a submission gateway
func New(st store.DurableStore, eventBus bus.EventBus, taskStream stream.TaskStream, limits config.Limits) *Gateway {
	return &Gateway{
		store:  st,
		bus:    eventBus,
		stream: taskStream,
		limits: limits,
		logger: log.WithComponent("gateway"),
		now:    time.Now,
		newID:  newEvalID,
		sleep:  time.Sleep,
	}
}

// newEvalID generates a time-sortable identifier: UUIDv7 embeds a
// millisecond timestamp, so lexicographic order approximates submission
// order.
func newEvalID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4
		// rather than refusing the submission.
		return uuid.New().String()
	}
	return id.String()
}

// Submit validates and accepts one evaluation, returning its id
func (g *Gateway) Submit(ctx context.Context, req *Request) (string, error) {
	if req.Priority == "" {
		req.Priority = types.PriorityNormal
	}
	if err := g.validate(req); err != nil {
		metrics.SubmissionsTotal.WithLabelValues(string(req.Priority), "rejected").Inc()
		return "", err
	}

	now := g.now()
	ev := &types.Evaluation{
		ID:             g.newID(),
		Source:         req.Source,
		Runtime:        req.Runtime,
		TimeoutSeconds: req.TimeoutSeconds,
		Priority:       req.Priority,
		Status:         types.StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := g.store.CreateEvaluation(ctx, ev); err != nil {
		metrics.SubmissionsTotal.WithLabelValues(string(req.Priority), "error").Inc()
		return "", fmt.Errorf("failed to create evaluation record: %w", err)
	}

	// Best-effort: the writer observes the first real lifecycle event if
	// this publish is lost.
	event := &types.LifecycleEvent{
		EvalID:    ev.ID,
		Kind:      types.EventQueued,
		Sequence:  0,
		Timestamp: now,
	}
	if err := g.bus.Publish(ctx, event); err != nil {
		metrics.QueuedPublishFailures.Inc()
		g.logger.Warn().Err(err).Str("eval_id", ev.ID).Msg("failed to publish queued event")
	}

	task := &types.TaskEnvelope{
		EvalID:         ev.ID,
		Source:         req.Source,
		Runtime:        req.Runtime,
		TimeoutSeconds: req.TimeoutSeconds,
		Priority:       req.Priority,
		EnqueuedAt:     now,
	}
	if err := g.stream.Enqueue(ctx, task); err != nil {
		metrics.SubmissionsTotal.WithLabelValues(string(req.Priority), "unavailable").Inc()
		g.logger.Error().Err(err).Str("eval_id", ev.ID).Msg("failed to enqueue task")
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	metrics.SubmissionsTotal.WithLabelValues(string(req.Priority), "accepted").Inc()
	g.logger.Info().
		Str("eval_id", ev.ID).
		Str("runtime", req.Runtime).
		Str("priority", string(req.Priority)).
		Msg("evaluation submitted")
	return ev.ID, nil
}

// SubmitBatch accepts up to the batch ceiling, shaping fan-out into the
// dispatcher with an inter-item delay. No transactional semantics: each
// item succeeds or fails independently.
func (g *Gateway) SubmitBatch(ctx context.Context, reqs []*Request) ([]BatchResult, error) {
	if len(reqs) > g.limits.BatchCeiling {
		return nil, &ValidationError{
			Field:  "batch",
			Reason: fmt.Sprintf("%d items exceeds ceiling of %d", len(reqs), g.limits.BatchCeiling),
		}
	}

	var delay time.Duration
	if g.limits.BatchPerSecond > 0 {
		delay = time.Second / time.Duration(g.limits.BatchPerSecond)
	}

	results := make([]BatchResult, 0, len(reqs))
	for i, req := range reqs {
		if i > 0 && delay > 0 {
			g.sleep(delay)
		}
		id, err := g.Submit(ctx, req)
		results = append(results, BatchResult{EvalID: id, Err: err})
	}
	return results, nil
}

func (g *Gateway) validate(req *Request) error {
	if req.Source == "" {
		return &ValidationError{Field: "source", Reason: "empty"}
	}
	if len(req.Source) > g.limits.MaxSourceBytes {
		return &ValidationError{
			Field:  "source",
			Reason: fmt.Sprintf("%d bytes exceeds limit of %d", len(req.Source), g.limits.MaxSourceBytes),
		}
	}
	if !g.limits.RuntimeRegistered(req.Runtime) {
		return &ValidationError{Field: "runtime", Reason: fmt.Sprintf("unregistered runtime %q", req.Runtime)}
	}
	if req.TimeoutSeconds <= 0 {
		return &ValidationError{Field: "timeout", Reason: "must be positive"}
	}
	if time.Duration(req.TimeoutSeconds)*time.Second > g.limits.MaxTimeout {
		return &ValidationError{
			Field:  "timeout",
			Reason: fmt.Sprintf("%ds exceeds limit of %s", req.TimeoutSeconds, g.limits.MaxTimeout),
		}
	}
	if !req.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown class %q", req.Priority)}
	}
	return nil
}
