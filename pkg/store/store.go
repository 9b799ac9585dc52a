package store

import (
	"context"
	"errors"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// ErrNotFound is returned when an evaluation does not exist
var ErrNotFound = errors.New("evaluation not found")

// DurableStore persists evaluations and dead-letter records. After an
// evaluation enters the event pipeline, the writer is its only mutator;
// every other component reads only.
type DurableStore interface {
	// CreateEvaluation persists the initial record (status queued)
	CreateEvaluation(ctx context.Context, ev *types.Evaluation) error

	// GetEvaluation fetches one evaluation; ErrNotFound if absent
	GetEvaluation(ctx context.Context, id string) (*types.Evaluation, error)

	// ListEvaluationsByStatus returns evaluations in the given status
	ListEvaluationsByStatus(ctx context.Context, status types.Status) ([]*types.Evaluation, error)

	// UpdateEvaluation applies mutate to the evaluation inside a single
	// transaction. The callback sees the current row and edits it in
	// place; returning an error aborts without writing. This is the only
	// mutation path for evaluation state after creation.
	UpdateEvaluation(ctx context.Context, id string, mutate func(ev *types.Evaluation) error) error

	// RecordDeadLetter persists a dead-letter record for retention queries
	RecordDeadLetter(ctx context.Context, rec *types.DeadLetterRecord) error

	// Close releases the backing database
	Close() error
}
