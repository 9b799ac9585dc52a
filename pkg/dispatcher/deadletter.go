package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/coord"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// DeadLetterStore keeps tasks that exhausted their retry budget in a
// bounded coordination-store FIFO (dlq) with a per-task metadata hash
// (dlq:metadata:{task_id}). When the FIFO is full the oldest record is
// dropped and counted; individual evaluations are unaffected.
type DeadLetterStore struct {
	client *redis.Client
	limit  int64
}

// NewDeadLetterStore creates a dead-letter store with the given bound
func NewDeadLetterStore(client *redis.Client, limit int) *DeadLetterStore {
	if limit <= 0 {
		limit = 1000
	}
	return &DeadLetterStore{client: client, limit: int64(limit)}
}

// Push records a dead-lettered task, dropping the oldest when full
func (d *DeadLetterStore) Push(ctx context.Context, rec *types.DeadLetterRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	depth, err := d.client.LPush(ctx, coord.KeyDLQ, data).Result()
	if err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	if depth > d.limit {
		if err := d.client.LTrim(ctx, coord.KeyDLQ, 0, d.limit-1).Err(); err != nil {
			return fmt.Errorf("failed to trim dead-letter queue: %w", err)
		}
		metrics.DeadLettersDropped.Add(float64(depth - d.limit))
	}

	meta := map[string]interface{}{
		"eval_id":         rec.EvalID,
		"exception_class": rec.ExceptionClass,
		"message":         rec.Message,
		"retry_count":     rec.RetryCount,
		"first_ts":        rec.FirstFailure.Format(time.RFC3339Nano),
		"last_ts":         rec.LastFailure.Format(time.RFC3339Nano),
	}
	if err := d.client.HSet(ctx, coord.DLQMetaKey(rec.TaskID), meta).Err(); err != nil {
		return fmt.Errorf("failed to store dead-letter metadata: %w", err)
	}

	metrics.DeadLettersTotal.Inc()
	return nil
}

// Metadata returns the per-task metadata hash, or nil if absent
func (d *DeadLetterStore) Metadata(ctx context.Context, taskID string) (map[string]string, error) {
	meta, err := d.client.HGetAll(ctx, coord.DLQMetaKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

// List returns up to n most recent dead-letter records
func (d *DeadLetterStore) List(ctx context.Context, n int64) ([]*types.DeadLetterRecord, error) {
	if n <= 0 || n > d.limit {
		n = d.limit
	}
	payloads, err := d.client.LRange(ctx, coord.KeyDLQ, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	records := make([]*types.DeadLetterRecord, 0, len(payloads))
	for _, payload := range payloads {
		var rec types.DeadLetterRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

// Depth returns the current queue length
func (d *DeadLetterStore) Depth(ctx context.Context) (int64, error) {
	return d.client.LLen(ctx, coord.KeyDLQ).Result()
}
