package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Assignments records which sandbox a dispatcher worker assigned to an
// evaluation (assigner:{eval_id}, TTL'd). The dispatcher exclusively
// owns this key for the duration of its two-phase chain; the TTL keeps a
// crashed worker from pinning the mapping forever.
type Assignments struct {
	client *redis.Client
}

// NewAssignments creates the assignment recorder
func NewAssignments(client *redis.Client) *Assignments {
	return &Assignments{client: client}
}

// Record stores the sandbox assignment with a TTL
func (a *Assignments) Record(ctx context.Context, evalID, sandbox string, ttl time.Duration) error {
	if err := a.client.Set(ctx, AssignerKey(evalID), sandbox, ttl).Err(); err != nil {
		return fmt.Errorf("failed to record assignment for %s: %w", evalID, err)
	}
	return nil
}

// Clear removes the assignment; clearing an absent key is a no-op
func (a *Assignments) Clear(ctx context.Context, evalID string) error {
	if err := a.client.Del(ctx, AssignerKey(evalID)).Err(); err != nil {
		return fmt.Errorf("failed to clear assignment for %s: %w", evalID, err)
	}
	return nil
}

// Get returns the recorded sandbox, or "" when none is recorded
func (a *Assignments) Get(ctx context.Context, evalID string) (string, error) {
	sandbox, err := a.client.Get(ctx, AssignerKey(evalID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read assignment for %s: %w", evalID, err)
	}
	return sandbox, nil
}
