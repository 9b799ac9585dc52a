package coord

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/config"
)

// Key scheme for the coordination store. All cross-process shared state
// lives under these keys; every mutation is either a single command or a
// single Lua script.
const (
	// KeyAvailable is the FIFO list of available sandbox descriptors
	KeyAvailable = "available_executors"

	// KeyDLQ is the bounded dead-letter FIFO
	KeyDLQ = "dlq"

	// KeyBusyPrefix prefixes the TTL'd busy marker keys
	KeyBusyPrefix = "executor:busy:"
)

// BusyKey returns the busy marker key for a sandbox URL
func BusyKey(url string) string {
	return KeyBusyPrefix + url
}

// AssignerKey returns the TTL'd assignment key for an evaluation
func AssignerKey(evalID string) string {
	return fmt.Sprintf("assigner:%s", evalID)
}

// DLQMetaKey returns the per-task dead-letter metadata hash key
func DLQMetaKey(taskID string) string {
	return fmt.Sprintf("dlq:metadata:%s", taskID)
}

// TaskStreamKey returns the task list key for a priority sub-stream
func TaskStreamKey(priority string) string {
	return fmt.Sprintf("tasks:%s", priority)
}

// ProcessingKey returns the in-flight task list for one consumer
func ProcessingKey(consumer string) string {
	return fmt.Sprintf("tasks:processing:%s", consumer)
}

// EventChannel returns the pub/sub channel for a lifecycle event kind
func EventChannel(kind string) string {
	return fmt.Sprintf("evaluation:%s", kind)
}

// NewClient connects a go-redis client to the coordination store and
// verifies the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to coordination store: %w", err)
	}

	return client, nil
}
