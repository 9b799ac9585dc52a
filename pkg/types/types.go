package types

import (
	"time"
)

// Status represents the lifecycle state of an evaluation
type Status string

const (
	StatusQueued       Status = "queued"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether the status is a terminal state
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority is the scheduling class of an evaluation
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority class
func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityHigh
}

// EventKind identifies a lifecycle event on the bus
type EventKind string

const (
	EventQueued       EventKind = "queued"
	EventProvisioning EventKind = "provisioning"
	EventRunning      EventKind = "running"
	EventCompleted    EventKind = "completed"
	EventFailed       EventKind = "failed"
	EventCancelled    EventKind = "cancelled"
)

// StatusFor maps an event kind to the evaluation status it drives
func (k EventKind) StatusFor() Status {
	return Status(k)
}

// Evaluation is the root entity: one request to execute one code snippet
// under one runtime with one deadline.
type Evaluation struct {
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Runtime         string    `json:"runtime"`
	TimeoutSeconds  int       `json:"timeout_s"`
	Priority        Priority  `json:"priority"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	AssignedSandbox string    `json:"assigned_sandbox,omitempty"`
	JobName         string    `json:"job_name,omitempty"`
	ExitCode        *int      `json:"exit_code,omitempty"`
	Output          string    `json:"output,omitempty"`
	Stderr          string    `json:"stderr,omitempty"`
	Error           string    `json:"error,omitempty"`
	RetryCount      int       `json:"retry_count"`
}

// TaskEnvelope is the transient task record carried on the task stream
// between the gateway and a dispatcher worker.
type TaskEnvelope struct {
	EvalID         string    `json:"eval_id"`
	Source         string    `json:"source"`
	Runtime        string    `json:"runtime"`
	TimeoutSeconds int       `json:"timeout_s"`
	Priority       Priority  `json:"priority"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Attempt        int       `json:"attempt"`
	Bounces        int       `json:"bounces,omitempty"`
}

// SandboxSlot describes one execution slot in the pool. Identities are
// stable: slots are created at pool initialization and never destroyed.
type SandboxSlot struct {
	URL string `json:"url"`
}

// LifecycleEvent is the unit published on the event bus. Sequence numbers
// are per-evaluation and dense starting at 0; gaps indicate loss.
type LifecycleEvent struct {
	EvalID    string    `json:"eval_id"`
	Kind      EventKind `json:"kind"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	// Kind-specific payload
	Sandbox  string `json:"sandbox,omitempty"`
	JobName  string `json:"job_name,omitempty"`
	Output   string `json:"output,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Retries  int    `json:"retries,omitempty"`
}

// DeadLetterRecord captures a task that exhausted its retry budget
type DeadLetterRecord struct {
	TaskID         string            `json:"task_id"`
	EvalID         string            `json:"eval_id"`
	Envelope       TaskEnvelope      `json:"envelope"`
	ExceptionClass string            `json:"exception_class"`
	Message        string            `json:"message"`
	Traceback      string            `json:"traceback"`
	RetryCount     int               `json:"retry_count"`
	FirstFailure   time.Time         `json:"first_ts"`
	LastFailure    time.Time         `json:"last_ts"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// JobEventType is the change type observed on the orchestrator watch stream
type JobEventType string

const (
	JobAdded    JobEventType = "ADDED"
	JobModified JobEventType = "MODIFIED"
	JobDeleted  JobEventType = "DELETED"
)

// JobEvent is one observation from the orchestrator's job-event stream
type JobEvent struct {
	Type      JobEventType `json:"type"`
	JobName   string       `json:"job_name"`
	EvalID    string       `json:"eval_id"`
	Active    int          `json:"active"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Reason    string       `json:"reason,omitempty"`
	ExitCode  *int         `json:"exit_code,omitempty"`
}

// JobStatus is the orchestrator's view of a submitted job
type JobStatus struct {
	Status      string     `json:"status"` // pending|running|succeeded|failed
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// TruncationMarker is appended to captured output that exceeded the
// per-stream bound.
const TruncationMarker = "\n... [truncated]"

// TruncateOutput bounds captured output to max bytes, appending the
// truncation marker when anything was cut.
func TruncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + TruncationMarker
}
