/*
Package types defines the core data structures used throughout Crucible.

This package contains the domain model for the evaluation pipeline:
evaluations, task envelopes, sandbox slots, lifecycle events, dead-letter
records, and the orchestrator job observations. All other packages depend
on these types for state management, wire serialization, and pipeline
coordination; this package depends on nothing but the standard library.

# Core Types

Evaluation lifecycle:
  - Evaluation: root entity, one code snippet + runtime + deadline
  - Status: queued, provisioning, running, completed, failed, cancelled
  - Priority: normal or high scheduling class

Pipeline plumbing:
  - TaskEnvelope: transient record on the task stream (gateway → dispatcher)
  - LifecycleEvent: per-evaluation sequenced event on the bus
  - SandboxSlot: one stable execution slot in the pool
  - DeadLetterRecord: task that exhausted its retry budget, with context

Orchestrator observations:
  - JobEvent: ADDED/MODIFIED/DELETED change from the watch stream
  - JobStatus: point-in-time job state from the status endpoint

# Invariants

  - Evaluation.ID is immutable and unique; lexicographic order approximates
    submission order.
  - Terminal statuses (completed, failed, cancelled) admit only idempotent
    informational writes afterwards; pkg/writer enforces this.
  - LifecycleEvent sequences are per-evaluation and dense starting at 0;
    a gap means loss, never reordering by the producer.
  - Captured output is bounded; TruncateOutput appends TruncationMarker
    when anything was cut.

# See Also

  - pkg/writer for the status state machine
  - pkg/config for the platform-wide limits applied to these types
*/
package types
