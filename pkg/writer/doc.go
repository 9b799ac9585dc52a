// Package writer applies lifecycle events to the durable store.
//
// The writer subscribes to every evaluation channel and is the single
// mutator of evaluation state after creation. Each event runs through
// the status state machine inside one store transaction: allowed
// transitions update the record; re-delivered terminal events and the
// queued event echoing the state the record was created in are
// idempotent successes; anything else is rejected, counted, and
// dropped. The durable state is the ground truth, and a malordered
// event carries no authority over it.
//
// Two shortcut transitions, queued→completed and provisioning→completed,
// absorb sub-100ms executions whose running event is lost in transit.
// StrictOrdering disables them for deployments that rely entirely on the
// monitor's ordered queue.
//
// Payload merging is first-write-wins: timestamps never rewind, output
// and exit codes are set on entry to a terminal state and never
// overwritten, and captured output is bounded by the platform limit.
package writer
