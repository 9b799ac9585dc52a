/*
Package gateway accepts evaluation submissions into the pipeline.

Submit validates the request against the platform limits (source size,
registered runtime, deadline, priority class), assigns a time-sortable
UUIDv7 identifier, creates the initial durable record, publishes the
queued event (sequence 0), and enqueues the task envelope on the
dispatcher's priority sub-stream.

Failure handling follows the ownership contract: a lost queued event is
non-fatal (counted and logged; the writer picks the evaluation up at its
first real lifecycle event), but a failed enqueue is fatal and surfaces
as ErrServiceUnavailable with no id returned.

SubmitBatch shapes fan-out with a per-batch ceiling and a fixed
inter-item delay; items succeed or fail independently.
*/
package gateway
