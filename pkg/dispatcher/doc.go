// Package dispatcher consumes the task stream and drives each
// evaluation through the two-phase assign→execute chain.
//
// Phase 1 (assignment) claims a sandbox slot from the pool, waiting out
// pool exhaustion with a jittered flat backoff. The wait is unbounded:
// capacity pressure alone never consumes the retry budget. Phase 2
// (execution) submits the task to the orchestrator and watches the
// durable store until the lifecycle monitor drives the evaluation to a
// terminal state.
//
// Error handling follows a strict taxonomy. Capacity rejections (the
// pool filled between phases) release the slot and restart the whole
// chain; they are counted on the envelope's bounce counter, separate
// from the retry budget. Quota rejections retry with exponential
// backoff against a bounded budget. Transport failures and 5xx
// responses retry the
// current phase while keeping the sandbox. Other 4xx responses are
// permanent and dead-letter immediately. Exhausted tasks land in a
// bounded dead-letter queue with full failure context, and a terminal
// failed event is published so the evaluation record reflects the
// outcome.
//
// Every exit path releases the claimed sandbox. The release is wired as
// both the success and the failure continuation, with a deferred safety
// net; the allocator's idempotent release absorbs the duplicate
// signals this produces.
package dispatcher
