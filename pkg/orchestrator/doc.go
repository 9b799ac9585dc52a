/*
Package orchestrator is the HTTP client for the execution orchestrator.

The orchestrator runs the sandboxes; Crucible treats it as an opaque
collaborator behind a small internal API:

	POST   /execute        submit a job, returns {job_name}
	GET    /status/{job}   point-in-time job state
	GET    /logs/{job}     captured output (bounded by the caller)
	DELETE /jobs/{job}     delete a job (cancellation, orphan reaping)
	GET    /jobs?label=    list jobs bearing the platform label
	GET    /watch?label=   NDJSON stream of ADDED/MODIFIED/DELETED events

Responses are classified into the dispatcher's error taxonomy: 403 is
ErrQuota, 429 is ErrCapacity, 404 is ErrJobNotFound, 5xx and transport
failures are ErrUnavailable (retryable), and any other 4xx is a
PermanentError that bypasses retry. A gobreaker circuit breaker fronts
the unary calls; the watch stream bypasses it and is reconnected by
pkg/monitor.
*/
package orchestrator
