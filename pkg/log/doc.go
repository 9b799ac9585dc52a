/*
Package log provides structured logging for Crucible using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable levels, and helpers for the
fields that recur across the pipeline (eval_id, sandbox, job_name). All
logs carry timestamps; production runs use JSON output, development runs
use the console writer.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("dispatcher")
	logger.Info().Str("eval_id", id).Msg("task dequeued")

Child loggers are cheap; create one per component at construction time and
attach per-evaluation fields at the call site.

# Integration Points

Every long-running component (gateway, dispatcher, allocator, monitor,
writer) holds a component-scoped child logger. Protocol-bug conditions
(double release, invalid transition, sequence gap) are logged at warn with
full context and counted in pkg/metrics; they are never surfaced to users.
*/
package log
