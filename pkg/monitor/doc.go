// Package monitor watches the orchestrator's job-event stream and
// translates job changes into evaluation lifecycle events.
//
// Each observed change produces at most one event: the first active job
// yields running, a succeeded job yields completed with captured output,
// a failed or deadline-exceeded job yields failed, and a deletion before
// a terminal state yields cancelled. Log fetches for terminal events run
// off the watch loop so a slow log endpoint cannot delay unrelated
// evaluations.
//
// Publishing goes through a per-evaluation sequencer: sequence numbers
// are assigned in observation order and events are released to the bus
// strictly in that order. A buffered event whose predecessor never
// arrives is released after a bounded gap wait, so one lost event cannot
// stall an evaluation.
//
// The watch connection is renewed at a bounded interval. Every
// (re)connect is followed by a reconciliation pass that compares the
// live job list against emitted state and synthesizes any terminal
// event missed while disconnected. A separate reaper deletes jobs whose
// evaluation the durable store already shows as terminal.
package monitor
