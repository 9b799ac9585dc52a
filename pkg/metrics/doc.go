/*
Package metrics provides Prometheus instrumentation for the evaluation
pipeline.

Collectors are package-level variables registered in init(), grouped by
component: gateway submissions, task-stream depth, dispatcher attempts and
retries, sandbox pool claims/releases (including the double-release
counter), monitor event/gap/reconnect counters, and writer transition
counters. Handler() exposes the standard promhttp handler, mounted by
pkg/api on the internal listener.

Protocol-bug conditions that the pipeline absorbs rather than surfaces
(double release, invalid state transition, sequence-gap timeout) each have
a dedicated counter; alerting keys off these.

# Usage

	metrics.SandboxClaimsTotal.WithLabelValues("claimed").Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PhaseDuration, "assignment")
*/
package metrics
