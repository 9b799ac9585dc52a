/*
Package bus provides the pub/sub event fabric for evaluation lifecycle
events.

The bus carries LifecycleEvent values on per-kind channels
(evaluation:queued through evaluation:cancelled). Producers are the
gateway (queued), the dispatcher (provisioning, failed on dead-letter),
and the monitor (running and all terminals); the single consumer of
record is the durable store writer.

# Implementations

RedisBus publishes on Redis pub/sub and is the production fabric between
processes. Broker is an in-memory fan-out for single-process deployments
and tests; both are best-effort. Loss is tolerated by design: the writer's
state machine accepts the documented shortcut transitions, and the
monitor's sequencer keeps per-evaluation order on the producing side.

# Usage

	sub, err := eventBus.Subscribe(ctx) // all kinds
	defer sub.Close()
	for event := range sub.Events() {
		...
	}
*/
package bus
