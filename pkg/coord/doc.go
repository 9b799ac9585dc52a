/*
Package coord centralizes access to the key-value coordination store.

The coordination store (Redis) is the only shared mutable state across
processes. This package owns the key scheme so that the allocator, stream,
dispatcher, and reconcilers never disagree on a key name, and provides the
connected client factory used by all of them.

Key layout:

	available_executors        FIFO list of free sandbox URLs
	executor:busy:{url}        busy marker, value = claiming eval id, TTL'd
	assigner:{eval_id}         dispatcher assignment claim, TTL'd
	tasks:{priority}           task sub-stream list (high, normal)
	dlq                        bounded dead-letter FIFO
	dlq:metadata:{task_id}     per-task dead-letter hash
	evaluation:{kind}          pub/sub lifecycle channels
*/
package coord
