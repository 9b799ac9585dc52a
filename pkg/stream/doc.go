/*
Package stream provides the task stream between the gateway and the
dispatcher.

Each priority class is a separate sub-stream (tasks:high, tasks:normal).
Dispatcher workers poll high at roughly twice the rate of normal via a
weighted round-robin key ordering; this is deliberately approximate and
makes no strict-priority promise.

Delivery is at-least-once with per-envelope single-consumer semantics:
dequeue atomically moves the envelope onto the consumer's processing
list, Ack destroys it, and RecoverPending requeues whatever a crashed
consumer left behind. RedisStream is the production implementation;
MemoryStream backs single-process deployments and tests with identical
semantics.
*/
package stream
