/*
Package allocator manages the bounded pool of execution sandboxes.

The pool is two pieces of coordination-store state: a FIFO list of
available sandbox URLs (available_executors) and one TTL'd busy marker per
claimed slot (executor:busy:{url}, value = claiming eval id). Every
mutation is a single Lua script, so claim and release are atomic with
respect to any number of concurrent dispatcher workers.

# Claim

Atomic right-pop from the available list plus busy-marker set, in one
round-trip. At most one claimer per slot; an empty pool returns
ErrPoolEmpty and the dispatcher waits in its phase-1 loop.

# Release

Release is strictly idempotent because the dispatcher wires it as both
the success-path and failure-path continuation of execution, and dual
firing of those continuations is a known occurrence. The script deletes
the busy marker, scans the available list, and re-pushes the URL only if
the marker existed and the URL was not already listed. The outcome
distinguishes a normal release, a detected double release (counted, and
logged with the interval since the prior release; under one second is
classified as a probable dual-callback), and a release of an unknown
sandbox.

# Crash recovery

The busy-marker TTL guarantees an abandoned slot becomes reclaimable
without intervention. The Reconciler tightens that bound: it scans busy
markers, correlates them with the durable store, and force-releases any
slot whose evaluation is already terminal.

# Invariants

  - No sandbox URL is ever held by two evaluations at once.
  - The net effect of any number of releases for one claim is exactly one
    push to the available list.
  - Slot identities are stable; initialization seeds only URLs that are
    neither listed nor busy.
*/
package allocator
