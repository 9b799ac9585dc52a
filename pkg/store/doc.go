/*
Package store persists evaluations and dead-letter records.

The DurableStore interface is deliberately narrow: creation, reads, a
transactional read-modify-write (UpdateEvaluation), and dead-letter
retention. UpdateEvaluation is the single mutation path for evaluation
state after creation; pkg/writer runs the status state machine inside
that transaction and no other component writes.

# Backends

PostgresStore is the production backend (sqlx over pgx), using the
platform's relational layout (evaluations, dead_letter) with a
SELECT ... FOR UPDATE row lock so concurrent writer instances serialize
per evaluation. BoltStore is an embedded backend for single-node and
development deployments; bolt's single-writer transactions provide the
same atomicity.

# Migration

Schema holds the idempotent DDL; cmd/crucible-migrate applies it.
*/
package store
