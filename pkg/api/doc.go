// Package api exposes the platform's HTTP surface: evaluation
// submission, lookup, and cancellation under /api/v1, plus the
// operational endpoints /health, /ready, and /metrics.
//
// Only validation errors surface to submitters synchronously; every
// other failure is recorded on the evaluation through the event
// pipeline and shows up in the record the lookup endpoint returns.
package api
