package writer

import (
	"errors"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// ErrInvalidTransition marks an event the state machine refused. The
// event is dropped, not dead-lettered: the current durable state is the
// ground truth and a malordered or duplicate event carries no authority
// over it.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the allowed-transition table. Idempotent
// re-application (terminal states, and the queued creation echo) is
// handled separately in Apply.
var transitions = map[types.Status]map[types.Status]bool{
	types.StatusQueued: {
		types.StatusProvisioning: true,
		types.StatusRunning:      true,
		types.StatusCompleted:    true, // sub-100ms execution, running lost in transit
		types.StatusFailed:       true,
		types.StatusCancelled:    true,
	},
	types.StatusProvisioning: {
		types.StatusRunning:   true,
		types.StatusCompleted: true, // same shortcut, one state later
		types.StatusFailed:    true,
		types.StatusCancelled: true,
	},
	types.StatusRunning: {
		types.StatusCompleted: true,
		types.StatusFailed:    true,
		types.StatusCancelled: true,
	},
}

// shortcut reports whether from→to is one of the completed shortcuts
// that exist to absorb lost running events. StrictOrdering disables
// them: with the monitor's ordered queue in front, a completed arriving
// ahead of running is a protocol bug worth rejecting.
func shortcut(from, to types.Status) bool {
	return to == types.StatusCompleted &&
		(from == types.StatusQueued || from == types.StatusProvisioning)
}

// Allowed reports whether the transition may be applied
func Allowed(from, to types.Status, strict bool) bool {
	if from == to && from.Terminal() {
		return true
	}
	if strict && shortcut(from, to) {
		return false
	}
	return transitions[from][to]
}
