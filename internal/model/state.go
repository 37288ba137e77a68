package model

import "strings"

// State represents the lifecycle state of a transcode job. These
// values are stored verbatim by every job store backend, so they
// must not change once persisted.
type State string

const (
	StatePending     State = "PENDING"
	StateStagingIn   State = "STAGING_IN"
	StateTranscoding State = "TRANSCODING"
	StateStagingOut  State = "STAGING_OUT"
	StatePublishing  State = "PUBLISHING"
	StateCleaningUp  State = "CLEANING_UP"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// InFlightStates lists the states a job can only be in while a worker
// owns it. Jobs found in one of these at startup were orphaned by a
// crash and are requeued.
var InFlightStates = []State{
	StateStagingIn,
	StateTranscoding,
	StateStagingOut,
	StatePublishing,
	StateCleaningUp,
}

// Terminal reports whether no further transitions may occur.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// InFlight reports whether s is owned by a worker.
func (s State) InFlight() bool {
	for _, st := range InFlightStates {
		if s == st {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s == StatePending || s.Terminal() || s.InFlight()
}

// ParseState converts user input (case-insensitive) into a State.
func ParseState(raw string) (State, bool) {
	s := State(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}
