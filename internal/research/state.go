package research

import (
	"github.com/rotisserie/eris"
)

// State is the lifecycle position of a task.
type State string

// Task states.
const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateRetrying  State = "RETRYING"
)

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSucceeded, StateFailed, StateRetrying:
		return true
	default:
		return false
	}
}

// Event drives a state transition.
type Event string

// Transition events.
const (
	EventDispatch Event = "dispatch"
	EventSucceed  Event = "succeed"
	EventRetry    Event = "retry"
	EventFail     Event = "fail"
)

// ErrIllegalTransition is returned for edges outside the task graph.
var ErrIllegalTransition = eris.New("illegal task state transition")

var transitions = map[State]map[Event]State{
	StatePending: {
		EventDispatch: StateRunning,
	},
	StateRunning: {
		EventSucceed: StateSucceeded,
		EventRetry:   StateRetrying,
		EventFail:    StateFailed,
	},
	StateRetrying: {
		EventDispatch: StateRunning,
		EventFail:     StateFailed,
	},
}

// Transition returns the state reached from `from` on `ev`.
func Transition(from State, ev Event) (State, error) {
	if next, ok := transitions[from][ev]; ok {
		return next, nil
	}
	return from, eris.Wrapf(ErrIllegalTransition, "%s on %s", ev, from)
}

// NewStateChange describes the move from prev to next. Failure details of
// next become the reason for RETRYING and FAILED entries.
func NewStateChange(prev, next Task) StateChange {
	change := StateChange{
		TaskID:  next.ID,
		From:    prev.State,
		To:      next.State,
		Attempt: next.Attempts,
		At:      next.UpdatedAt,
	}
	if next.Error != nil && (next.State == StateRetrying || next.State == StateFailed) {
		change.Reason = string(next.Error.Code) + ": " + next.Error.Message
	}
	return change
}
