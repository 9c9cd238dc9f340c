package fibersched

import (
	"sync/atomic"
)

// State represents the current state of a Scheduler.
//
//	StateIdle (0) → StateRunning (3)        [Run()]
//	StateRunning (3) → StateSleeping (2)    [park via CAS]
//	StateSleeping (2) → StateRunning (3)    [wake via CAS]
//	StateRunning (3) → StateIdle (0)        [Run() returns]
//	StateIdle (0) → StateTerminated (1)     [Close()]
//	StateTerminated (1) → (terminal)
//
// Unblock reads the state to decide whether the loop must be woken.
type State uint64

const (
	// StateIdle indicates the loop is not running. Spawn is permitted.
	StateIdle State = 0
	// StateTerminated indicates the scheduler has been closed.
	StateTerminated State = 1
	// StateSleeping indicates the loop is parked in poll, or on a timer.
	StateSleeping State = 2
	// StateRunning indicates the loop is dispatching fibers.
	StateRunning State = 3
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// stateCell is a lock-free state machine.
type stateCell struct {
	v atomic.Uint64
}

func (s *stateCell) Load() State {
	return State(s.v.Load())
}

// Store is only valid for the terminal state, or to return to Idle from a
// state owned by the caller.
func (s *stateCell) Store(state State) {
	s.v.Store(uint64(state))
}

// TryTransition performs a CAS, returning true on success.
func (s *stateCell) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
