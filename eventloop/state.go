package eventloop

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop.
//
// State Machine:
//
//	StateIdle (0) → StateRunning (1)    [Run(), RunTimeout(), Close() drain]
//	StateRunning (1) → StateIdle (0)    [run returned]
//	StateIdle (0) → StateDeleted (2)    [last reference released]
//	StateDeleted (2) → (terminal)
//
// State Transition Rules:
//   - Use TryTransition() (CAS) to enter StateRunning, so a second run fails
//   - Use Store() for StateIdle on the way out of a run, and for StateDeleted
type LoopState uint64

const (
	// StateIdle indicates the loop exists and is not being run.
	StateIdle LoopState = 0
	// StateRunning indicates a run (or a close drain) is in progress.
	StateRunning LoopState = 1
	// StateDeleted indicates the loop has been torn down.
	StateDeleted LoopState = 2
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateDeleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// fastState is an atomic state machine. Only the loop goroutine changes it,
// but State() may be read from anywhere.
type fastState struct {
	v atomic.Uint64
}

// Load returns the current state atomically.
func (s *fastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state.
// No transition validation.
func (s *fastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
