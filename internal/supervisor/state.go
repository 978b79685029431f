// Package supervisor runs one render task: it launches the renderer, drains
// and classifies its output, turns events into progress and an outcome,
// and always shuts the renderer down.
package supervisor

// State is the lifecycle state of one task.
//
//	NotStarted -> Launching -> Running -> {Completed, Failed, TimedOut, Canceled} -> Terminated
//
// Launching may also end directly in an outcome (a renderer can fail, or
// even finish, before its first liveness check), and any state may move
// straight to Terminated on a shutdown request.
type State int

const (
	// StateNotStarted is the initial state before Run.
	StateNotStarted State = iota

	// StateLaunching: the process is spawned, liveness not yet confirmed.
	StateLaunching

	// StateRunning: the renderer is alive and being monitored.
	StateRunning

	StateCompleted
	StateFailed
	StateTimedOut
	StateCanceled

	// StateTerminated is final. The renderer process is gone.
	StateTerminated
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCanceled:
		return "canceled"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsActive returns true while the renderer is starting or running.
func (s State) IsActive() bool {
	return s == StateLaunching || s == StateRunning
}

// IsOutcome returns true for the states that decide the task result.
func (s State) IsOutcome() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCanceled:
		return true
	}
	return false
}

// IsTerminal returns true if the state is final.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// CanTransition reports whether from -> to is a forward move.
func CanTransition(from, to State) bool {
	if from == StateTerminated {
		return false
	}
	if to == StateTerminated {
		return true
	}
	switch from {
	case StateNotStarted:
		return to == StateLaunching
	case StateLaunching:
		return to == StateRunning || to.IsOutcome()
	case StateRunning:
		return to.IsOutcome()
	}
	return false
}
