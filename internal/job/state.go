package job

import "ingestor/internal/apperrors"

// State is a job's lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateDispatched State = "dispatched"
	StateRunning    State = "running"
	StateAborting   State = "aborting"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateAborted    State = "aborted"
	StateRejected   State = "rejected"
)

// DefaultMaxRetries bounds automatic retries of a failed job.
const DefaultMaxRetries = 5

// A Dispatched job ends Failed or Rejected only when the coordinator decides it before
// the worker starts it (worker lost, environment failed, artifact gone). Every outcome
// a worker reports passes through Running.
var transitions = map[State][]State{
	StateQueued:     {StateDispatched, StateAborted},
	StateDispatched: {StateRunning, StateQueued, StateAborting, StateFailed, StateRejected},
	StateRunning:    {StateCompleted, StateFailed, StateAborted, StateRejected, StateAborting, StateQueued},
	StateAborting:   {StateAborted, StateCompleted, StateFailed, StateRejected},
	StateFailed:     {StateQueued},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources returns the states from which to is reachable in one step.
func Sources(to State) []State {
	var out []State
	for _, from := range allStates {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

var allStates = []State{
	StateQueued, StateDispatched, StateRunning, StateAborting,
	StateCompleted, StateFailed, StateAborted, StateRejected,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, v := range allStates {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition happens without intervention.
// Failed is terminal once the retry policy declined to requeue it.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateAborted, StateRejected:
		return true
	}
	return false
}

// InFlight reports whether the job is assigned to a worker.
func (s State) InFlight() bool {
	return s == StateDispatched || s == StateRunning || s == StateAborting
}

// OutcomeState maps a failure code to the terminal state it produces.
func OutcomeState(code apperrors.Code) State {
	switch code {
	case apperrors.CodeValidation:
		return StateRejected
	case apperrors.CodeCancelled:
		return StateAborted
	default:
		return StateFailed
	}
}
