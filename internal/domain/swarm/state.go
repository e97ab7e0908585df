package swarm

// State represents the coordinator lifecycle.
type State string

const (
	StatePlanning     State = "planning"
	StateInitializing State = "initializing"
	StateExecuting    State = "executing"
	StatePaused       State = "paused"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// stateMachine is the fixed coordinator state machine.
var stateMachine = map[State][]State{
	StatePlanning:     {StateInitializing, StateFailed},
	StateInitializing: {StateExecuting, StateFailed},
	StateExecuting:    {StatePaused, StateCompleted, StateFailed},
	StatePaused:       {StateExecuting, StateCompleted, StateFailed},
	StateCompleted:    {},
	StateFailed:       {},
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, allowed := range stateMachine[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true once the coordinator can no longer run.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}
