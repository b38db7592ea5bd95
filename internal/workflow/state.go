// Package workflow tracks multi-step operations with a fixed state machine
// and runs them as sagas with compensating undo actions.
package workflow

// State is a workflow state.
type State string

const (
	Created    State = "CREATED"
	Running    State = "RUNNING"
	Paused     State = "PAUSED"
	Committed  State = "COMMITTED"
	Failed     State = "FAILED"
	Undoing    State = "UNDOING"
	Undone     State = "UNDONE"
	FailedUndo State = "FAILED_UNDO"
)

// Terminal reports whether s accepts no further transitions.
func (s State) Terminal() bool {
	return s == Committed || s == Undone || s == FailedUndo
}

// Trigger drives a transition.
type Trigger string

const (
	BeginExecution Trigger = "BEGIN_EXECUTION"
	Pause          Trigger = "PAUSE"
	Resume         Trigger = "RESUME"
	Commit         Trigger = "COMMIT"
	Fail           Trigger = "FAIL"
	Retry          Trigger = "RETRY"
	BeginUndo      Trigger = "BEGIN_UNDO"
	UndoComplete   Trigger = "UNDO_COMPLETE"
	UndoFailed     Trigger = "UNDO_FAILED"
)

// transitions is the complete table; anything not listed is rejected.
var transitions = map[State]map[Trigger]State{
	Created: {
		BeginExecution: Running,
		Fail:           Failed,
	},
	Running: {
		Pause:  Paused,
		Commit: Committed,
		Fail:   Failed,
	},
	Paused: {
		Resume: Running,
		Fail:   Failed,
	},
	Failed: {
		Retry:     Running,
		BeginUndo: Undoing,
	},
	Undoing: {
		UndoComplete: Undone,
		UndoFailed:   FailedUndo,
	},
}

// Next returns the state reached from s by t.
func Next(s State, t Trigger) (State, bool) {
	to, ok := transitions[s][t]
	return to, ok
}
