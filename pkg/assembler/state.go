package assembler

import "fmt"

// State is the state of an assembly.
type State string

const (
	StateIdle       State = "idle"
	StateStaging    State = "staging"
	StateVerifying  State = "verifying"
	StatePromoting  State = "promoting"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled-back"
)

var transitions = map[State][]State{
	StateIdle:      {StateStaging},
	StateStaging:   {StateVerifying, StateRolledBack},
	StateVerifying: {StatePromoting, StateRolledBack},
	StatePromoting: {StateCommitted, StateRolledBack},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// TransitionError reports an illegal state change.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal assembler transition %s -> %s", e.From, e.To)
}
