package fsm

// State is the lifecycle position of a flash job.
type State string

// State names
const (
	StatePending    State = "pending"
	StateValidating State = "validating"
	StateWriting    State = "writing"
	StateVerifying  State = "verifying"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

var transitions = map[State][]State{
	StatePending:    {StateValidating, StateFailed, StateCancelled},
	StateValidating: {StateWriting, StateFailed, StateCancelled},
	StateWriting:    {StateVerifying, StateFailed, StateCancelled},
	StateVerifying:  {StateSucceeded, StateFailed, StateCancelled},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
