package supervisor

// State is a backend handle's lifecycle state. States only move forward:
// NotStarted -> Starting -> Ready -> Stopping -> Stopped, with Starting or
// Ready -> Failed, and Starting -> Stopping when quit interrupts startup.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

// Live reports whether a handle in this state occupies the session's single backend slot.
func (s State) Live() bool { return s == StateStarting || s == StateReady || s == StateStopping }

var allStates = []State{StateNotStarted, StateStarting, StateReady, StateStopping, StateStopped, StateFailed}

// canTransition encodes the allowed edges of the handle state machine.
func canTransition(from, to State) bool {
	switch from {
	case StateNotStarted:
		return to == StateStarting
	case StateStarting:
		return to == StateReady || to == StateFailed || to == StateStopping
	case StateReady:
		return to == StateStopping || to == StateFailed
	case StateStopping:
		return to == StateStopped
	default:
		return false
	}
}
