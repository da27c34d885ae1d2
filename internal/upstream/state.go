package upstream

import "fmt"

// State of the upstream controller.
type State int

const (
	Disabled State = iota
	Connecting
	Waiting
	Transmitting
	Overload
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Connecting:
		return "connecting"
	case Waiting:
		return "waiting"
	case Transmitting:
		return "transmitting"
	case Overload:
		return "overload"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	switch from {
	case Disabled:
		return to == Connecting
	case Connecting:
		return to == Waiting || to == Disabled
	case Waiting:
		return to == Transmitting || to == Disabled
	case Transmitting:
		return to == Waiting || to == Overload || to == Disabled
	case Overload:
		return to == Disabled
	}
	return false
}
