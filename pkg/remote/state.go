package remote

import "fmt"

// State is the lifecycle position of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s State) validateTransitionTo(next State) error {
	switch s {
	case StateDisconnected:
		if next == StateConnecting {
			return nil
		}
	case StateConnecting:
		if next == StateJoined || next == StateDisconnected {
			return nil
		}
	case StateJoined:
		if next == StateDisconnected {
			return nil
		}
	}
	return fmt.Errorf("invalid state transition from %s to %s", s, next)
}
