package session

import (
	"errors"
	"fmt"
)

// State is a session lifecycle state.
type State int

const (
	Connecting State = iota
	Negotiating
	Authenticating
	Active
	Closing
	Closed
)

var ErrIllegalTransition = errors.New("session: illegal state transition")

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Negotiating:
		return "negotiating"
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	Connecting:     {Negotiating, Closing},
	Negotiating:    {Authenticating, Closing},
	Authenticating: {Active, Closing},
	Active:         {Closing},
	Closing:        {Closed},
}

// CanTransition reports whether to is reachable from s in one step.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
