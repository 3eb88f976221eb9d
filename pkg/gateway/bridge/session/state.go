package session

// State is a Bridge Session lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateConnectingUpstream
	StateConnectingDownstream
	StateActive
	StateStopping
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnectingUpstream:
		return "connecting_upstream"
	case StateConnectingDownstream:
		return "connecting_downstream"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	StateCreated:              {StateConnectingUpstream, StateClosed, StateError},
	StateConnectingUpstream:   {StateConnectingDownstream, StateStopping, StateError},
	StateConnectingDownstream: {StateActive, StateStopping, StateError},
	StateActive:               {StateStopping, StateError},
	StateStopping:             {StateClosed, StateError},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
