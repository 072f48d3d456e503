package player

import "fmt"

// State is the playback state of a session.
type State int

const (
	StateCreated State = iota
	StatePlaying
	StatePaused
	StateSeeking
	StateDraining
	StateStopped
)

var stateNames = [...]string{
	StateCreated:  "created",
	StatePlaying:  "playing",
	StatePaused:   "paused",
	StateSeeking:  "seeking",
	StateDraining: "draining",
	StateStopped:  "stopped",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to State) bool {
	if from == to || from == StateStopped {
		return false
	}
	switch to {
	case StatePlaying:
		return from == StateCreated || from == StateSeeking || from == StatePaused
	case StatePaused:
		return from == StatePlaying || from == StateSeeking
	case StateSeeking:
		return from == StatePlaying || from == StatePaused
	case StateDraining:
		return from == StatePlaying || from == StatePaused || from == StateSeeking
	case StateStopped:
		return true
	}
	return false
}
