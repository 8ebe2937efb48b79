package server

import (
	"errors"
	"fmt"
)

// State is a connection's position in the session lifecycle.
type State int

const (
	StateAccepted State = iota
	StateAuthenticating
	StateAuthenticated
	StateRoomChecked
	StateJoined
	StateStreaming
	StateClosed
)

var ErrInvalidTransition = errors.New("invalid state transition")

var stateNames = map[State]string{
	StateAccepted:       "accepted",
	StateAuthenticating: "authenticating",
	StateAuthenticated:  "authenticated",
	StateRoomChecked:    "room-checked",
	StateJoined:         "joined",
	StateStreaming:      "streaming",
	StateClosed:         "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// canTransition reports whether next may follow s. States only move
// forward one step at a time, except that any live state may close.
func (s State) canTransition(next State) bool {
	if s == StateClosed {
		return false
	}
	return next == StateClosed || next == s+1
}
