package identity

import (
	"fmt"
	"slices"
)

// State is the authentication state derived from the latest profile
// fetch settlement.
type State string

const (
	// Unknown is the initial state before the first profile fetch settles.
	Unknown State = "UNKNOWN"
	// Authenticated means the most recent profile fetch succeeded with a
	// non-null user.
	Authenticated State = "AUTHENTICATED"
	// Anonymous means logged out, or an auth-flavored fetch failure.
	Anonymous State = "ANONYMOUS"
)

// validTransitions defines allowed state transitions. Self transitions
// are always allowed: a profile re-fetch that settles the same way
// merely recomputes the session snapshot.
var validTransitions = map[State][]State{
	Unknown:       {Authenticated, Anonymous},
	Authenticated: {Anonymous},
	Anonymous:     {Authenticated},
}

func checkTransition(from, to State) error {
	if from == to {
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// Change is the payload for session state change events.
type Change struct {
	From State
	To   State
}
