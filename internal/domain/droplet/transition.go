package droplet

import "github.com/fleetctl/controlplane/internal/domain/errs"

// legalSuccessors is the authoritative state machine. A transition not
// listed here is illegal; attempting it fails with STATE_TRANSITION_INVALID.
var legalSuccessors = map[State][]State{
	StatePending:          {StateProvisioning},
	StateProvisioning:     {StateBooting, StateOrphan},
	StateBooting:          {StateInitializing, StateOrphan},
	StateInitializing:     {StateHandshakePending, StateOrphan},
	StateHandshakePending: {StateActiveHealthy, StateOrphan},
	StateActiveHealthy:    {StateActiveDegraded, StateHibernating, StateZombie, StateTerminated},
	StateActiveDegraded:   {StateActiveHealthy, StateZombie, StateHibernating, StateTerminated},
	StateHibernating:      {StateHibernated},
	StateHibernated:       {StateWaking},
	StateWaking:           {StateActiveHealthy, StateOrphan},
	StateZombie:           {StateRebooting},
	StateRebooting:        {StateActiveHealthy, StateOrphan},
	StateOrphan:           nil,
	StateTerminated:       nil,
}

// Legal reports whether to is a permitted successor of from.
func Legal(from, to State) bool {
	for _, candidate := range legalSuccessors[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Transition validates from->to against the state machine and returns
// the new state, or a STATE_TRANSITION_INVALID error. Callers are
// responsible for journalling the resulting lifecycle event before any
// side effect that depends on it takes place (P4, P3).
func Transition(from, to State) (State, error) {
	if !Legal(from, to) {
		return from, errs.New(errs.StateTransitionError, "illegal droplet transition "+string(from)+" -> "+string(to))
	}
	return to, nil
}
