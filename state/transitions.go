package state

// State represents one lifecycle state of a gateway session.
type State string

const (
	// StateUnauthenticated is the initial state before any connection attempt.
	StateUnauthenticated State = "unauthenticated"
	// StateConnecting means a connection attempt to the gateway is underway.
	StateConnecting State = "connecting"
	// StateOpening means the gateway endpoint is being opened.
	StateOpening State = "opening"
	// StateAwaitingPairing means the gateway is presenting a pairing code and
	// waiting for the user to authorize the device.
	StateAwaitingPairing State = "awaiting_pairing"
	// StatePairing means a pairing authorization is being completed.
	StatePairing State = "pairing"
	// StateActive means the session is authenticated and fully usable.
	StateActive State = "active"
	// StateDisconnected means the session is closed.
	StateDisconnected State = "disconnected"
	// StateError means the session failed with a transport or driver error.
	StateError State = "error"
	// StateTimeout means the gateway stopped responding within its deadline.
	StateTimeout State = "timeout"
	// StateConflict means another device took over the session.
	StateConflict State = "conflict"
	// StateDeprecated means the gateway rejected the client protocol version.
	StateDeprecated State = "deprecated"
	// StateProxyBlocked means the gateway refused the connection's proxy.
	StateProxyBlocked State = "proxy_blocked"
	// StatePolicyBlocked means the account is blocked by gateway policy.
	StatePolicyBlocked State = "policy_blocked"
	// StateUnpaired means the device authorization was revoked.
	StateUnpaired State = "unpaired"
	// StateUnpairedIdle means the revoked session has gone idle.
	StateUnpairedIdle State = "unpaired_idle"
	// StateUnlaunched means the gateway endpoint has not been launched yet.
	StateUnlaunched State = "unlaunched"
)

// legalTransitions maps each state to the set of states it may directly
// transition into. A transition absent from this table is rejected by
// Machine.SetState.
var legalTransitions = map[State][]State{
	StateUnauthenticated: {StateConnecting, StateOpening, StateAwaitingPairing, StatePairing, StateDisconnected, StateError, StateTimeout},
	StateConnecting:      {StateAwaitingPairing, StatePairing, StateActive, StateError, StateTimeout, StateDisconnected},
	StateOpening:         {StateConnecting, StateAwaitingPairing, StatePairing, StateActive, StateError, StateTimeout, StateDisconnected},
	StateAwaitingPairing: {StateConnecting, StatePairing, StateActive, StateTimeout, StateError, StateDisconnected},
	StatePairing:         {StateActive, StateUnpaired, StateError, StateTimeout, StateDisconnected},
	StateActive:          {StateDisconnected, StateError, StateConflict, StateDeprecated, StateProxyBlocked, StatePolicyBlocked},
	StateDisconnected:    {StateConnecting, StateOpening, StateUnlaunched},
	StateError:           {StateDisconnected, StateConnecting, StateOpening},
	StateTimeout:         {StateDisconnected, StateConnecting, StateOpening},
	StateConflict:        {StateDisconnected, StateConnecting, StateOpening},
	StateDeprecated:      {StateDisconnected},
	StateProxyBlocked:    {StateDisconnected, StateConnecting, StateOpening},
	StatePolicyBlocked:   {StateDisconnected},
	StateUnpaired:        {StateAwaitingPairing, StateConnecting, StateDisconnected, StateUnpairedIdle},
	StateUnpairedIdle:    {StateAwaitingPairing, StateConnecting, StateDisconnected, StateUnpaired},
	StateUnlaunched:      {StateOpening, StateConnecting, StateDisconnected},
}

// AllStates lists every lifecycle state in the domain table.
func AllStates() []State {
	return []State{
		StateUnauthenticated, StateConnecting, StateOpening, StateAwaitingPairing,
		StatePairing, StateActive, StateDisconnected, StateError, StateTimeout,
		StateConflict, StateDeprecated, StateProxyBlocked, StatePolicyBlocked,
		StateUnpaired, StateUnpairedIdle, StateUnlaunched,
	}
}

// CanTransitionTo reports whether a direct transition from s to next is legal.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// LegalTransitions returns a copy of the legal target set for s.
func (s State) LegalTransitions() []State {
	targets := legalTransitions[s]
	out := make([]State, len(targets))
	copy(out, targets)
	return out
}

// IsActive reports whether the session is authenticated and usable.
func (s State) IsActive() bool {
	return s == StateActive
}

// IsConnecting reports whether the session is somewhere in the connection or
// pairing handshake.
func (s State) IsConnecting() bool {
	switch s {
	case StateConnecting, StateOpening, StateAwaitingPairing, StatePairing:
		return true
	}
	return false
}

// IsError reports whether the session is in one of the failure states.
func (s State) IsError() bool {
	switch s {
	case StateError, StateTimeout, StateConflict, StateDeprecated, StateProxyBlocked, StatePolicyBlocked:
		return true
	}
	return false
}

// IsDisconnected reports whether the session is closed.
func (s State) IsDisconnected() bool {
	return s == StateDisconnected
}

// RequiresPairing reports whether the session needs a device authorization
// before it can become active.
func (s State) RequiresPairing() bool {
	switch s {
	case StateAwaitingPairing, StateUnpaired, StateUnpairedIdle:
		return true
	}
	return false
}
