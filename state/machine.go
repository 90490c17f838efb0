// Package state implements the lifecycle state machine for a gateway session.
//
// The machine tracks the current and previous lifecycle state, enforces the
// fixed legal-transition table, retains a bounded transition history, and
// notifies registered observers of every accepted transition.
//
// Example:
//
//	m := state.NewMachine()
//	sub := m.OnChange(func(next, prev state.State) {
//	    fmt.Printf("%s -> %s\n", prev, next)
//	})
//	defer sub.Close()
//
//	if err := m.SetState(state.StateConnecting); err != nil {
//	    log.Fatal(err)
//	}
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxHistoryEntries bounds the transition history ring. The oldest record is
// evicted once the ring is full.
const MaxHistoryEntries = 50

// TransitionRecord is one entry of the transition history ring.
type TransitionRecord struct {
	State     State
	Timestamp time.Time
}

// Occupancy accumulates how often and for how long the machine sat in one
// state. Duration excludes the currently running stint.
type Occupancy struct {
	Count    int
	Duration time.Duration
}

// EventType identifies a structured lifecycle event.
type EventType string

const (
	// EventStateChanged is emitted on every accepted transition.
	EventStateChanged EventType = "state_changed"
	// EventPairingCode is emitted when a new pairing code becomes available.
	EventPairingCode EventType = "pairing_code"
	// EventReset is emitted when the machine is reset on full teardown.
	EventReset EventType = "reset"
)

// Event is delivered to structured lifecycle observers.
type Event struct {
	Type        EventType
	State       State
	Previous    State
	PairingCode string
	Timestamp   time.Time
}

// ChangeFunc observes plain state changes.
type ChangeFunc func(next, previous State)

// EventFunc observes structured lifecycle events.
type EventFunc func(Event)

// TimeProvider supplies the current time. It allows injecting a mock clock
// for deterministic duration accounting in tests.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// Subscription is a handle for a registered observer. Closing it unregisters
// the observer; Close is safe to call more than once.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Close unregisters the observer associated with this subscription.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

type changeEntry struct {
	id uint64
	fn ChangeFunc
}

type eventEntry struct {
	id uint64
	fn EventFunc
}

// Machine tracks the lifecycle state of one gateway session. All methods are
// safe for concurrent use; observer callbacks are invoked outside the
// machine's lock, in transition order.
type Machine struct {
	mu          sync.Mutex
	current     State
	previous    State
	enteredAt   time.Time
	pairingCode string
	history     []TransitionRecord
	occupancy   map[State]*Occupancy
	changeSubs  []changeEntry
	eventSubs   []eventEntry
	nextSubID   uint64
	tp          TimeProvider
}

// NewMachine creates a state machine in the unauthenticated state.
func NewMachine() *Machine {
	return NewMachineWithTimeProvider(realTimeProvider{})
}

// NewMachineWithTimeProvider creates a state machine with a custom clock.
func NewMachineWithTimeProvider(tp TimeProvider) *Machine {
	if tp == nil {
		tp = realTimeProvider{}
	}
	m := &Machine{
		current:   StateUnauthenticated,
		previous:  StateUnauthenticated,
		occupancy: make(map[State]*Occupancy),
		tp:        tp,
	}
	m.enteredAt = tp.Now()
	m.occupancy[StateUnauthenticated] = &Occupancy{Count: 1}
	return m
}

// Current returns the current lifecycle state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Previous returns the state the machine was in before the current one.
func (m *Machine) Previous() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// SetState transitions the machine into next. Setting the current state again
// is a no-op success and does not re-emit notifications. A target outside the
// legal-transition set of the current state is rejected without mutating the
// machine.
func (m *Machine) SetState(next State) error {
	m.mu.Lock()

	if next == m.current {
		m.mu.Unlock()
		return nil
	}

	if !m.current.CanTransitionTo(next) {
		current := m.current
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "SetState",
			"current":  current,
			"target":   next,
		}).Warn("Rejected illegal state transition")
		return &TransitionError{From: current, To: next}
	}

	event := m.applyLocked(next)
	changeSubs, eventSubs := m.observersLocked()
	previous := event.Previous
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetState",
		"previous": previous,
		"current":  next,
	}).Info("Session state changed")

	m.notify(changeSubs, eventSubs, event)
	return nil
}

// ForceState bypasses transition validation. It exists for terminal recovery
// paths, such as forcing disconnected after a failed driver teardown, and
// requires a justification that is logged alongside the transition.
func (m *Machine) ForceState(next State, reason string) {
	m.mu.Lock()

	if next == m.current {
		m.mu.Unlock()
		return
	}

	event := m.applyLocked(next)
	changeSubs, eventSubs := m.observersLocked()
	previous := event.Previous
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ForceState",
		"previous": previous,
		"current":  next,
		"reason":   reason,
	}).Warn("Session state forced without validation")

	m.notify(changeSubs, eventSubs, event)
}

// applyLocked mutates the machine for an accepted transition and returns the
// event to deliver. Caller holds m.mu.
func (m *Machine) applyLocked(next State) Event {
	now := m.tp.Now()

	if occ, ok := m.occupancy[m.current]; ok {
		occ.Duration += now.Sub(m.enteredAt)
	}
	occ, ok := m.occupancy[next]
	if !ok {
		occ = &Occupancy{}
		m.occupancy[next] = occ
	}
	occ.Count++

	m.previous = m.current
	m.current = next
	m.enteredAt = now

	// The pairing code is only meaningful while the session waits for the
	// device authorization.
	if next == StateActive || next == StateDisconnected {
		m.pairingCode = ""
	}

	m.history = append(m.history, TransitionRecord{State: next, Timestamp: now})
	if len(m.history) > MaxHistoryEntries {
		m.history = m.history[1:]
	}

	return Event{
		Type:        EventStateChanged,
		State:       next,
		Previous:    m.previous,
		PairingCode: m.pairingCode,
		Timestamp:   now,
	}
}

// observersLocked snapshots both observer sets. Caller holds m.mu.
func (m *Machine) observersLocked() ([]changeEntry, []eventEntry) {
	changeSubs := make([]changeEntry, len(m.changeSubs))
	copy(changeSubs, m.changeSubs)
	eventSubs := make([]eventEntry, len(m.eventSubs))
	copy(eventSubs, m.eventSubs)
	return changeSubs, eventSubs
}

func (m *Machine) notify(changeSubs []changeEntry, eventSubs []eventEntry, event Event) {
	for _, sub := range changeSubs {
		sub.fn(event.State, event.Previous)
	}
	for _, sub := range eventSubs {
		sub.fn(event)
	}
}

// SetPairingCode stores the pairing payload presented by the gateway and
// notifies structured observers. The code is cleared automatically when the
// machine enters active or disconnected.
func (m *Machine) SetPairingCode(code string) {
	m.mu.Lock()
	m.pairingCode = code
	event := Event{
		Type:        EventPairingCode,
		State:       m.current,
		Previous:    m.previous,
		PairingCode: code,
		Timestamp:   m.tp.Now(),
	}
	_, eventSubs := m.observersLocked()
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetPairingCode",
		"state":    event.State,
	}).Info("Pairing code available")

	for _, sub := range eventSubs {
		sub.fn(event)
	}
}

// PairingCode returns the current pairing payload, or the empty string when
// no pairing is pending.
func (m *Machine) PairingCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairingCode
}

// IsActive reports whether the current state is active.
func (m *Machine) IsActive() bool { return m.Current().IsActive() }

// IsConnecting reports whether the current state is part of the handshake.
func (m *Machine) IsConnecting() bool { return m.Current().IsConnecting() }

// IsError reports whether the current state is a failure state.
func (m *Machine) IsError() bool { return m.Current().IsError() }

// IsDisconnected reports whether the current state is disconnected.
func (m *Machine) IsDisconnected() bool { return m.Current().IsDisconnected() }

// RequiresPairing reports whether the current state needs device pairing.
func (m *Machine) RequiresPairing() bool { return m.Current().RequiresPairing() }

// OnChange registers a plain state-change observer and returns its
// subscription handle.
func (m *Machine) OnChange(fn ChangeFunc) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSubID++
	id := m.nextSubID
	m.changeSubs = append(m.changeSubs, changeEntry{id: id, fn: fn})

	return &Subscription{cancel: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.changeSubs {
			if sub.id == id {
				m.changeSubs = append(m.changeSubs[:i], m.changeSubs[i+1:]...)
				return
			}
		}
	}}
}

// OnEvent registers a structured lifecycle-event observer and returns its
// subscription handle.
func (m *Machine) OnEvent(fn EventFunc) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSubID++
	id := m.nextSubID
	m.eventSubs = append(m.eventSubs, eventEntry{id: id, fn: fn})

	return &Subscription{cancel: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.eventSubs {
			if sub.id == id {
				m.eventSubs = append(m.eventSubs[:i], m.eventSubs[i+1:]...)
				return
			}
		}
	}}
}

// History returns a copy of the transition history, oldest first.
func (m *Machine) History() []TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// StateOccupancy returns per-state visit counts and accumulated durations.
// The current state's running stint is included in its duration.
func (m *Machine) StateOccupancy() map[State]Occupancy {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.tp.Now()
	out := make(map[State]Occupancy, len(m.occupancy))
	for st, occ := range m.occupancy {
		entry := Occupancy{Count: occ.Count, Duration: occ.Duration}
		if st == m.current {
			entry.Duration += now.Sub(m.enteredAt)
		}
		out[st] = entry
	}
	return out
}

// ActiveTime returns the cumulative time the session has spent active,
// including the current stint if the session is active now.
func (m *Machine) ActiveTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total time.Duration
	if occ, ok := m.occupancy[StateActive]; ok {
		total = occ.Duration
	}
	if m.current == StateActive {
		total += m.tp.Now().Sub(m.enteredAt)
	}
	return total
}

// TimeInCurrentState returns how long the machine has been in its current
// state.
func (m *Machine) TimeInCurrentState() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tp.Now().Sub(m.enteredAt)
}

// Reset returns the machine to its initial unauthenticated state, clearing
// history, occupancy accounting and the pairing code. Observer registrations
// survive a reset.
func (m *Machine) Reset() {
	m.mu.Lock()
	now := m.tp.Now()
	m.previous = m.current
	m.current = StateUnauthenticated
	m.enteredAt = now
	m.pairingCode = ""
	m.history = nil
	m.occupancy = map[State]*Occupancy{StateUnauthenticated: {Count: 1}}
	event := Event{
		Type:      EventReset,
		State:     StateUnauthenticated,
		Previous:  m.previous,
		Timestamp: now,
	}
	_, eventSubs := m.observersLocked()
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Reset",
	}).Info("State machine reset")

	for _, sub := range eventSubs {
		sub.fn(event)
	}
}

// TransitionError reports a rejected state transition.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal state transition from %q to %q", e.From, e.To)
}
