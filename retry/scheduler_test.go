package retry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/chatlink/state"
)

// fastConfig keeps the timers short enough for tests to run quickly.
func fastConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       10 * time.Millisecond,
		JitterFraction: -1,
		FailureDelay:   time.Millisecond,
	}
}

// eventRecorder collects scheduler events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *eventRecorder) wait(t *testing.T, want EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, e := range r.events {
			if e.Type == want {
				r.mu.Unlock()
				return e
			}
		}
		r.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q event, saw %v", want, r.types())
	return Event{}
}

func TestStart_NoOpWhileInFlight(t *testing.T) {
	s := NewScheduler(fastConfig())

	release := make(chan struct{})
	started := s.Start("transport closed", func() error {
		<-release
		return nil
	})
	if !started {
		t.Fatal("first Start returned false")
	}

	// Wait until the first attempt is armed so the counter is stable.
	deadline := time.Now().Add(time.Second)
	for s.Attempt() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	before := s.Attempt()

	if s.Start("transport closed", func() error { return nil }) {
		t.Error("second Start returned true while cycle in flight")
	}
	if got := s.Attempt(); got != before {
		t.Errorf("second Start changed attempt counter: %d -> %d", before, got)
	}

	close(release)
}

func TestRun_SuccessResetsCounter(t *testing.T) {
	s := NewScheduler(fastConfig())
	rec := &eventRecorder{}
	sub := s.OnEvent(rec.record)
	defer sub.Close()

	s.Start("transport closed", func() error { return nil })
	rec.wait(t, EventSuccess, time.Second)

	if got := s.Attempt(); got != 0 {
		t.Errorf("attempt counter = %d after success, want 0", got)
	}
	if s.Status().Active {
		t.Error("scheduler still active after success")
	}
}

// TestRun_FailTwiceThenSucceed mirrors the canonical recovery sequence: two
// transient failures followed by a successful reconnect, consuming no more
// than the configured attempt budget.
func TestRun_FailTwiceThenSucceed(t *testing.T) {
	s := NewScheduler(fastConfig())
	rec := &eventRecorder{}
	sub := s.OnEvent(rec.record)
	defer sub.Close()

	var mu sync.Mutex
	calls := 0
	s.Start("transport closed", func() error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	rec.wait(t, EventSuccess, 2*time.Second)

	mu.Lock()
	total := calls
	mu.Unlock()
	if total != 3 {
		t.Errorf("reconnect called %d times, want 3", total)
	}
	if got := s.Attempt(); got != 0 {
		t.Errorf("attempt counter = %d after success, want 0", got)
	}

	types := rec.types()
	var failures int
	for _, typ := range types {
		if typ == EventFailure {
			failures++
		}
	}
	if failures != 2 {
		t.Errorf("saw %d failure events, want 2 (%v)", failures, types)
	}
}

func TestRun_Exhaustion(t *testing.T) {
	s := NewScheduler(fastConfig())
	rec := &eventRecorder{}
	sub := s.OnEvent(rec.record)
	defer sub.Close()

	s.Start("transport closed", func() error {
		return errors.New("connection refused")
	})

	got := rec.wait(t, EventExhausted, 2*time.Second)
	if got.Attempt != 3 {
		t.Errorf("exhausted event attempt = %d, want 3", got.Attempt)
	}
	if s.Status().Active {
		t.Error("scheduler still active after exhaustion")
	}
	if got := s.Attempt(); got > 3 {
		t.Errorf("attempt counter %d exceeds configured maximum", got)
	}
}

func TestStop(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseDelay = time.Hour // never fires
	s := NewScheduler(cfg)
	rec := &eventRecorder{}
	sub := s.OnEvent(rec.record)
	defer sub.Close()

	s.Start("transport closed", func() error { return nil })
	rec.wait(t, EventScheduled, time.Second)

	s.Stop()
	rec.wait(t, EventStopped, time.Second)

	if s.Status().Active {
		t.Error("scheduler still active after Stop")
	}

	// Stopping an idle scheduler emits nothing further.
	before := len(rec.types())
	s.Stop()
	if got := len(rec.types()); got != before {
		t.Errorf("Stop on idle scheduler emitted %d extra events", got-before)
	}
}

func TestBackoffDelay_CapAndGrowth(t *testing.T) {
	s := NewScheduler(Config{
		MaxAttempts:    10,
		BaseDelay:      time.Second,
		Multiplier:     2.0,
		MaxDelay:       10 * time.Second,
		JitterFraction: -1,
		FailureDelay:   time.Millisecond,
	})

	var prev time.Duration
	for attempt := 1; attempt <= 10; attempt++ {
		d := s.backoffDelayLocked(attempt)
		if d > 10*time.Second {
			t.Errorf("attempt %d: delay %v exceeds cap", attempt, d)
		}
		if d < prev {
			t.Errorf("attempt %d: delay %v decreased from %v", attempt, d, prev)
		}
		prev = d
	}

	if got := s.backoffDelayLocked(1); got != time.Second {
		t.Errorf("attempt 1 delay = %v, want 1s", got)
	}
	if got := s.backoffDelayLocked(2); got != 2*time.Second {
		t.Errorf("attempt 2 delay = %v, want 2s", got)
	}
	if got := s.backoffDelayLocked(8); got != 10*time.Second {
		t.Errorf("attempt 8 delay = %v, want cap 10s", got)
	}
}

func TestBackoffDelay_JitterBounded(t *testing.T) {
	s := NewScheduler(Config{
		MaxAttempts:    10,
		BaseDelay:      time.Second,
		Multiplier:     2.0,
		MaxDelay:       time.Hour,
		JitterFraction: 0.25,
		FailureDelay:   time.Millisecond,
	})

	for i := 0; i < 50; i++ {
		d := s.backoffDelayLocked(3)
		// Exponential term is 4s; jitter adds at most 25% of it.
		if d < 4*time.Second || d > 5*time.Second {
			t.Fatalf("attempt 3 delay %v outside [4s, 5s]", d)
		}
	}
}

type permanentTestError struct {
	permanent bool
}

func (e *permanentTestError) Error() string   { return "credential rejected" }
func (e *permanentTestError) Permanent() bool { return e.permanent }

func TestShouldRetry(t *testing.T) {
	permanent := &permanentTestError{permanent: true}
	transient := errors.New("connection reset")

	testCases := []struct {
		state state.State
		err   error
		want  bool
	}{
		{state.StateDisconnected, transient, true},
		{state.StateError, transient, true},
		{state.StateTimeout, transient, true},
		{state.StateConflict, transient, true},
		{state.StateProxyBlocked, transient, true},
		{state.StateActive, transient, false},
		{state.StateConnecting, transient, false},
		{state.StateDeprecated, transient, false},
		{state.StatePolicyBlocked, transient, false},
		{state.StateUnpaired, transient, false},
		// A permanent failure is denied regardless of state.
		{state.StateDisconnected, permanent, false},
		{state.StateError, permanent, false},
		{state.StateTimeout, permanent, false},
		{state.StateConflict, permanent, false},
		{state.StateProxyBlocked, permanent, false},
		// A wrapped permanent failure is still denied.
		{state.StateError, fmt.Errorf("connect: %w", permanent), false},
		// Permanent classification is consulted, not just presence.
		{state.StateError, &permanentTestError{permanent: false}, true},
		// No error at all still requires a retryable state.
		{state.StateDisconnected, nil, true},
		{state.StateActive, nil, false},
	}

	for _, tc := range testCases {
		name := fmt.Sprintf("%s_%v", tc.state, tc.err)
		t.Run(name, func(t *testing.T) {
			if got := ShouldRetry(tc.state, tc.err); got != tc.want {
				t.Errorf("ShouldRetry(%v, %v) = %v, want %v", tc.state, tc.err, got, tc.want)
			}
		})
	}
}

func TestNewScheduler_Defaults(t *testing.T) {
	s := NewScheduler(Config{})
	def := DefaultConfig()
	if s.cfg != def {
		t.Errorf("zero config = %+v, want defaults %+v", s.cfg, def)
	}
}

func TestNewScheduler_NegativeJitterDisablesJitter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JitterFraction = -1
	s := NewScheduler(cfg)
	if s.cfg.JitterFraction != 0 {
		t.Fatalf("JitterFraction = %v, want 0 for negative sentinel", s.cfg.JitterFraction)
	}

	// Without jitter the backoff is exact.
	if got := s.backoffDelayLocked(1); got != cfg.BaseDelay {
		t.Errorf("attempt 1 delay = %v, want %v", got, cfg.BaseDelay)
	}
}
