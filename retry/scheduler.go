// Package retry implements bounded reconnection scheduling with exponential
// backoff and jitter.
//
// The Scheduler decides when to re-invoke a reconnect function after a
// transient failure; the ShouldRetry policy decides whether a failure is
// worth retrying at all. The two are deliberately separate so callers can
// consult the policy without arming a timer.
//
// Example:
//
//	s := retry.NewScheduler(retry.DefaultConfig())
//	if retry.ShouldRetry(machine.Current(), err) {
//	    s.Start(err.Error(), func() error {
//	        return session.Connect(ctx)
//	    })
//	}
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the backoff parameters for a Scheduler.
type Config struct {
	// MaxAttempts bounds the number of reconnection attempts per cycle run.
	MaxAttempts int
	// BaseDelay is the delay before the first attempt.
	BaseDelay time.Duration
	// Multiplier grows the delay per attempt.
	Multiplier float64
	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration
	// JitterFraction is the maximum random fraction of the exponential term
	// added as jitter, in (0, 1]. Jitter avoids synchronized retry storms
	// across sessions. Zero falls back to the default; a negative value
	// disables jitter entirely.
	JitterFraction float64
	// FailureDelay is the short fixed pause between a failed attempt and the
	// next cycle. It is distinct from the backoff delay so an immediately
	// rejected reconnect cannot produce a tight loop.
	FailureDelay time.Duration
}

// DefaultConfig returns the default backoff parameters.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		BaseDelay:      2 * time.Second,
		Multiplier:     2.0,
		MaxDelay:       60 * time.Second,
		JitterFraction: 0.25,
		FailureDelay:   time.Second,
	}
}

// EventType identifies a retry-lifecycle event.
type EventType string

const (
	// EventScheduled is emitted when an attempt has been armed.
	EventScheduled EventType = "scheduled"
	// EventSuccess is emitted when a reconnect attempt succeeds.
	EventSuccess EventType = "success"
	// EventFailure is emitted when a reconnect attempt fails.
	EventFailure EventType = "failure"
	// EventExhausted is emitted when the attempt budget is spent.
	EventExhausted EventType = "exhausted"
	// EventStopped is emitted when an active cycle is cancelled.
	EventStopped EventType = "stopped"
)

// Event is delivered to retry-lifecycle observers.
type Event struct {
	Type      EventType
	Attempt   int
	Delay     time.Duration
	Reason    string
	Err       error
	Timestamp time.Time
}

// EventFunc observes retry-lifecycle events.
type EventFunc func(Event)

// ReconnectFunc performs one reconnection attempt.
type ReconnectFunc func() error

// Status is a snapshot of the scheduler state.
type Status struct {
	Active      bool
	Attempt     int
	MaxAttempts int
	LastReason  string
}

// Subscription is a handle for a registered observer. Closing it unregisters
// the observer.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Close unregisters the observer associated with this subscription.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

type eventEntry struct {
	id uint64
	fn EventFunc
}

// Scheduler drives bounded reconnection attempts with exponential backoff.
// One cycle runs at a time; starting a second cycle while one is in flight
// is a no-op.
type Scheduler struct {
	mu         sync.Mutex
	cfg        Config
	attempt    int
	active     bool
	lastReason string
	stopChan   chan struct{}
	subs       []eventEntry
	nextSubID  uint64
}

// NewScheduler creates a scheduler with the given backoff configuration.
// Zero or negative fields fall back to the defaults.
func NewScheduler(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.JitterFraction == 0 || cfg.JitterFraction > 1 {
		cfg.JitterFraction = def.JitterFraction
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.FailureDelay <= 0 {
		cfg.FailureDelay = def.FailureDelay
	}
	return &Scheduler{cfg: cfg}
}

// Start begins a retry cycle for the given failure reason. It returns false
// without touching the attempt counter when a cycle is already in flight.
// The reconnect function is invoked after each computed backoff delay; on
// success the attempt counter resets, on failure the next cycle is scheduled
// until the attempt budget is spent.
func (s *Scheduler) Start(reason string, reconnect ReconnectFunc) bool {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"reason":   reason,
		}).Warn("Retry cycle already in flight, ignoring")
		return false
	}
	s.active = true
	s.lastReason = reason
	s.stopChan = make(chan struct{})
	stop := s.stopChan
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"reason":   reason,
	}).Info("Starting retry cycle")

	go s.run(reason, reconnect, stop)
	return true
}

// run drives the retry loop until success, exhaustion or cancellation.
func (s *Scheduler) run(reason string, reconnect ReconnectFunc, stop <-chan struct{}) {
	for {
		s.mu.Lock()
		s.attempt++
		attempt := s.attempt
		if attempt > s.cfg.MaxAttempts {
			// The exposed counter never exceeds the configured maximum.
			s.attempt = s.cfg.MaxAttempts
			s.active = false
			s.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function":     "run",
				"max_attempts": s.cfg.MaxAttempts,
				"reason":       reason,
			}).Warn("Retry attempts exhausted")
			s.emit(Event{Type: EventExhausted, Attempt: attempt - 1, Reason: reason, Timestamp: time.Now()})
			return
		}
		delay := s.backoffDelayLocked(attempt)
		s.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "run",
			"attempt":  attempt,
			"delay":    delay,
			"reason":   reason,
		}).Info("Reconnection attempt scheduled")
		s.emit(Event{Type: EventScheduled, Attempt: attempt, Delay: delay, Reason: reason, Timestamp: time.Now()})

		if !s.sleep(delay, stop) {
			return
		}

		err := reconnect()
		if err == nil {
			s.mu.Lock()
			s.attempt = 0
			s.active = false
			s.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"attempt":  attempt,
			}).Info("Reconnection succeeded")
			s.emit(Event{Type: EventSuccess, Attempt: attempt, Timestamp: time.Now()})
			return
		}

		logrus.WithFields(logrus.Fields{
			"function": "run",
			"attempt":  attempt,
			"error":    err,
		}).Warn("Reconnection attempt failed")
		s.emit(Event{Type: EventFailure, Attempt: attempt, Reason: reason, Err: err, Timestamp: time.Now()})

		if !s.sleep(s.cfg.FailureDelay, stop) {
			return
		}
	}
}

// sleep waits for d or until the cycle is cancelled. It reports whether the
// wait completed.
func (s *Scheduler) sleep(d time.Duration, stop <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}

// backoffDelayLocked computes min(maxDelay, base*multiplier^(attempt-1) plus
// a random jitter fraction of the exponential term). Caller holds s.mu.
func (s *Scheduler) backoffDelayLocked(attempt int) time.Duration {
	exp := float64(s.cfg.BaseDelay) * math.Pow(s.cfg.Multiplier, float64(attempt-1))
	if exp > float64(math.MaxInt64) {
		exp = float64(math.MaxInt64)
	}

	delay := time.Duration(exp)
	if jitterMax := int64(exp * s.cfg.JitterFraction); jitterMax > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(jitterMax))
		if err == nil {
			delay += time.Duration(n.Int64())
		}
	}

	if delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}
	return delay
}

// Stop cancels any pending attempt. A "stopped" event is emitted only when a
// cycle was active.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	attempt := s.attempt
	close(s.stopChan)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"attempt":  attempt,
	}).Info("Retry cycle stopped")
	s.emit(Event{Type: EventStopped, Attempt: attempt, Timestamp: time.Now()})
}

// Reset clears the attempt counter. It does not cancel an in-flight cycle;
// use Stop for that.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Active:      s.active,
		Attempt:     s.attempt,
		MaxAttempts: s.cfg.MaxAttempts,
		LastReason:  s.lastReason,
	}
}

// Attempt returns the current attempt counter.
func (s *Scheduler) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// OnEvent registers a retry-lifecycle observer and returns its subscription
// handle.
func (s *Scheduler) OnEvent(fn EventFunc) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	id := s.nextSubID
	s.subs = append(s.subs, eventEntry{id: id, fn: fn})

	return &Subscription{cancel: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}}
}

// emit delivers an event to all observers outside the scheduler lock.
func (s *Scheduler) emit(event Event) {
	s.mu.Lock()
	subs := make([]eventEntry, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(event)
	}
}
