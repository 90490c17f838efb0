// Package registry provides a process-owned registry of gateway sessions
// with capacity-bounded eviction of idle entries.
//
// The registry replaces an ambient global session map: it is constructed by
// the process and injected into whatever surfaces need to look sessions up.
// Capacity pressure and the idle sweep both evict the least recently touched
// session and run its cleanup.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Session is the minimal contract the registry needs from an entry: a way to
// tear it down when it is evicted or removed.
type Session interface {
	Cleanup(ctx context.Context) error
}

// Config holds the registry tunables.
type Config struct {
	// Capacity bounds the number of registered sessions. Adding a session
	// to a full registry evicts the least recently touched one.
	Capacity int
	// IdleThreshold is how long a session may go untouched before the
	// sweep evicts it.
	IdleThreshold time.Duration
	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration
	// CleanupTimeout bounds the teardown of an evicted session.
	CleanupTimeout time.Duration
}

// DefaultConfig returns the default registry tunables.
func DefaultConfig() Config {
	return Config{
		Capacity:       64,
		IdleThreshold:  30 * time.Minute,
		SweepInterval:  time.Minute,
		CleanupTimeout: 10 * time.Second,
	}
}

type entry struct {
	session   Session
	lastTouch time.Time
}

// Registry tracks at most Capacity sessions keyed by account id. All methods
// are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*entry
	running  bool
	stopChan chan struct{}
}

// New creates a session registry. Zero config fields fall back to the
// defaults.
func New(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = def.IdleThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = def.CleanupTimeout
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*entry),
	}
}

// Put registers a session under id, replacing any previous one. When the
// registry is full, the least recently touched session is evicted first.
func (r *Registry) Put(id string, s Session) {
	var evicted []evictedEntry

	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok && len(r.sessions) >= r.cfg.Capacity {
		evicted = append(evicted, r.evictIdlestLocked())
	}
	r.sessions[id] = &entry{session: s, lastTouch: time.Now()}
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Put",
		"session_id": id,
	}).Info("Session registered")

	r.cleanupEvicted(evicted)
}

// Get returns the session registered under id and refreshes its idle clock.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	e.lastTouch = time.Now()
	return e.session, true
}

// Touch refreshes the idle clock of the session registered under id.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		e.lastTouch = time.Now()
	}
}

// Remove unregisters the session under id and runs its cleanup.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	if err := e.session.Cleanup(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Remove",
			"session_id": id,
			"error":      err,
		}).Warn("Session cleanup failed during removal")
	}
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Range calls fn for every registered session until fn returns false.
func (r *Registry) Range(fn func(id string, s Session) bool) {
	r.mu.Lock()
	type pair struct {
		id string
		s  Session
	}
	pairs := make([]pair, 0, len(r.sessions))
	for id, e := range r.sessions {
		pairs = append(pairs, pair{id: id, s: e.session})
	}
	r.mu.Unlock()

	for _, p := range pairs {
		if !fn(p.id, p.s) {
			return
		}
	}
}

// Start begins the background idle sweep.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.stopChan = make(chan struct{})
	go r.sweepLoop(r.stopChan)
}

// Stop halts the idle sweep. Registered sessions are left in place.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.running = false
	close(r.stopChan)
}

func (r *Registry) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepIdle()
		case <-stop:
			return
		}
	}
}

// sweepIdle evicts every session whose idle clock exceeds the threshold.
func (r *Registry) sweepIdle() {
	cutoff := time.Now().Add(-r.cfg.IdleThreshold)

	r.mu.Lock()
	var evicted []evictedEntry
	for id, e := range r.sessions {
		if e.lastTouch.Before(cutoff) {
			evicted = append(evicted, evictedEntry{id: id, session: e.session})
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	r.cleanupEvicted(evicted)
}

type evictedEntry struct {
	id      string
	session Session
}

// evictIdlestLocked removes the least recently touched session. Caller holds
// r.mu and guarantees the registry is non-empty.
func (r *Registry) evictIdlestLocked() evictedEntry {
	var idlest string
	var oldest time.Time
	first := true
	for id, e := range r.sessions {
		if first || e.lastTouch.Before(oldest) {
			idlest = id
			oldest = e.lastTouch
			first = false
		}
	}
	e := r.sessions[idlest]
	delete(r.sessions, idlest)
	return evictedEntry{id: idlest, session: e.session}
}

func (r *Registry) cleanupEvicted(evicted []evictedEntry) {
	for _, ev := range evicted {
		if ev.session == nil {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function":   "cleanupEvicted",
			"session_id": ev.id,
		}).Info("Evicting idle session")

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CleanupTimeout)
		if err := ev.session.Cleanup(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "cleanupEvicted",
				"session_id": ev.id,
				"error":      err,
			}).Warn("Evicted session cleanup failed")
		}
		cancel()
	}
}
