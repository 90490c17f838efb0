package registry

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mockSession records cleanup calls.
type mockSession struct {
	mu        sync.Mutex
	cleanedUp bool
}

func (m *mockSession) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanedUp = true
	return nil
}

func (m *mockSession) wasCleanedUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanedUp
}

func TestPutGetRemove(t *testing.T) {
	r := New(DefaultConfig())

	s := &mockSession{}
	r.Put("acct-1", s)

	got, ok := r.Get("acct-1")
	if !ok {
		t.Fatal("Get did not find registered session")
	}
	if got != s {
		t.Error("Get returned a different session")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	if !r.Remove(context.Background(), "acct-1") {
		t.Error("Remove returned false for registered session")
	}
	if !s.wasCleanedUp() {
		t.Error("Remove did not run session cleanup")
	}
	if _, ok := r.Get("acct-1"); ok {
		t.Error("session still present after Remove")
	}
	if r.Remove(context.Background(), "acct-1") {
		t.Error("Remove returned true for unknown id")
	}
}

func TestPut_CapacityEvictsIdlest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 2
	r := New(cfg)

	first := &mockSession{}
	second := &mockSession{}
	third := &mockSession{}

	r.Put("acct-1", first)
	time.Sleep(2 * time.Millisecond)
	r.Put("acct-2", second)
	time.Sleep(2 * time.Millisecond)

	// Touch acct-1 so acct-2 becomes the idlest.
	r.Touch("acct-1")
	r.Put("acct-3", third)

	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	if _, ok := r.Get("acct-2"); ok {
		t.Error("idlest session was not evicted")
	}
	if !second.wasCleanedUp() {
		t.Error("evicted session cleanup was not run")
	}
	if _, ok := r.Get("acct-1"); !ok {
		t.Error("recently touched session was evicted")
	}
	if _, ok := r.Get("acct-3"); !ok {
		t.Error("new session missing")
	}
}

func TestPut_ReplaceDoesNotEvict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 1
	r := New(cfg)

	first := &mockSession{}
	replacement := &mockSession{}
	r.Put("acct-1", first)
	r.Put("acct-1", replacement)

	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	got, _ := r.Get("acct-1")
	if got != replacement {
		t.Error("replacement did not take the slot")
	}
}

func TestSweepIdle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleThreshold = 10 * time.Millisecond
	r := New(cfg)

	idle := &mockSession{}
	fresh := &mockSession{}
	r.Put("idle", idle)
	r.Put("fresh", fresh)

	time.Sleep(20 * time.Millisecond)
	r.Touch("fresh")
	r.sweepIdle()

	if _, ok := r.Get("idle"); ok {
		t.Error("idle session survived the sweep")
	}
	if !idle.wasCleanedUp() {
		t.Error("idle session cleanup was not run")
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Error("fresh session was evicted")
	}
}

func TestSweepLoop_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleThreshold = 5 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	r := New(cfg)

	idle := &mockSession{}
	r.Put("idle", idle)

	r.Start()
	r.Start() // second Start is a no-op

	deadline := time.Now().Add(time.Second)
	for r.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Len() != 0 {
		t.Fatal("sweep loop did not evict the idle session")
	}

	r.Stop()
	r.Stop() // second Stop is a no-op
}

func TestRange(t *testing.T) {
	r := New(DefaultConfig())
	r.Put("a", &mockSession{})
	r.Put("b", &mockSession{})
	r.Put("c", &mockSession{})

	seen := make(map[string]bool)
	r.Range(func(id string, s Session) bool {
		seen[id] = true
		return true
	})
	if len(seen) != 3 {
		t.Errorf("Range visited %d sessions, want 3", len(seen))
	}

	count := 0
	r.Range(func(id string, s Session) bool {
		count++
		return false
	})
	if count != 1 {
		t.Errorf("Range ignored early stop, visited %d", count)
	}
}
