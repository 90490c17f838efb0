package chatlink

import (
	"context"
	"errors"
	"sync"

	"github.com/opd-ai/chatlink/credentials"
	"github.com/opd-ai/chatlink/driver"
)

// ---------------------------------------------------------------------------
// mockDriver is a controllable protocol driver for session tests.
// ---------------------------------------------------------------------------

// mockDriver pops Initialize results from initErrs; once the slice is
// exhausted every attempt succeeds.
type mockDriver struct {
	mu        sync.Mutex
	handlers  driver.Handlers
	initErrs  []error
	initCalls int
	destroyed int
	sendErr   error
	sent      []driver.Content
}

func (d *mockDriver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initCalls++
	if len(d.initErrs) == 0 {
		return nil
	}
	err := d.initErrs[0]
	d.initErrs = d.initErrs[1:]
	return err
}

func (d *mockDriver) Destroy(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed++
	return nil
}

func (d *mockDriver) SendMessage(ctx context.Context, to string, content driver.Content, opts driver.SendOptions) (*driver.SendResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	d.sent = append(d.sent, content)
	return &driver.SendResult{MessageID: "srv-1"}, nil
}

func (d *mockDriver) SetHandlers(h driver.Handlers) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = h
}

func (d *mockDriver) getHandlers() driver.Handlers {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers
}

func (d *mockDriver) initCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initCalls
}

func (d *mockDriver) destroyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *mockDriver) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

// ---------------------------------------------------------------------------
// mockStore is an in-memory credential store that records calls.
// ---------------------------------------------------------------------------

type mockStore struct {
	mu       sync.Mutex
	initErr  error
	data     []byte
	saves    int
	clears   int
	cleanups int
	failures []error
}

func (s *mockStore) Initialize(ctx context.Context) error {
	return s.initErr
}

func (s *mockStore) Save(ctx context.Context, session []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), session...)
	s.saves++
	return nil
}

func (s *mockStore) Load(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, nil
}

func (s *mockStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.clears++
	return nil
}

func (s *mockStore) Has(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data) > 0, nil
}

func (s *mockStore) OnFailure(err error) credentials.Decision {
	s.mu.Lock()
	s.failures = append(s.failures, err)
	s.mu.Unlock()

	var perm interface{ Permanent() bool }
	if errors.As(err, &perm) && perm.Permanent() {
		return credentials.Decision{ShouldRestart: false, ShouldClearSession: true}
	}
	return credentials.Decision{ShouldRestart: true}
}

func (s *mockStore) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups++
	return nil
}

func (s *mockStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *mockStore) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

func (s *mockStore) cleanupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanups
}
