package credentials

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryStore keeps the session payload in process memory. It is intended
// for tests and for deployments that re-pair on every start.
type MemoryStore struct {
	mu          sync.Mutex
	data        []byte
	initialized bool
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Initialize prepares the store.
func (s *MemoryStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	return nil
}

// Save stores a copy of the payload.
func (s *MemoryStore) Save(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.data = append([]byte(nil), data...)
	return nil
}

// Load returns a copy of the stored payload, or nil when none exists.
func (s *MemoryStore) Load(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	if s.data == nil {
		return nil, nil
	}
	return append([]byte(nil), s.data...), nil
}

// Clear discards the stored payload.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.data = nil
	logrus.WithFields(logrus.Fields{
		"function": "Clear",
		"store":    "memory",
	}).Info("Stored session payload cleared")
	return nil
}

// Has reports whether a payload is stored.
func (s *MemoryStore) Has(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return false, ErrNotInitialized
	}
	return s.data != nil, nil
}

// OnFailure classifies a connection failure.
func (s *MemoryStore) OnFailure(err error) Decision {
	return classifyFailure(err)
}

// Cleanup releases the store.
func (s *MemoryStore) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.initialized = false
	return nil
}
