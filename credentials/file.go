package credentials

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// FileStore persists the session payload as a single secretbox-sealed file.
// The payload is encrypted with the account's storage key so a leaked data
// directory does not leak the gateway session.
type FileStore struct {
	mu          sync.Mutex
	path        string
	key         [32]byte
	initialized bool
}

// NewFileStore creates a file-backed credential store. The key must be a
// 32-byte secret owned by the account.
func NewFileStore(path string, key [32]byte) *FileStore {
	return &FileStore{path: path, key: key}
}

// Initialize creates the parent directory of the store file.
func (s *FileStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}
	s.initialized = true

	logrus.WithFields(logrus.Fields{
		"function": "Initialize",
		"store":    "file",
		"path":     s.path,
	}).Debug("File credential store initialized")
	return nil
}

// Save seals the payload and writes it to the store file.
func (s *FileStore) Save(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], data, &nonce, &s.key)
	if err := os.WriteFile(s.path, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write session payload: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Save",
		"store":    "file",
		"bytes":    len(data),
	}).Info("Session payload saved")
	return nil
}

// Load reads and opens the sealed payload. A missing file yields (nil, nil);
// a file that fails authentication yields ErrCorrupt.
func (s *FileStore) Load(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, ErrNotInitialized
	}

	sealed, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session payload: %w", err)
	}
	if len(sealed) < nonceSize {
		return nil, ErrCorrupt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	data, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"store":    "file",
			"path":     s.path,
		}).Warn("Stored session payload failed authentication")
		return nil, ErrCorrupt
	}
	return data, nil
}

// Clear removes the store file.
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session payload: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Clear",
		"store":    "file",
		"path":     s.path,
	}).Info("Stored session payload cleared")
	return nil
}

// Has reports whether the store file exists.
func (s *FileStore) Has(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return false, ErrNotInitialized
	}

	_, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// OnFailure classifies a connection failure.
func (s *FileStore) OnFailure(err error) Decision {
	return classifyFailure(err)
}

// Cleanup releases the store. The file is kept for the next session.
func (s *FileStore) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	return nil
}
