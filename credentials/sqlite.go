package credentials

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists the session payload in a SQLite database. It suits
// deployments that already keep per-account state in SQLite and want the
// session payload in the same file.
type SQLiteStore struct {
	mu   sync.Mutex
	path string
	db   *sql.DB
}

// NewSQLiteStore creates a SQLite-backed credential store at path.
func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

// Initialize opens the database and ensures the schema exists.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open credential database: %w", err)
	}

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS session_credentials (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);`)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create credential schema: %w", err)
	}

	s.db = db
	logrus.WithFields(logrus.Fields{
		"function": "Initialize",
		"store":    "sqlite",
		"path":     s.path,
	}).Debug("SQLite credential store initialized")
	return nil
}

// Save persists the payload, replacing any previous row.
func (s *SQLiteStore) Save(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_credentials (id, payload, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at;`,
		data, now)
	if err != nil {
		return fmt.Errorf("failed to save session payload: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Save",
		"store":    "sqlite",
		"bytes":    len(data),
	}).Info("Session payload saved")
	return nil
}

// Load returns the stored payload, or nil when none exists.
func (s *SQLiteStore) Load(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotInitialized
	}

	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM session_credentials WHERE id = 1;`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session payload: %w", err)
	}
	return payload, nil
}

// Clear discards the stored payload.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_credentials;`); err != nil {
		return fmt.Errorf("failed to clear session payload: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Clear",
		"store":    "sqlite",
	}).Info("Stored session payload cleared")
	return nil
}

// Has reports whether a payload is stored.
func (s *SQLiteStore) Has(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false, ErrNotInitialized
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_credentials WHERE id = 1;`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query session payload: %w", err)
	}
	return count > 0, nil
}

// OnFailure classifies a connection failure.
func (s *SQLiteStore) OnFailure(err error) Decision {
	return classifyFailure(err)
}

// Cleanup closes the database handle.
func (s *SQLiteStore) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("failed to close credential database: %w", err)
	}
	return nil
}
