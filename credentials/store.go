// Package credentials defines the credential-persistence capability used by
// the session orchestrator and provides memory, encrypted-file and SQLite
// backed implementations.
//
// A Store holds the opaque session payload the gateway issues after a
// successful pairing. The orchestrator saves it on authentication, loads it
// on startup, and consults OnFailure when a connection attempt fails to
// decide whether the stored payload should be discarded.
//
// The backing store is chosen at construction time; nothing selects an
// implementation at runtime.
package credentials

import (
	"context"
	"errors"
)

// ErrCorrupt marks a stored session payload that failed integrity checks.
var ErrCorrupt = errors.New("stored session payload is corrupt")

// ErrNotInitialized is returned when a store is used before Initialize.
var ErrNotInitialized = errors.New("credential store not initialized")

// Decision is the store's verdict on a connection failure.
type Decision struct {
	// ShouldRestart indicates the session is worth reconnecting.
	ShouldRestart bool
	// ShouldClearSession indicates the stored payload is invalid and must
	// be discarded before the next pairing.
	ShouldClearSession bool
}

// Store persists the opaque session payload for one account.
type Store interface {
	// Initialize prepares the backing store.
	Initialize(ctx context.Context) error
	// Save persists the session payload, replacing any previous one.
	Save(ctx context.Context, data []byte) error
	// Load returns the stored payload, or nil when none exists.
	Load(ctx context.Context) ([]byte, error)
	// Clear discards the stored payload.
	Clear(ctx context.Context) error
	// Has reports whether a payload is stored.
	Has(ctx context.Context) (bool, error)
	// OnFailure classifies a connection failure against the stored session.
	OnFailure(err error) Decision
	// Cleanup releases the backing store's resources.
	Cleanup(ctx context.Context) error
}

// permanentError is implemented by failures that invalidate the stored
// credentials, such as a rejected or banned account.
type permanentError interface {
	Permanent() bool
}

// classifyFailure is the shared OnFailure policy: corrupt payloads and
// permanent credential rejections clear the session, anything else is a
// transient failure worth restarting with the stored payload intact.
func classifyFailure(err error) Decision {
	if err == nil {
		return Decision{ShouldRestart: true}
	}
	if errors.Is(err, ErrCorrupt) {
		return Decision{ShouldRestart: true, ShouldClearSession: true}
	}
	var perm permanentError
	if errors.As(err, &perm) && perm.Permanent() {
		return Decision{ShouldRestart: false, ShouldClearSession: true}
	}
	return Decision{ShouldRestart: true}
}
