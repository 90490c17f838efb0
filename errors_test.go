package chatlink

import (
	"errors"
	"fmt"
	"testing"
)

func TestAuthenticationError_Permanence(t *testing.T) {
	tests := []struct {
		name      string
		code      AuthErrorCode
		permanent bool
	}{
		{"invalid credentials", AuthInvalidCredentials, true},
		{"banned", AuthBanned, true},
		{"pairing failed", AuthPairingFailed, false},
		{"store failure", AuthStoreFailure, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &AuthenticationError{Code: tt.code}
			if got := err.Permanent(); got != tt.permanent {
				t.Errorf("Permanent() = %v, want %v", got, tt.permanent)
			}
		})
	}
}

func TestConnectionError_Permanence(t *testing.T) {
	recoverable := &ConnectionError{Code: ConnDriverInit, Recoverable: true}
	if recoverable.Permanent() {
		t.Error("recoverable error reported permanent")
	}
	fatal := &ConnectionError{Code: ConnDeprecatedProtocol, Recoverable: false}
	if !fatal.Permanent() {
		t.Error("unrecoverable error reported transient")
	}
}

func TestErrorUnwrapping(t *testing.T) {
	cause := errors.New("socket reset")
	connErr := &ConnectionError{Code: ConnDriverSend, Recoverable: true, Cause: cause}
	if !errors.Is(connErr, cause) {
		t.Error("ConnectionError did not unwrap to its cause")
	}

	wrapped := fmt.Errorf("send: %w", &AuthenticationError{Code: AuthBanned})
	var authErr *AuthenticationError
	if !errors.As(wrapped, &authErr) || authErr.Code != AuthBanned {
		t.Errorf("errors.As failed to recover AuthenticationError from %v", wrapped)
	}
}
