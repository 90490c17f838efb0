package chatlink

import "fmt"

// AuthErrorCode classifies an authentication failure.
type AuthErrorCode string

const (
	// AuthInvalidCredentials means the gateway rejected the stored session.
	AuthInvalidCredentials AuthErrorCode = "invalid_credentials"
	// AuthBanned means the account is banned from the gateway.
	AuthBanned AuthErrorCode = "banned"
	// AuthPairingFailed means the device pairing was not completed.
	AuthPairingFailed AuthErrorCode = "pairing_failed"
	// AuthStoreFailure means the credential store itself failed.
	AuthStoreFailure AuthErrorCode = "store_failure"
)

// AuthenticationError reports a credential or pairing failure.
type AuthenticationError struct {
	Code  AuthErrorCode
	Cause error
}

func (e *AuthenticationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("authentication failed (%s): %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("authentication failed (%s)", e.Code)
}

// Unwrap returns the underlying cause.
func (e *AuthenticationError) Unwrap() error { return e.Cause }

// Permanent reports whether the failure invalidates the credentials for
// good. Permanent failures are never retried.
func (e *AuthenticationError) Permanent() bool {
	return e.Code == AuthInvalidCredentials || e.Code == AuthBanned
}

// ConnErrorCode classifies a transport or driver failure.
type ConnErrorCode string

const (
	// ConnNotConnected means an operation required an active session.
	ConnNotConnected ConnErrorCode = "not_connected"
	// ConnDriverInit means the protocol driver failed to start.
	ConnDriverInit ConnErrorCode = "driver_init"
	// ConnDriverSend means the protocol driver failed to deliver a message.
	ConnDriverSend ConnErrorCode = "driver_send"
	// ConnDeprecatedProtocol means the gateway rejected the client version.
	ConnDeprecatedProtocol ConnErrorCode = "deprecated_protocol"
	// ConnTeardown means the driver failed while shutting down.
	ConnTeardown ConnErrorCode = "teardown"
)

// ConnectionError reports a transport or driver failure.
type ConnectionError struct {
	Code        ConnErrorCode
	Recoverable bool
	Cause       error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error (%s): %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("connection error (%s)", e.Code)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error { return e.Cause }

// Permanent reports whether the failure can never be recovered by
// reconnecting.
func (e *ConnectionError) Permanent() bool { return !e.Recoverable }
