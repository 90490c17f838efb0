package queue

import "fmt"

// ErrorCode identifies a queue failure class.
type ErrorCode string

const (
	// ErrInvalidMessage means the message was rejected before enqueueing.
	ErrInvalidMessage ErrorCode = "invalid_message"
	// ErrUnknownMessage means no message with the given id exists.
	ErrUnknownMessage ErrorCode = "unknown_message"
	// ErrDuplicateDispatch means a dispatch was attempted while one was
	// already in flight for the same message.
	ErrDuplicateDispatch ErrorCode = "duplicate_dispatch"
	// ErrRetryExhausted means the message's retry budget is spent.
	ErrRetryExhausted ErrorCode = "retry_exhausted"
)

// Error is a queue failure tied to an optional message id.
type Error struct {
	Code      ErrorCode
	MessageID string
	Cause     error
}

func (e *Error) Error() string {
	switch {
	case e.MessageID == "" && e.Cause == nil:
		return fmt.Sprintf("queue error: %s", e.Code)
	case e.Cause == nil:
		return fmt.Sprintf("queue error: %s (message %s)", e.Code, e.MessageID)
	case e.MessageID == "":
		return fmt.Sprintf("queue error: %s: %v", e.Code, e.Cause)
	default:
		return fmt.Sprintf("queue error: %s (message %s): %v", e.Code, e.MessageID, e.Cause)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}
