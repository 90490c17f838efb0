package queue

import (
	"time"

	"github.com/opd-ai/chatlink/driver"
)

// Status represents the delivery state of a queued message.
type Status string

const (
	// StatusQueued means the message is waiting to be dispatched.
	StatusQueued Status = "queued"
	// StatusSending means a dispatch is in flight.
	StatusSending Status = "sending"
	// StatusSent means the gateway accepted the message.
	StatusSent Status = "sent"
	// StatusFailed means the retry budget is spent. Terminal.
	StatusFailed Status = "failed"
	// StatusCancelled means the caller withdrew the message. Terminal.
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Message is one outbound message owned by the queue. RetryCount counts
// failed sends after the first attempt; the message fails terminally once
// RetryCount reaches Options.MaxRetries.
type Message struct {
	ID          string
	Destination string
	Content     driver.Content
	Options     driver.SendOptions
	Status      Status
	RetryCount  int
	LastError   string
	EnqueuedAt  time.Time
	UpdatedAt   time.Time
}

// Direction tags a history record as outbound or inbound.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Record is one resolved message in a conversation history.
type Record struct {
	MessageID       string
	ConversationKey string
	Direction       Direction
	Content         driver.Content
	Timestamp       time.Time
}
