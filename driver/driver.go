// Package driver defines the contract between the session orchestrator and
// the protocol driver that actually speaks to the messaging gateway.
//
// The orchestrator never touches the gateway's wire protocol. It drives a
// Driver through its lifecycle and receives gateway activity through the
// Handlers callbacks. Any implementation that satisfies the interface can be
// plugged in, whether it wraps a native protocol client or an automation
// layer.
package driver

import (
	"context"
	"errors"
	"time"
)

// ContentType tags the payload kind of an outbound or inbound message.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentMedia    ContentType = "media"
	ContentLocation ContentType = "location"
	ContentContact  ContentType = "contact"
	ContentPoll     ContentType = "poll"
)

// Media is an attachment payload.
type Media struct {
	MimeType string
	Filename string
	Data     []byte
	Caption  string
}

// Location is a geographic coordinate payload.
type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
}

// Contact is a shared-contact payload.
type Contact struct {
	Name  string
	Phone string
}

// Poll is a poll payload.
type Poll struct {
	Question    string
	Choices     []string
	MultiSelect bool
}

// Content is the tagged union carried by one message. Exactly the field
// matching Type is meaningful.
type Content struct {
	Type     ContentType
	Text     string
	Media    *Media
	Location *Location
	Contact  *Contact
	Poll     *Poll
}

// TextContent builds a plain text payload.
func TextContent(text string) Content {
	return Content{Type: ContentText, Text: text}
}

// Validate checks that the content carries the payload its type requires.
func (c Content) Validate() error {
	switch c.Type {
	case ContentText:
		if c.Text == "" {
			return errors.New("text content cannot be empty")
		}
	case ContentMedia:
		if c.Media == nil || len(c.Media.Data) == 0 {
			return errors.New("media content requires data")
		}
	case ContentLocation:
		if c.Location == nil {
			return errors.New("location content requires coordinates")
		}
	case ContentContact:
		if c.Contact == nil || c.Contact.Phone == "" {
			return errors.New("contact content requires a phone number")
		}
	case ContentPoll:
		if c.Poll == nil || c.Poll.Question == "" || len(c.Poll.Choices) < 2 {
			return errors.New("poll content requires a question and at least two choices")
		}
	default:
		return errors.New("unknown content type")
	}
	return nil
}

// Priority orders competing outbound messages.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// SendOptions carries per-message delivery options.
type SendOptions struct {
	Priority Priority
	// MaxRetries bounds how many failed sends may be retried after the
	// first attempt. Zero means the message fails on its first error.
	MaxRetries int
	// Mentions lists counterparties to tag in the message.
	Mentions []string
}

// SendResult is the gateway's acknowledgement of a sent message.
type SendResult struct {
	MessageID string
	Timestamp time.Time
}

// RawMessage is a vendor-specific inbound payload before normalization.
type RawMessage struct {
	ID        string
	From      string
	To        string
	Type      ContentType
	Body      string
	Timestamp time.Time
	FromMe    bool
	// Metadata carries vendor fields that survive normalization.
	Metadata map[string]string
}

// Handlers receives gateway activity from the driver. Nil fields are skipped.
type Handlers struct {
	// OnPairingCode delivers the scannable payload that authorizes a new
	// device session.
	OnPairingCode func(code string)
	// OnReady fires when the gateway session is fully usable.
	OnReady func()
	// OnAuthenticated fires when the gateway accepted the credentials. The
	// opaque session payload is what a credential store persists for the
	// next start.
	OnAuthenticated func(session []byte)
	// OnAuthFailure fires when the gateway rejected the credentials.
	OnAuthFailure func(message string)
	// OnDisconnected fires when the gateway session closed.
	OnDisconnected func(reason string)
	// OnMessage delivers an inbound message.
	OnMessage func(raw RawMessage)
}

// Driver is the protocol collaborator that speaks to the messaging gateway.
// Implementations must deliver events through the registered Handlers.
type Driver interface {
	// Initialize opens the gateway session. Pairing and authentication
	// progress is reported via Handlers.
	Initialize(ctx context.Context) error
	// Destroy tears the gateway session down.
	Destroy(ctx context.Context) error
	// SendMessage delivers one message to a destination on the gateway.
	SendMessage(ctx context.Context, destination string, content Content, opts SendOptions) (*SendResult, error)
	// SetHandlers registers the event callbacks. It must be called before
	// Initialize.
	SetHandlers(handlers Handlers)
}
