// Package queue implements outbound message queuing with bounded per-message
// retry and capacity-bounded conversation history.
//
// The queue performs no network I/O and never schedules its own retries: a
// dispatch either succeeds, reverts the message to queued for the caller to
// redispatch under its own backoff policy, or fails the message terminally
// once its retry budget is spent.
//
// Example:
//
//	q := queue.New(queue.DefaultConfig())
//	defer q.Close()
//
//	id, err := q.Enqueue("49151234@g.gateway", driver.TextContent("hello"), driver.SendOptions{MaxRetries: 2})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	q.Dispatch(id, func(m queue.Message) error {
//	    _, err := drv.SendMessage(ctx, m.Destination, m.Content, m.Options)
//	    return err
//	})
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatlink/driver"
)

// DefaultGraceWindow is how long a sent message stays queryable before
// eviction when no window is configured.
const DefaultGraceWindow = 5 * time.Second

// ErrClosed is returned by Enqueue after the queue has been closed.
var ErrClosed = errors.New("message queue is closed")

// Config holds the queue tunables.
type Config struct {
	// GraceWindow is how long a sent message remains queryable before it is
	// evicted. It lets late status queries still observe "sent".
	GraceWindow time.Duration
	// HistoryLimit caps the per-conversation history.
	HistoryLimit int
	// DefaultMaxRetries applies to messages enqueued with a negative
	// MaxRetries option.
	DefaultMaxRetries int
}

// DefaultConfig returns the default queue tunables.
func DefaultConfig() Config {
	return Config{
		GraceWindow:       DefaultGraceWindow,
		HistoryLimit:      DefaultHistoryLimit,
		DefaultMaxRetries: 3,
	}
}

// EventType identifies a message-lifecycle event.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventSending   EventType = "sending"
	EventSent      EventType = "sent"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
	EventReceived  EventType = "received"
)

// Event is delivered to message-lifecycle observers. Message is set for
// outbound lifecycle events, Record for received inbound messages.
type Event struct {
	Type    EventType
	Message *Message
	Record  *Record
}

// EventFunc observes message-lifecycle events.
type EventFunc func(Event)

// SendFunc performs the actual network send for one dispatched message.
type SendFunc func(m Message) error

// Subscription is a handle for a registered observer. Closing it unregisters
// the observer.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Close unregisters the observer associated with this subscription.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

type eventEntry struct {
	id uint64
	fn EventFunc
}

type entry struct {
	msg      Message
	attempts int
}

// Queue tracks outbound messages through their delivery lifecycle and keeps
// bounded per-conversation history. All methods are safe for concurrent use.
type Queue struct {
	mu        sync.Mutex
	cfg       Config
	messages  map[string]*entry
	order     []string
	history   *historyStore
	timers    map[string]*time.Timer
	subs      []eventEntry
	nextSubID uint64
	closed    bool
}

// New creates a message queue. Zero config fields fall back to the defaults.
func New(cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = def.GraceWindow
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	return &Queue{
		cfg:      cfg,
		messages: make(map[string]*entry),
		history:  newHistoryStore(cfg.HistoryLimit),
		timers:   make(map[string]*time.Timer),
	}
}

// Enqueue stores an outbound message and returns its opaque id. It performs
// no network I/O; the message waits in "queued" until dispatched.
func (q *Queue) Enqueue(destination string, content driver.Content, opts driver.SendOptions) (string, error) {
	if destination == "" {
		return "", &Error{Code: ErrInvalidMessage, Cause: errors.New("destination cannot be empty")}
	}
	if err := content.Validate(); err != nil {
		return "", &Error{Code: ErrInvalidMessage, Cause: err}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = q.cfg.DefaultMaxRetries
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}

	now := time.Now()
	msg := Message{
		ID:          uuid.New().String(),
		Destination: destination,
		Content:     content,
		Options:     opts,
		Status:      StatusQueued,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	q.messages[msg.ID] = &entry{msg: msg}
	q.order = append(q.order, msg.ID)
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Enqueue",
		"message_id":  msg.ID,
		"destination": destination,
		"content":     content.Type,
	}).Info("Message enqueued")

	q.emit(Event{Type: EventQueued, Message: &msg})
	return msg.ID, nil
}

// Dispatch attempts delivery of a queued message through send. It returns
// false without mutating anything when the id is unknown, the message is
// already sending, or the message has reached a terminal status; a false
// return for an in-flight message is what prevents duplicate sends of one
// logical message.
//
// A send failure never propagates: the message either reverts to queued for
// the caller to redispatch, or turns terminally failed once RetryCount
// reaches its MaxRetries.
func (q *Queue) Dispatch(id string, send SendFunc) bool {
	q.mu.Lock()
	e, ok := q.messages[id]
	if !ok {
		q.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "Dispatch",
			"message_id": id,
			"code":       ErrUnknownMessage,
		}).Warn("Dispatch rejected: unknown message")
		return false
	}
	if e.msg.Status == StatusSending {
		q.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "Dispatch",
			"message_id": id,
			"code":       ErrDuplicateDispatch,
		}).Warn("Dispatch rejected: message already sending")
		return false
	}
	if e.msg.Status != StatusQueued {
		q.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "Dispatch",
			"message_id": id,
			"status":     e.msg.Status,
		}).Warn("Dispatch rejected: message not queued")
		return false
	}

	e.msg.Status = StatusSending
	e.msg.UpdatedAt = time.Now()
	e.attempts++
	snapshot := e.msg
	q.mu.Unlock()

	q.emit(Event{Type: EventSending, Message: &snapshot})

	err := send(snapshot)

	q.mu.Lock()
	e, ok = q.messages[id]
	if !ok {
		// Evicted while in flight; nothing left to resolve.
		q.mu.Unlock()
		return true
	}

	if err == nil {
		e.msg.Status = StatusSent
		e.msg.LastError = ""
		e.msg.UpdatedAt = time.Now()
		sent := e.msg
		rec := Record{
			MessageID:       sent.ID,
			ConversationKey: sent.Destination,
			Direction:       DirectionOutbound,
			Content:         sent.Content,
			Timestamp:       sent.UpdatedAt,
		}
		q.scheduleEvictionLocked(id)
		q.mu.Unlock()

		q.history.append(rec)
		logrus.WithFields(logrus.Fields{
			"function":    "Dispatch",
			"message_id":  id,
			"destination": sent.Destination,
		}).Info("Message sent")
		q.emit(Event{Type: EventSent, Message: &sent})
		return true
	}

	e.msg.RetryCount = e.attempts - 1
	e.msg.LastError = err.Error()
	e.msg.UpdatedAt = time.Now()

	if e.msg.RetryCount < e.msg.Options.MaxRetries {
		e.msg.Status = StatusQueued
		snapshot = e.msg
		q.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function":    "Dispatch",
			"message_id":  id,
			"retry_count": snapshot.RetryCount,
			"max_retries": snapshot.Options.MaxRetries,
			"error":       err,
		}).Warn("Send failed, message requeued")
		q.emit(Event{Type: EventQueued, Message: &snapshot})
		return true
	}

	e.msg.Status = StatusFailed
	e.msg.LastError = (&Error{Code: ErrRetryExhausted, MessageID: id, Cause: err}).Error()
	snapshot = e.msg
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Dispatch",
		"message_id":  id,
		"retry_count": snapshot.RetryCount,
		"error":       err,
	}).Error("Send failed terminally, retry budget spent")
	q.emit(Event{Type: EventFailed, Message: &snapshot})
	return true
}

// scheduleEvictionLocked arms the grace-window eviction timer for a sent
// message. Caller holds q.mu.
func (q *Queue) scheduleEvictionLocked(id string) {
	q.timers[id] = time.AfterFunc(q.cfg.GraceWindow, func() {
		q.mu.Lock()
		delete(q.messages, id)
		delete(q.timers, id)
		q.removeFromOrderLocked(id)
		q.mu.Unlock()
	})
}

func (q *Queue) removeFromOrderLocked(id string) {
	for i, other := range q.order {
		if other == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

// Cancel withdraws a queued message. It returns false for an unknown id, a
// message currently sending, or a message already in a terminal status; a
// cancelled message is removed immediately.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	e, ok := q.messages[id]
	if !ok || e.msg.Status != StatusQueued {
		status := Status("")
		if ok {
			status = e.msg.Status
		}
		q.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "Cancel",
			"message_id": id,
			"status":     status,
		}).Warn("Cancel rejected")
		return false
	}

	e.msg.Status = StatusCancelled
	e.msg.UpdatedAt = time.Now()
	snapshot := e.msg
	delete(q.messages, id)
	q.removeFromOrderLocked(id)
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Cancel",
		"message_id": id,
	}).Info("Message cancelled")
	q.emit(Event{Type: EventCancelled, Message: &snapshot})
	return true
}

// ProcessIncoming normalizes a vendor payload into a conversation record and
// appends it to the history keyed by the counterparty. It returns nil when
// the payload is missing its identity fields.
func (q *Queue) ProcessIncoming(raw driver.RawMessage) *Record {
	if raw.ID == "" || raw.From == "" {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessIncoming",
			"id":       raw.ID,
			"from":     raw.From,
		}).Warn("Rejected inbound message missing identity fields")
		return nil
	}

	key := raw.From
	direction := DirectionInbound
	if raw.FromMe {
		key = raw.To
		direction = DirectionOutbound
	}

	contentType := raw.Type
	if contentType == "" {
		contentType = driver.ContentText
	}
	timestamp := raw.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	rec := Record{
		MessageID:       raw.ID,
		ConversationKey: key,
		Direction:       direction,
		Content:         driver.Content{Type: contentType, Text: raw.Body},
		Timestamp:       timestamp,
	}
	q.history.append(rec)

	logrus.WithFields(logrus.Fields{
		"function":     "ProcessIncoming",
		"message_id":   raw.ID,
		"conversation": key,
		"content":      contentType,
	}).Debug("Inbound message recorded")

	q.emit(Event{Type: EventReceived, Record: &rec})
	return &rec
}

// Get returns a snapshot of one tracked message.
func (q *Queue) Get(id string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.messages[id]
	if !ok {
		return Message{}, false
	}
	return e.msg, true
}

// Pending returns snapshots of all non-terminal messages in enqueue order,
// optionally filtered to the given destinations.
func (q *Queue) Pending(destinations ...string) []Message {
	filter := make(map[string]bool, len(destinations))
	for _, d := range destinations {
		filter[d] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Message, 0)
	for _, id := range q.order {
		e, ok := q.messages[id]
		if !ok || e.msg.Status.IsTerminal() {
			continue
		}
		if len(filter) > 0 && !filter[e.msg.Destination] {
			continue
		}
		out = append(out, e.msg)
	}
	return out
}

// PendingIDs returns the ids of all queued messages in enqueue order. It is
// the redispatch worklist for callers flushing the queue after a reconnect.
func (q *Queue) PendingIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]string, 0)
	for _, id := range q.order {
		if e, ok := q.messages[id]; ok && e.msg.Status == StatusQueued {
			out = append(out, id)
		}
	}
	return out
}

// History returns up to limit most recent records for a conversation key,
// oldest first. A non-positive limit returns everything retained.
func (q *Queue) History(key string, limit int) []Record {
	return q.history.get(key, limit)
}

// OnEvent registers a message-lifecycle observer and returns its
// subscription handle.
func (q *Queue) OnEvent(fn EventFunc) *Subscription {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSubID++
	id := q.nextSubID
	q.subs = append(q.subs, eventEntry{id: id, fn: fn})

	return &Subscription{cancel: func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, sub := range q.subs {
			if sub.id == id {
				q.subs = append(q.subs[:i], q.subs[i+1:]...)
				return
			}
		}
	}}
}

func (q *Queue) emit(event Event) {
	q.mu.Lock()
	subs := make([]eventEntry, len(q.subs))
	copy(subs, q.subs)
	q.mu.Unlock()

	for _, sub := range subs {
		sub.fn(event)
	}
}

// Close cancels every outstanding eviction timer, drops the conversation
// history and rejects further enqueues. Already tracked messages stay
// queryable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.history.clear()
}
