package chatlink

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatlink/credentials"
	"github.com/opd-ai/chatlink/driver"
	"github.com/opd-ai/chatlink/queue"
	"github.com/opd-ai/chatlink/retry"
	"github.com/opd-ai/chatlink/state"
)

// GuardState tracks where a Session is in its own setup lifecycle. It is
// distinct from the gateway lifecycle in the state machine and exists to
// reject re-entrant Initialize and Connect calls. The guard is a best-effort
// marker, not a lock; callers serialize Connect and Disconnect externally.
type GuardState string

const (
	GuardUninitialized GuardState = "uninitialized"
	GuardInitializing  GuardState = "initializing"
	GuardInitialized   GuardState = "initialized"
	GuardConnecting    GuardState = "connecting"
	GuardConnected     GuardState = "connected"
)

// ConnectionEventType identifies a connection-level event.
type ConnectionEventType string

const (
	EventStateChanged   ConnectionEventType = "state_changed"
	EventPairingCode    ConnectionEventType = "pairing_code"
	EventReady          ConnectionEventType = "ready"
	EventAuthenticated  ConnectionEventType = "authenticated"
	EventAuthFailure    ConnectionEventType = "auth_failure"
	EventDisconnected   ConnectionEventType = "disconnected"
	EventRetryScheduled ConnectionEventType = "retry_scheduled"
	EventRetrySuccess   ConnectionEventType = "retry_success"
	EventRetryFailure   ConnectionEventType = "retry_failure"
	EventRetryExhausted ConnectionEventType = "retry_exhausted"
	EventRetryStopped   ConnectionEventType = "retry_stopped"
)

// ConnectionEvent is delivered to connection observers.
type ConnectionEvent struct {
	Type        ConnectionEventType
	State       state.State
	PairingCode string
	Err         error
	Timestamp   time.Time
	// Data carries event-specific detail, such as the retry.Event behind a
	// retry_* notification.
	Data interface{}
}

// MessageEvent is delivered to message observers. Message is set for
// outbound lifecycle events, Record for inbound messages.
type MessageEvent struct {
	Type    queue.EventType
	Message *queue.Message
	Record  *queue.Record
}

// ConnectionEventFunc observes connection events.
type ConnectionEventFunc func(ConnectionEvent)

// MessageEventFunc observes message events.
type MessageEventFunc func(MessageEvent)

// ConnectionStatus is a point-in-time snapshot of the gateway lifecycle.
type ConnectionStatus struct {
	State       state.State
	PairingCode string
}

// ConnectionStats aggregates the session's connection accounting.
type ConnectionStats struct {
	Status             GuardState
	State              state.State
	Uptime             time.Duration
	TimeInCurrentState time.Duration
	StateHistory       []state.TransitionRecord
	StateOccupancy     map[state.State]state.Occupancy
	RetryStatus        retry.Status
}

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

type connEntry struct {
	id uint64
	fn ConnectionEventFunc
}

type msgEntry struct {
	id uint64
	fn MessageEventFunc
}

type closer interface {
	Close()
}

// Session orchestrates one account's gateway connection. All methods are
// safe for concurrent use, but callers must serialize Connect and Disconnect
// externally; the guard state only detects re-entrant calls, it does not
// block them.
type Session struct {
	mu        sync.Mutex
	opts      *Options
	drv       driver.Driver
	store     credentials.Store
	machine   *state.Machine
	scheduler *retry.Scheduler
	queue     *queue.Queue

	guard GuardState
	// closing marks an intentional Disconnect so a driver callback fired
	// during teardown cannot arm a fresh retry cycle.
	closing   bool
	connSubs  []connEntry
	msgSubs   []msgEntry
	nextSubID uint64

	// internalSubs holds the session's own registrations on its
	// sub-components so Cleanup can release them.
	internalSubs []closer
}

// NewSession creates a session over the given protocol driver and credential
// store. Nil options fall back to the defaults.
func NewSession(drv driver.Driver, store credentials.Store, opts *Options) (*Session, error) {
	if drv == nil {
		return nil, errors.New("protocol driver cannot be nil")
	}
	if store == nil {
		return nil, errors.New("credential store cannot be nil")
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	return &Session{
		opts:      opts,
		drv:       drv,
		store:     store,
		machine:   state.NewMachine(),
		scheduler: retry.NewScheduler(opts.Retry),
		queue:     queue.New(opts.Queue),
		guard:     GuardUninitialized,
	}, nil
}

// Status returns the session's guard state.
func (s *Session) Status() GuardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guard
}

func (s *Session) setGuard(g GuardState) {
	s.mu.Lock()
	s.guard = g
	s.mu.Unlock()
}

// Initialize prepares the credential store and wires driver callbacks into
// the state machine. Calling it again is a warned no-op.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.guard != GuardUninitialized {
		guard := s.guard
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Initialize",
			"guard":    guard,
		}).Warn("Session already initialized, ignoring")
		return nil
	}
	s.guard = GuardInitializing
	s.mu.Unlock()

	if err := s.store.Initialize(ctx); err != nil {
		s.setGuard(GuardUninitialized)
		// Initialization cannot proceed without a session-state decision.
		return &AuthenticationError{Code: AuthStoreFailure, Cause: err}
	}

	s.wireObservers()
	s.drv.SetHandlers(driver.Handlers{
		OnPairingCode:   s.handlePairingCode,
		OnReady:         s.handleReady,
		OnAuthenticated: s.handleAuthenticated,
		OnAuthFailure:   s.handleAuthFailure,
		OnDisconnected:  s.handleDisconnected,
		OnMessage:       s.handleInbound,
	})

	s.setGuard(GuardInitialized)
	logrus.WithFields(logrus.Fields{
		"function": "Initialize",
	}).Info("Session initialized")
	return nil
}

// wireObservers forwards sub-component notifications to the session's
// observer surface.
func (s *Session) wireObservers() {
	stateSub := s.machine.OnEvent(func(e state.Event) {
		switch e.Type {
		case state.EventStateChanged:
			s.emitConn(ConnectionEvent{
				Type:        EventStateChanged,
				State:       e.State,
				PairingCode: e.PairingCode,
				Timestamp:   e.Timestamp,
			})
		case state.EventPairingCode:
			s.emitConn(ConnectionEvent{
				Type:        EventPairingCode,
				State:       e.State,
				PairingCode: e.PairingCode,
				Timestamp:   e.Timestamp,
			})
		}
	})

	retrySub := s.scheduler.OnEvent(func(e retry.Event) {
		s.emitConn(ConnectionEvent{
			Type:      retryEventType(e.Type),
			State:     s.machine.Current(),
			Err:       e.Err,
			Timestamp: e.Timestamp,
			Data:      e,
		})
	})

	queueSub := s.queue.OnEvent(func(e queue.Event) {
		s.emitMsg(MessageEvent{Type: e.Type, Message: e.Message, Record: e.Record})
	})

	s.mu.Lock()
	s.internalSubs = append(s.internalSubs, stateSub, retrySub, queueSub)
	s.mu.Unlock()
}

// retryEventType maps scheduler notifications onto the connection event
// surface.
func retryEventType(t retry.EventType) ConnectionEventType {
	switch t {
	case retry.EventScheduled:
		return EventRetryScheduled
	case retry.EventSuccess:
		return EventRetrySuccess
	case retry.EventFailure:
		return EventRetryFailure
	case retry.EventExhausted:
		return EventRetryExhausted
	default:
		return EventRetryStopped
	}
}

// Connect opens the gateway session. A failure is either absorbed into a
// scheduled retry cycle (transient, attempts remaining) or returned to the
// caller. Calling Connect while a connect is already underway is a warned
// no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.guard {
	case GuardUninitialized, GuardInitializing:
		s.mu.Unlock()
		return errors.New("session not initialized")
	case GuardConnecting, GuardConnected:
		guard := s.guard
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
			"guard":    guard,
		}).Warn("Connect already in progress, ignoring")
		return nil
	}
	s.closing = false
	s.mu.Unlock()

	err := s.connectAttempt(ctx)
	if err == nil {
		return nil
	}

	if retry.ShouldRetry(s.machine.Current(), err) {
		s.scheduler.Start(err.Error(), func() error {
			return s.connectAttempt(ctx)
		})
		return nil
	}
	return err
}

// connectAttempt performs one driver initialization and classifies its
// failure. It is the unit of work the retry scheduler re-invokes.
func (s *Session) connectAttempt(ctx context.Context) error {
	s.setGuard(GuardConnecting)
	if err := s.machine.SetState(state.StateConnecting); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "connectAttempt",
			"state":    s.machine.Current(),
			"error":    err,
		}).Warn("Could not enter connecting state")
	}

	err := s.drv.Initialize(ctx)
	if err == nil {
		// The handshake continues asynchronously; the ready callback
		// promotes the guard to connected.
		return nil
	}

	connErr := &ConnectionError{Code: ConnDriverInit, Recoverable: recoverable(err), Cause: err}
	logrus.WithFields(logrus.Fields{
		"function":    "connectAttempt",
		"recoverable": connErr.Recoverable,
		"error":       err,
	}).Error("Driver initialization failed")

	if serr := s.machine.SetState(state.StateError); serr != nil {
		s.machine.ForceState(state.StateError, "driver initialization failed")
	}

	if decision := s.store.OnFailure(connErr); decision.ShouldClearSession {
		if cerr := s.store.Clear(ctx); cerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "connectAttempt",
				"error":    cerr,
			}).Warn("Failed to clear invalid credentials")
		}
	}

	s.setGuard(GuardInitialized)
	return connErr
}

// recoverable reports whether err may succeed on a later attempt.
func recoverable(err error) bool {
	var perm interface{ Permanent() bool }
	if errors.As(err, &perm) && perm.Permanent() {
		return false
	}
	return true
}

// Disconnect closes the gateway session. Any in-flight retry cycle is
// stopped first so it cannot resurrect an explicitly closed connection. A
// driver teardown failure is logged and the lifecycle forced to
// disconnected rather than propagated.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.guard == GuardUninitialized || s.guard == GuardInitializing {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Disconnect",
		}).Warn("Disconnect on uninitialized session, ignoring")
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	s.scheduler.Stop()

	if err := s.drv.Destroy(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Disconnect",
			"error":    &ConnectionError{Code: ConnTeardown, Recoverable: true, Cause: err},
		}).Warn("Driver teardown failed, forcing disconnected state")
		s.machine.ForceState(state.StateDisconnected, "driver teardown failed")
	} else if serr := s.machine.SetState(state.StateDisconnected); serr != nil {
		s.machine.ForceState(state.StateDisconnected, "explicit disconnect")
	}

	s.setGuard(GuardInitialized)
	logrus.WithFields(logrus.Fields{
		"function": "Disconnect",
	}).Info("Session disconnected")
	return nil
}

// SendMessage enqueues and dispatches one outbound message. It rejects
// immediately when the session is not active. Delivery failures never
// surface here; they are tracked on the message itself and through message
// events.
func (s *Session) SendMessage(ctx context.Context, to string, content driver.Content, opts driver.SendOptions) (string, error) {
	if !s.machine.IsActive() {
		return "", &ConnectionError{Code: ConnNotConnected, Recoverable: true}
	}

	id, err := s.queue.Enqueue(to, content, opts)
	if err != nil {
		return "", err
	}

	s.queue.Dispatch(id, s.sendFunc(ctx))
	return id, nil
}

// FlushPending redispatches every queued message, stopping early if the
// session drops out of active. Dispatch order follows enqueue order per
// destination; cross-destination ordering is not guaranteed.
func (s *Session) FlushPending(ctx context.Context) {
	for _, id := range s.queue.PendingIDs() {
		if !s.machine.IsActive() {
			return
		}
		s.queue.Dispatch(id, s.sendFunc(ctx))
	}
}

// sendFunc builds the queue dispatch closure over the protocol driver.
func (s *Session) sendFunc(ctx context.Context) queue.SendFunc {
	return func(m queue.Message) error {
		sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
		defer cancel()

		_, err := s.drv.SendMessage(sendCtx, m.Destination, m.Content, m.Options)
		if err != nil {
			return &ConnectionError{Code: ConnDriverSend, Recoverable: recoverable(err), Cause: err}
		}
		return nil
	}
}

// CancelMessage withdraws a queued message.
func (s *Session) CancelMessage(id string) bool {
	return s.queue.Cancel(id)
}

// Cleanup tears the session down: it disconnects if needed, then releases
// every observer registration, the queue's timers and the credential store.
// Each step is isolated so one failure cannot block the others. Cleanup is
// idempotent.
func (s *Session) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	guard := s.guard
	s.mu.Unlock()

	if guard == GuardConnecting || guard == GuardConnected {
		if err := s.Disconnect(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Cleanup",
				"error":    err,
			}).Warn("Disconnect during cleanup failed")
		}
	} else {
		// A pending retry cycle must not outlive the session.
		s.scheduler.Stop()
	}

	s.mu.Lock()
	internal := s.internalSubs
	s.internalSubs = nil
	s.connSubs = nil
	s.msgSubs = nil
	s.mu.Unlock()

	for _, sub := range internal {
		sub.Close()
	}

	s.queue.Close()

	if err := s.store.Cleanup(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Cleanup",
			"error":    err,
		}).Warn("Credential store cleanup failed")
	}

	s.machine.Reset()
	s.setGuard(GuardUninitialized)

	logrus.WithFields(logrus.Fields{
		"function": "Cleanup",
	}).Info("Session cleaned up")
	return nil
}

// handlePairingCode reacts to the gateway presenting a pairing payload.
func (s *Session) handlePairingCode(code string) {
	if err := s.machine.SetState(state.StateAwaitingPairing); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePairingCode",
			"state":    s.machine.Current(),
			"error":    err,
		}).Warn("Pairing code in unexpected state")
	}
	s.machine.SetPairingCode(code)
}

// handleAuthenticated reacts to the gateway accepting the credentials.
func (s *Session) handleAuthenticated(session []byte) {
	if err := s.machine.SetState(state.StatePairing); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleAuthenticated",
			"state":    s.machine.Current(),
			"error":    err,
		}).Warn("Authenticated in unexpected state")
	}

	if len(session) > 0 {
		if err := s.store.Save(context.Background(), session); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleAuthenticated",
				"error":    err,
			}).Warn("Failed to persist session payload")
		}
	}

	s.emitConn(ConnectionEvent{
		Type:      EventAuthenticated,
		State:     s.machine.Current(),
		Timestamp: time.Now(),
	})
}

// handleReady reacts to the session becoming fully usable.
func (s *Session) handleReady() {
	if err := s.machine.SetState(state.StateActive); err != nil {
		s.machine.ForceState(state.StateActive, "driver reported ready")
	}
	s.scheduler.Reset()
	s.setGuard(GuardConnected)

	s.emitConn(ConnectionEvent{
		Type:      EventReady,
		State:     state.StateActive,
		Timestamp: time.Now(),
	})

	if s.opts.FlushPendingOnReady {
		go s.FlushPending(context.Background())
	}
}

// classifyAuthFailure picks the failure code a gateway rejection maps to.
// A rejection during the pairing handshake is a pairing failure, a ban is
// reported as such, and anything else means the stored session is invalid.
func (s *Session) classifyAuthFailure(message string) AuthErrorCode {
	if strings.Contains(strings.ToLower(message), "banned") {
		return AuthBanned
	}
	if s.machine.RequiresPairing() {
		return AuthPairingFailed
	}
	return AuthInvalidCredentials
}

// handleAuthFailure reacts to the gateway rejecting the credentials. The
// stored session payload is cleared when the store deems it invalid; no
// retry cycle is armed because credential rejections are permanent.
func (s *Session) handleAuthFailure(message string) {
	authErr := &AuthenticationError{Code: s.classifyAuthFailure(message), Cause: errors.New(message)}
	logrus.WithFields(logrus.Fields{
		"function": "handleAuthFailure",
		"message":  message,
	}).Error("Gateway rejected credentials")

	if err := s.machine.SetState(state.StateError); err != nil {
		s.machine.ForceState(state.StateError, "authentication failure")
	}

	if decision := s.store.OnFailure(authErr); decision.ShouldClearSession {
		if err := s.store.Clear(context.Background()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleAuthFailure",
				"error":    err,
			}).Warn("Failed to clear rejected credentials")
		}
	}

	s.setGuard(GuardInitialized)
	s.emitConn(ConnectionEvent{
		Type:      EventAuthFailure,
		State:     s.machine.Current(),
		Err:       authErr,
		Timestamp: time.Now(),
	})
}

// classifyDisconnect maps a gateway disconnect reason onto the lifecycle
// state it ends in and the error observers see. Deprecated-protocol closes
// are permanent; everything else may recover.
func classifyDisconnect(reason string) (state.State, *ConnectionError) {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "deprecated"):
		return state.StateDeprecated, &ConnectionError{
			Code: ConnDeprecatedProtocol, Recoverable: false, Cause: errors.New(reason),
		}
	case strings.Contains(lower, "conflict"):
		return state.StateConflict, &ConnectionError{
			Code: ConnDriverInit, Recoverable: true, Cause: errors.New(reason),
		}
	default:
		return state.StateDisconnected, &ConnectionError{
			Code: ConnDriverInit, Recoverable: true, Cause: errors.New(reason),
		}
	}
}

// handleDisconnected reacts to a disconnect reported by the driver. A
// reconnect is only armed for unsolicited disconnects; a callback fired
// while an explicit Disconnect tears the driver down must not resurrect the
// connection.
func (s *Session) handleDisconnected(reason string) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleDisconnected",
		"reason":   reason,
		"closing":  closing,
	}).Warn("Gateway session disconnected")

	next, connErr := classifyDisconnect(reason)
	if err := s.machine.SetState(next); err != nil {
		s.machine.ForceState(next, "driver reported disconnect")
	}
	s.setGuard(GuardInitialized)

	s.emitConn(ConnectionEvent{
		Type:      EventDisconnected,
		State:     next,
		Err:       connErr,
		Timestamp: time.Now(),
	})

	if !closing && s.opts.ReconnectOnDisconnect && retry.ShouldRetry(s.machine.Current(), connErr) {
		s.scheduler.Start(reason, func() error {
			return s.connectAttempt(context.Background())
		})
	}
}

// handleInbound normalizes and records an inbound message.
func (s *Session) handleInbound(raw driver.RawMessage) {
	s.queue.ProcessIncoming(raw)
}

// OnConnectionEvent registers a connection observer and returns its
// subscription handle.
func (s *Session) OnConnectionEvent(fn ConnectionEventFunc) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	id := s.nextSubID
	s.connSubs = append(s.connSubs, connEntry{id: id, fn: fn})

	return &Subscription{cancel: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.connSubs {
			if sub.id == id {
				s.connSubs = append(s.connSubs[:i], s.connSubs[i+1:]...)
				return
			}
		}
	}}
}

// OnMessageEvent registers a message observer and returns its subscription
// handle.
func (s *Session) OnMessageEvent(fn MessageEventFunc) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	id := s.nextSubID
	s.msgSubs = append(s.msgSubs, msgEntry{id: id, fn: fn})

	return &Subscription{cancel: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.msgSubs {
			if sub.id == id {
				s.msgSubs = append(s.msgSubs[:i], s.msgSubs[i+1:]...)
				return
			}
		}
	}}
}

func (s *Session) emitConn(event ConnectionEvent) {
	s.mu.Lock()
	subs := make([]connEntry, len(s.connSubs))
	copy(subs, s.connSubs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(event)
	}
}

func (s *Session) emitMsg(event MessageEvent) {
	s.mu.Lock()
	subs := make([]msgEntry, len(s.msgSubs))
	copy(subs, s.msgSubs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(event)
	}
}

// GetConnectionStatus returns the current lifecycle state and pairing code.
func (s *Session) GetConnectionStatus() ConnectionStatus {
	return ConnectionStatus{
		State:       s.machine.Current(),
		PairingCode: s.machine.PairingCode(),
	}
}

// GetConnectionStats returns the session's connection accounting: guard
// state, cumulative active time, state history and occupancy, and the retry
// scheduler status.
func (s *Session) GetConnectionStats() ConnectionStats {
	return ConnectionStats{
		Status:             s.Status(),
		State:              s.machine.Current(),
		Uptime:             s.machine.ActiveTime(),
		TimeInCurrentState: s.machine.TimeInCurrentState(),
		StateHistory:       s.machine.History(),
		StateOccupancy:     s.machine.StateOccupancy(),
		RetryStatus:        s.scheduler.Status(),
	}
}

// GetMessageHistory returns up to limit most recent records for one
// conversation, oldest first.
func (s *Session) GetMessageHistory(conversationKey string, limit int) []queue.Record {
	return s.queue.History(conversationKey, limit)
}

// GetPendingMessages returns snapshots of the non-terminal outbound
// messages, optionally filtered to the given conversation keys.
func (s *Session) GetPendingMessages(conversationKeys ...string) []queue.Message {
	return s.queue.Pending(conversationKeys...)
}
