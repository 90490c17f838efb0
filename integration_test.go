package chatlink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatlink/driver"
	"github.com/opd-ai/chatlink/queue"
	"github.com/opd-ai/chatlink/state"
)

// TestSessionLifecycle_EndToEnd walks a session through first-time pairing,
// message exchange, an unsolicited disconnect with automatic reconnection,
// and final teardown.
func TestSessionLifecycle_EndToEnd(t *testing.T) {
	ctx := context.Background()
	drv := &mockDriver{}
	store := &mockStore{}

	s, err := NewSession(drv, store, testOptions())
	require.NoError(t, err)

	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Connect(ctx))

	// First run: no stored session, the gateway presents a pairing code.
	h := drv.getHandlers()
	h.OnPairingCode("2@pairme")
	assert.Equal(t, state.StateAwaitingPairing, s.GetConnectionStatus().State)

	h.OnAuthenticated([]byte("opaque-session"))
	assert.Equal(t, 1, store.saveCount(), "session payload should be persisted on authentication")

	h.OnReady()
	require.Equal(t, state.StateActive, s.GetConnectionStatus().State)
	assert.Empty(t, s.GetConnectionStatus().PairingCode)

	// Message exchange in both directions.
	id, err := s.SendMessage(ctx, "alice@gateway", driver.TextContent("hello"), driver.SendOptions{})
	require.NoError(t, err)
	msg, ok := s.queue.Get(id)
	require.True(t, ok)
	assert.Equal(t, queue.StatusSent, msg.Status)

	h.OnMessage(driver.RawMessage{
		ID:        "in-1",
		From:      "alice@gateway",
		To:        "me@gateway",
		Body:      "hello back",
		Timestamp: time.Now(),
	})
	history := s.GetMessageHistory("alice@gateway", 0)
	require.Len(t, history, 2)
	assert.Equal(t, queue.DirectionOutbound, history[0].Direction)
	assert.Equal(t, queue.DirectionInbound, history[1].Direction)

	// Unsolicited disconnect: one transient failure, then recovery.
	drv.initErrs = []error{errors.New("stream errored")}
	h.OnDisconnected("stream errored")

	require.Eventually(t, func() bool {
		return s.GetConnectionStatus().State == state.StateConnecting && !s.GetConnectionStats().RetryStatus.Active
	}, time.Second, time.Millisecond, "session never recovered from disconnect")
	drv.getHandlers().OnReady()
	assert.Equal(t, state.StateActive, s.GetConnectionStatus().State)

	stats := s.GetConnectionStats()
	assert.Equal(t, GuardConnected, stats.Status)
	assert.NotZero(t, stats.Uptime)
	assert.GreaterOrEqual(t, stats.StateOccupancy[state.StateActive].Count, 1)

	// Teardown.
	require.NoError(t, s.Cleanup(ctx))
	assert.Equal(t, GuardUninitialized, s.Status())
	assert.Equal(t, 1, store.cleanupCount())
	assert.Equal(t, 1, drv.destroyCount())
}
