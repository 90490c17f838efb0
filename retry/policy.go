package retry

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatlink/state"
)

// permanentError is implemented by failures that must never be retried, such
// as permanently invalid credentials, a banned account, or a deprecated
// protocol version.
type permanentError interface {
	Permanent() bool
}

// retryableStates is the fixed allow-list of transient lifecycle states a
// reconnection may recover from.
var retryableStates = map[state.State]bool{
	state.StateDisconnected: true,
	state.StateError:        true,
	state.StateTimeout:      true,
	state.StateConflict:     true,
	state.StateProxyBlocked: true,
}

// ShouldRetry reports whether a reconnection is worth attempting. It returns
// false unconditionally when err is classified as permanent, and true only
// when the lifecycle state is on the transient allow-list. The policy is
// deliberately separate from the backoff arithmetic in Scheduler.
func ShouldRetry(st state.State, err error) bool {
	var perm permanentError
	if errors.As(err, &perm) && perm.Permanent() {
		logrus.WithFields(logrus.Fields{
			"function": "ShouldRetry",
			"state":    st,
			"error":    err,
		}).Info("Failure is permanent, not retrying")
		return false
	}
	return retryableStates[st]
}
