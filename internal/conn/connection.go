package conn

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the lifecycle position of one connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
)

// ConnectionStatus is a point-in-time snapshot for the polling surface.
type ConnectionStatus struct {
	IsOpen            bool      `json:"is_open"`
	State             State     `json:"state"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastActivity      time.Time `json:"last_activity"`
}

// connection is the per-user state machine. All fields behind mu; transitions
// for one user are serialized under it so a transport callback and a UI call
// can never race into two concurrent reconnect attempts.
type connection struct {
	userID string
	token  string

	mu           sync.Mutex
	state        State
	transport    Conn
	attempts     int
	lastActivity time.Time
	backoff      *backoff.ExponentialBackOff
	retryTimer   *time.Timer
	// done marks an explicit disconnect or registry removal. Once set, no
	// reconnect is ever scheduled again for this instance, so a superseded
	// token cannot be resurrected by a stale timer.
	done bool
}

func newConnection(userID, token string, bo *backoff.ExponentialBackOff) *connection {
	return &connection{
		userID:  userID,
		token:   token,
		state:   StateDisconnected,
		backoff: bo,
	}
}

// abandon marks the connection dead and cancels any pending reconnect timer.
// Returns the transport (if any) for the caller to close outside the lock.
func (c *connection) abandon() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	t := c.transport
	c.transport = nil
	c.state = StateDisconnected
	return t
}

func (c *connection) status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionStatus{
		IsOpen:            c.state == StateOpen,
		State:             c.state,
		ReconnectAttempts: c.attempts,
		LastActivity:      c.lastActivity,
	}
}

// newBackoff builds the reconnect delay schedule: doubling from base, capped.
// RandomizationFactor is zero so the schedule is deterministic and strictly
// increasing until the cap.
func newBackoff(base, limit time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = limit
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
