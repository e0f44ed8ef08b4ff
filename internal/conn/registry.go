package conn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sessionlink/internal/platform/metrics"
)

// Config holds the registry's connection policy.
type Config struct {
	BaseURL              string
	DialTimeout          time.Duration
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffCap           time.Duration
}

// MessageSink receives transport events for a user. The token-refresh protocol
// handler implements it; the registry never interprets message payloads itself.
type MessageSink interface {
	// HandleMessage is called for every inbound message while the connection
	// is open, in the order the transport produced them.
	HandleMessage(userID string, data []byte)
	// HandleTransportError reports a recoverable transport failure; a
	// reconnect may already be scheduled when it fires.
	HandleTransportError(userID string, err error)
	// HandleConnectionLost reports that the retry budget is exhausted and the
	// connection has been removed from the registry.
	HandleConnectionLost(userID string, err error)
}

// Registry maps user IDs to connection state machines. It enforces at most one
// live connection per user; Connect is last-writer-wins.
type Registry struct {
	cfg     Config
	dialer  Dialer
	sink    MessageSink
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	conns map[string]*connection
}

func NewRegistry(cfg Config, dialer Dialer, sink MessageSink, logger *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		cfg:     cfg,
		dialer:  dialer,
		sink:    sink,
		logger:  logger,
		metrics: m,
		conns:   make(map[string]*connection),
	}
}

// Connect tears down any prior connection for userID, creates a new state
// machine bound to token, and dispatches the open attempt. It returns once the
// attempt is dispatched, not once the transport is open; callers observe the
// transition through Status. Empty userID or token fails fast with no side
// effect.
func (r *Registry) Connect(userID, token string) bool {
	if userID == "" || token == "" {
		r.logger.Warn("connect rejected, missing user id or token", "user_id", userID)
		return false
	}

	r.mu.Lock()
	var stale Conn
	if old, ok := r.conns[userID]; ok {
		stale = old.abandon()
		delete(r.conns, userID)
	}
	c := newConnection(userID, token, newBackoff(r.cfg.BackoffBase, r.cfg.BackoffCap))
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()
	r.conns[userID] = c
	r.metrics.ConnectionsActive.Set(float64(len(r.conns)))
	r.mu.Unlock()

	if stale != nil {
		stale.Close()
	}

	r.metrics.ConnectsTotal.Inc()
	r.logger.Info("connect dispatched", "user_id", userID)
	go r.dial(c)
	return true
}

// Disconnect gracefully closes and removes the user's connection. It is
// idempotent: with no tracked connection it is a no-op.
func (r *Registry) Disconnect(userID string) {
	r.mu.Lock()
	c, ok := r.conns[userID]
	if ok {
		delete(r.conns, userID)
		r.metrics.ConnectionsActive.Set(float64(len(r.conns)))
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.state = StateClosing
	c.mu.Unlock()

	if t := c.abandon(); t != nil {
		t.Close()
	}
	r.logger.Info("disconnected", "user_id", userID)
}

// DisconnectAll tears down every tracked connection; used at process shutdown.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	users := make([]string, 0, len(r.conns))
	for userID := range r.conns {
		users = append(users, userID)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, userID := range users {
		g.Go(func() error {
			r.Disconnect(userID)
			return nil
		})
	}
	g.Wait()
}

// Send delivers msg only when the user's connection is open. Anything else is
// a warn-logged no-op; Send never panics and never corrupts connection state.
func (r *Registry) Send(userID string, msg any) bool {
	r.mu.Lock()
	c, ok := r.conns[userID]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("send dropped, no connection", "user_id", userID)
		r.metrics.SendsDropped.Inc()
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.transport == nil {
		r.logger.Warn("send dropped, connection not open", "user_id", userID, "state", string(c.state))
		r.metrics.SendsDropped.Inc()
		return false
	}
	if err := c.transport.WriteJSON(msg); err != nil {
		r.logger.Warn("send failed", "user_id", userID, "error", err)
		return false
	}
	c.lastActivity = time.Now()
	return true
}

// Status returns a snapshot for one user, or false if the user is untracked.
func (r *Registry) Status(userID string) (ConnectionStatus, bool) {
	r.mu.Lock()
	c, ok := r.conns[userID]
	r.mu.Unlock()
	if !ok {
		return ConnectionStatus{}, false
	}
	return c.status(), true
}

// ConnectedUsers lists every tracked user in any state, including connecting.
func (r *Registry) ConnectedUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]string, 0, len(r.conns))
	for userID := range r.conns {
		users = append(users, userID)
	}
	return users
}

func (r *Registry) dial(c *connection) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	userID, token := c.userID, c.token
	c.mu.Unlock()

	addr, err := Address(r.cfg.BaseURL, userID, token)
	if err != nil {
		r.logger.Error("bad transport address", "user_id", userID, "error", err)
		r.remove(c)
		r.notifyLost(userID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DialTimeout)
	t, err := r.dialer.Dial(ctx, addr)
	cancel()
	if err != nil {
		r.notifyTransportError(userID, err)
		r.scheduleReconnect(c, err)
		return
	}

	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		t.Close()
		return
	}
	c.transport = t
	c.state = StateOpen
	c.attempts = 0
	c.backoff.Reset()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	r.logger.Info("connection open", "user_id", userID)
	go r.readLoop(c, t)
}

func (r *Registry) readLoop(c *connection, t Conn) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			c.mu.Lock()
			abnormal := !c.done && c.state == StateOpen && c.transport == t
			c.mu.Unlock()
			if abnormal {
				r.notifyTransportError(c.userID, err)
				r.scheduleReconnect(c, err)
			}
			return
		}

		c.mu.Lock()
		stale := c.done || c.transport != t
		if !stale {
			c.lastActivity = time.Now()
		}
		c.mu.Unlock()
		if stale {
			return
		}
		if r.sink != nil {
			r.sink.HandleMessage(c.userID, data)
		}
	}
}

// scheduleReconnect drives the disconnected → connecting retry path. The delay
// doubles from the configured base up to the cap; after MaxReconnectAttempts
// consecutive failures the connection is abandoned and removed.
func (r *Registry) scheduleReconnect(c *connection, cause error) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.state = StateDisconnected

	if c.attempts >= r.cfg.MaxReconnectAttempts {
		attempts := c.attempts
		c.mu.Unlock()
		r.remove(c)
		r.metrics.ReconnectExhausted.Inc()
		r.logger.Error("reconnect budget exhausted", "user_id", c.userID, "attempts", attempts, "error", cause)
		r.notifyLost(c.userID, cause)
		return
	}

	delay := c.backoff.NextBackOff()
	c.attempts++
	attempt := c.attempts
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.done {
			c.mu.Unlock()
			return
		}
		c.retryTimer = nil
		c.mu.Unlock()
		r.dial(c)
	})
	c.mu.Unlock()

	r.metrics.ReconnectsTotal.Inc()
	r.logger.Warn("connection lost, reconnect scheduled",
		"user_id", c.userID,
		"attempt", attempt,
		"delay", delay,
		"error", cause,
	)
}

// remove drops the connection from the registry if it is still the tracked
// instance, and kills it either way.
func (r *Registry) remove(c *connection) {
	r.mu.Lock()
	if cur, ok := r.conns[c.userID]; ok && cur == c {
		delete(r.conns, c.userID)
		r.metrics.ConnectionsActive.Set(float64(len(r.conns)))
	}
	r.mu.Unlock()
	if t := c.abandon(); t != nil {
		t.Close()
	}
}

func (r *Registry) notifyTransportError(userID string, err error) {
	if r.sink != nil {
		r.sink.HandleTransportError(userID, err)
	}
}

func (r *Registry) notifyLost(userID string, err error) {
	if r.sink != nil {
		r.sink.HandleConnectionLost(userID, err)
	}
}
