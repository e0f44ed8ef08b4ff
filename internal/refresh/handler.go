package refresh

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"sessionlink/internal/audit"
	"sessionlink/internal/platform/metrics"
	"sessionlink/internal/session/store"
)

// ConnectionControl is the slice of the registry the handler needs: dropping a
// user after a terminal token signal and pushing outbound protocol messages.
type ConnectionControl interface {
	Disconnect(userID string)
	Send(userID string, msg any) bool
}

// CachePurger clears derived authorization state when a session ends.
type CachePurger interface {
	ClearCache(userID string)
}

// Subscription deregisters one listener. Cancel is safe to call more than once.
type Subscription struct {
	cancel func()
}

func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Handler interprets inbound protocol messages for open connections, drives
// session-store updates, and fans typed events out to subscribers. It
// implements conn.MessageSink.
type Handler struct {
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   audit.Publisher

	mu        sync.RWMutex
	links     ConnectionControl
	purger    CachePurger
	tokenSubs map[uuid.UUID]func(TokenEvent)
	errSubs   map[uuid.UUID]func(ErrorEvent)
}

func NewHandler(st store.Store, logger *slog.Logger, m *metrics.Metrics, auditPub audit.Publisher) *Handler {
	if auditPub == nil {
		auditPub = audit.NopPublisher{}
	}
	return &Handler{
		store:     st,
		logger:    logger,
		metrics:   m,
		audit:     auditPub,
		tokenSubs: make(map[uuid.UUID]func(TokenEvent)),
		errSubs:   make(map[uuid.UUID]func(ErrorEvent)),
	}
}

// Bind wires the registry after construction; the handler and registry
// reference each other, so one side has to be attached late.
func (h *Handler) Bind(links ConnectionControl) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.links = links
}

// BindPurger attaches the verifier's cache-clear hook for terminal signals.
func (h *Handler) BindPurger(p CachePurger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.purger = p
}

// OnTokenUpdate registers a listener for token lifecycle events and returns a
// handle that deregisters it.
func (h *Handler) OnTokenUpdate(fn func(TokenEvent)) Subscription {
	id := uuid.New()
	h.mu.Lock()
	h.tokenSubs[id] = fn
	h.mu.Unlock()
	return Subscription{cancel: func() {
		h.mu.Lock()
		delete(h.tokenSubs, id)
		h.mu.Unlock()
	}}
}

// OnError registers a listener for error events and returns a handle that
// deregisters it.
func (h *Handler) OnError(fn func(ErrorEvent)) Subscription {
	id := uuid.New()
	h.mu.Lock()
	h.errSubs[id] = fn
	h.mu.Unlock()
	return Subscription{cancel: func() {
		h.mu.Lock()
		delete(h.errSubs, id)
		h.mu.Unlock()
	}}
}

// HandleMessage routes one inbound protocol message. Malformed or unknown
// messages are logged and dropped; the connection stays open.
func (h *Handler) HandleMessage(userID string, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("malformed protocol message", "user_id", userID, "error", err)
		return
	}

	h.metrics.MessagesReceived.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case TypeConnected:
		// Informational; activity is already marked by the registry.
		h.audit.Emit(audit.Event{Type: audit.EventSessionConnected, UserID: userID})
	case TypeTokenStatus:
		h.forwardToken(TokenEvent{UserID: userID, Type: msg.Type, Raw: msg})
	case TypeTokenRefreshed:
		h.handleTokenRefreshed(userID, msg)
	case TypeTokenExpired, TypeTokenInvalid:
		h.handleSessionTerminal(userID, msg)
	case TypeRefreshError:
		h.forwardError(ErrorEvent{UserID: userID, Type: ErrTypeRefreshError, Message: msg.Message})
	default:
		h.logger.Warn("unrecognized protocol message type", "user_id", userID, "type", msg.Type)
	}
}

// HandleTransportError surfaces recoverable transport failures to error
// subscribers; the registry drives the reconnect itself.
func (h *Handler) HandleTransportError(userID string, err error) {
	h.forwardError(ErrorEvent{UserID: userID, Type: ErrTypeTransportError, Message: err.Error()})
}

// HandleConnectionLost marks the fatal per-user condition after the retry
// budget is exhausted.
func (h *Handler) HandleConnectionLost(userID string, err error) {
	h.audit.Emit(audit.Event{Type: audit.EventReconnectExhausted, UserID: userID, Detail: err.Error()})
	h.forwardError(ErrorEvent{UserID: userID, Type: ErrTypeReconnectExhausted, Message: err.Error(), Fatal: true})
}

// RequestRefresh emits a refresh_token request carrying the stored refresh
// token. Anything short of an open connection is a warn-logged no-op.
func (h *Handler) RequestRefresh(ctx context.Context, userID string) {
	sess, err := h.store.Find(ctx, userID)
	if err != nil {
		h.logger.Warn("refresh request skipped, no session", "user_id", userID, "error", err)
		return
	}

	h.mu.RLock()
	links := h.links
	h.mu.RUnlock()
	if links == nil {
		h.logger.Warn("refresh request skipped, no connection registry bound", "user_id", userID)
		return
	}

	if !links.Send(userID, Message{Type: TypeRefreshToken, RefreshToken: sess.RefreshToken}) {
		h.logger.Warn("refresh request dropped, connection not open", "user_id", userID)
	}
}

func (h *Handler) handleTokenRefreshed(userID string, msg Message) {
	if msg.AccessToken == "" || msg.RefreshToken == "" {
		h.logger.Error("token_refreshed rejected, incomplete token pair", "user_id", userID)
		return
	}

	ctx := context.Background()
	sess, err := h.store.Find(ctx, userID)
	if err != nil {
		h.logger.Error("token_refreshed for unknown session", "user_id", userID, "error", err)
		return
	}
	sess.AccessToken = msg.AccessToken
	sess.RefreshToken = msg.RefreshToken
	if err := h.store.Save(ctx, sess); err != nil {
		h.logger.Error("failed to persist refreshed tokens", "user_id", userID, "error", err)
		return
	}

	h.metrics.TokenRefreshes.Inc()
	h.audit.Emit(audit.Event{Type: audit.EventTokenRefreshed, UserID: userID})
	h.logger.Info("token pair refreshed", "user_id", userID)
	h.forwardToken(TokenEvent{UserID: userID, Type: msg.Type, Raw: msg})
}

// handleSessionTerminal handles token_expired and token_invalid: the session
// is finished, so clear it, drop the connection, and tell subscribers.
func (h *Handler) handleSessionTerminal(userID string, msg Message) {
	ctx := context.Background()
	if err := h.store.Delete(ctx, userID); err != nil {
		h.logger.Error("failed to clear session", "user_id", userID, "error", err)
	}

	h.mu.RLock()
	links := h.links
	purger := h.purger
	h.mu.RUnlock()
	if purger != nil {
		purger.ClearCache(userID)
	}
	if links != nil {
		links.Disconnect(userID)
	}

	eventType := audit.EventTokenExpired
	if msg.Type == TypeTokenInvalid {
		eventType = audit.EventTokenInvalid
	}
	h.audit.Emit(audit.Event{Type: eventType, UserID: userID})
	h.logger.Info("session terminated by server", "user_id", userID, "reason", msg.Type)
	h.forwardToken(TokenEvent{UserID: userID, Type: msg.Type, Raw: msg})
}

func (h *Handler) forwardToken(evt TokenEvent) {
	for _, fn := range h.tokenSnapshot() {
		fn(evt)
	}
}

func (h *Handler) forwardError(evt ErrorEvent) {
	h.mu.RLock()
	subs := make([]func(ErrorEvent), 0, len(h.errSubs))
	for _, fn := range h.errSubs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(evt)
	}
}

// tokenSnapshot copies listeners out of the lock so a callback can subscribe
// or cancel without deadlocking.
func (h *Handler) tokenSnapshot() []func(TokenEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := make([]func(TokenEvent), 0, len(h.tokenSubs))
	for _, fn := range h.tokenSubs {
		subs = append(subs, fn)
	}
	return subs
}
