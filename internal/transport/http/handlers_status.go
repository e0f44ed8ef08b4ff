package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sessionlink/internal/authz"
	"sessionlink/internal/conn"
	dErrors "sessionlink/pkg/domain-errors"
)

// StatusSource is the registry slice the status surface reads.
type StatusSource interface {
	Status(userID string) (conn.ConnectionStatus, bool)
	ConnectedUsers() []string
}

// AuthzSource answers authorization and token-expiry queries.
type AuthzSource interface {
	Verify(ctx context.Context, userID string) (*authz.Authorization, error)
	TokenExpiry(ctx context.Context, userID string) (time.Time, error)
}

// Handler is the thin HTTP layer; it delegates to the registry and verifier
// without embedding session logic.
type Handler struct {
	conns            StatusSource
	authz            AuthzSource
	refreshThreshold time.Duration
	logger           *slog.Logger
}

func NewHandler(conns StatusSource, az AuthzSource, refreshThreshold time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		conns:            conns,
		authz:            az,
		refreshThreshold: refreshThreshold,
		logger:           logger,
	}
}

type statusResponse struct {
	UserID            string     `json:"user_id"`
	Tracked           bool       `json:"tracked"`
	IsOpen            bool       `json:"is_open,omitempty"`
	State             conn.State `json:"state,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	LastActivity      *time.Time `json:"last_activity,omitempty"`
	ExpiresIn         *int64     `json:"expires_in_seconds,omitempty"`
	RefreshNeeded     bool       `json:"refresh_needed"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports one user's connection snapshot plus the token-expiry
// signals that drive the UI's session-expiring warning.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	resp := statusResponse{UserID: userID}
	if st, ok := h.conns.Status(userID); ok {
		resp.Tracked = true
		resp.IsOpen = st.IsOpen
		resp.State = st.State
		resp.ReconnectAttempts = st.ReconnectAttempts
		if !st.LastActivity.IsZero() {
			resp.LastActivity = &st.LastActivity
		}
	}

	if expiry, err := h.authz.TokenExpiry(r.Context(), userID); err == nil {
		remaining := int64(time.Until(expiry).Seconds())
		resp.ExpiresIn = &remaining
		resp.RefreshNeeded = time.Until(expiry) <= h.refreshThreshold
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleConnections(w http.ResponseWriter, _ *http.Request) {
	users := h.conns.ConnectedUsers()
	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

func (h *Handler) handleAuthz(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	auth, err := h.authz.Verify(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain error codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch dErrors.CodeOf(err) {
	case dErrors.CodeBadRequest:
		status = http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		status = http.StatusUnauthorized
	case dErrors.CodeForbidden:
		status = http.StatusForbidden
	case dErrors.CodeNotFound:
		status = http.StatusNotFound
	case dErrors.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
