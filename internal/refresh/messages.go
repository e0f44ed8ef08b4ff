package refresh

// Message types carried over the per-user channel. The server may grow new
// types; unrecognized tags are ignored rather than terminating the connection.
const (
	TypeConnected      = "connected"
	TypeTokenStatus    = "token_status"
	TypeTokenRefreshed = "token_refreshed"
	TypeTokenExpired   = "token_expired"
	TypeTokenInvalid   = "token_invalid"
	TypeRefreshError   = "refresh_error"

	// Client → server.
	TypeRefreshToken = "refresh_token"
)

// Message is the tagged wire record; the Type field selects handling and the
// remaining fields are populated per type.
type Message struct {
	Type         string `json:"type"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Message      string `json:"message,omitempty"`
}

// TokenEvent is delivered to token-update subscribers.
type TokenEvent struct {
	UserID string
	Type   string
	Raw    Message
}

// ErrorEvent is delivered to error subscribers. Fatal marks per-user
// conditions that will not recover on their own (retry budget exhausted).
type ErrorEvent struct {
	UserID  string
	Type    string
	Message string
	Fatal   bool
}

// Error event types surfaced alongside server-sent refresh errors.
const (
	ErrTypeRefreshError       = TypeRefreshError
	ErrTypeTransportError     = "transport_error"
	ErrTypeReconnectExhausted = "reconnect_exhausted"
)
