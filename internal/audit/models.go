package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags a token-lifecycle audit event.
type EventType string

const (
	EventSessionConnected    EventType = "session.connected"
	EventSessionDisconnected EventType = "session.disconnected"
	EventTokenRefreshed      EventType = "token.refreshed"
	EventTokenExpired        EventType = "token.expired"
	EventTokenInvalid        EventType = "token.invalid"
	EventReconnectExhausted  EventType = "reconnect.exhausted"
)

// Event is one append-only audit record. ID and Timestamp are filled in by
// the publisher when empty.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      EventType `json:"type"`
	UserID    string    `json:"user_id"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
