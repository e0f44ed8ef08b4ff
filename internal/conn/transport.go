package conn

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live transport channel. The production implementation wraps a
// gorilla websocket connection; tests substitute fakes.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a transport channel against a fully built address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Address builds the per-user connection URL. The server authenticates the
// upgrade from the token and user_id query parameters.
func Address(base, userID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse ws base url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// WebsocketDialer dials gorilla websocket connections.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, addr, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteJSON(v any) error {
	return c.ws.WriteJSON(v)
}

func (c *wsConn) Close() error {
	// Best-effort close frame so the server sees a graceful shutdown.
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	return c.ws.Close()
}
