// Package login is the client side of the collaborator REST login interface.
// A successful login is the only way a session is created other than a
// token_refreshed message on the channel.
package login

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"sessionlink/internal/session"
	"sessionlink/internal/session/store"
	dErrors "sessionlink/pkg/domain-errors"
)

// ConnectionControl is the slice of the registry Login and Logout need.
type ConnectionControl interface {
	Connect(userID, token string) bool
	Disconnect(userID string)
}

// CachePurger clears derived authorization state on logout.
type CachePurger interface {
	ClearCache(userID string)
}

// Client logs users in against the auth service and maintains the local
// session store accordingly.
type Client struct {
	baseURL string
	http    *http.Client
	store   store.Store
	logger  *slog.Logger

	conns  ConnectionControl
	purger CachePurger
}

func NewClient(baseURL string, st store.Store, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		store:   st,
		logger:  logger,
	}
}

// Bind attaches the registry and verifier hooks used by Logout. Either may be
// nil when the embedding process does not run that component.
func (c *Client) Bind(conns ConnectionControl, purger CachePurger) {
	c.conns = conns
	c.purger = purger
}

type loginRequest struct {
	UsernameOrEmail string `json:"username_or_email"`
	Password        string `json:"password"`
}

type loginResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	User         session.Profile `json:"user"`
}

// Login authenticates against POST /auth/login and populates the session
// store from the response.
func (c *Client) Login(ctx context.Context, usernameOrEmail, password string) (*session.Session, error) {
	if usernameOrEmail == "" || password == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "username and password are required")
	}

	body, err := json.Marshal(loginRequest{UsernameOrEmail: usernameOrEmail, Password: password})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "marshal login request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "build login request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "auth service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, dErrors.New(dErrors.CodeUnavailable, fmt.Sprintf("auth service returned %d", resp.StatusCode))
	}

	var lr loginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&lr); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "decode login response")
	}
	if lr.AccessToken == "" || lr.RefreshToken == "" || lr.User.ID == "" {
		return nil, dErrors.New(dErrors.CodeInternal, "incomplete login response")
	}

	sess := session.Session{
		UserID:       lr.User.ID,
		AccessToken:  lr.AccessToken,
		RefreshToken: lr.RefreshToken,
		Profile:      lr.User,
	}
	if err := c.store.Save(ctx, sess); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist session")
	}

	if c.conns != nil && !c.conns.Connect(sess.UserID, sess.AccessToken) {
		c.logger.Warn("session channel not opened", "user_id", sess.UserID)
	}

	c.logger.Info("login succeeded", "user_id", sess.UserID)
	return &sess, nil
}

// Logout destroys the session: store entry, verification cache, and the live
// connection. It is idempotent.
func (c *Client) Logout(ctx context.Context, userID string) error {
	if err := c.store.Delete(ctx, userID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "clear session")
	}
	if c.purger != nil {
		c.purger.ClearCache(userID)
	}
	if c.conns != nil {
		c.conns.Disconnect(userID)
	}
	c.logger.Info("logged out", "user_id", userID)
	return nil
}
