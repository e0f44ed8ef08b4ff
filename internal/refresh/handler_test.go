package refresh

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"sessionlink/internal/platform/metrics"
	"sessionlink/internal/session"
	"sessionlink/internal/session/store"
	"sessionlink/pkg/platform/sentinel"
)

var (
	handlerMetrics     *metrics.Metrics
	handlerMetricsOnce sync.Once
)

type fakeLinks struct {
	mu           sync.Mutex
	open         bool
	sent         []any
	disconnected []string
}

func (f *fakeLinks) Disconnect(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, userID)
}

func (f *fakeLinks) Send(userID string, msg any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

type fakePurger struct {
	mu      sync.Mutex
	cleared []string
}

func (f *fakePurger) ClearCache(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, userID)
}

type HandlerSuite struct {
	suite.Suite
	store   *store.InMemoryStore
	links   *fakeLinks
	purger  *fakePurger
	handler *Handler
}

func (s *HandlerSuite) SetupTest() {
	handlerMetricsOnce.Do(func() { handlerMetrics = metrics.New() })
	s.store = store.NewInMemoryStore()
	s.links = &fakeLinks{open: true}
	s.purger = &fakePurger{}
	s.handler = NewHandler(s.store, slog.New(slog.DiscardHandler), handlerMetrics, nil)
	s.handler.Bind(s.links)
	s.handler.BindPurger(s.purger)
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) seedSession(userID string) {
	s.Require().NoError(s.store.Save(context.Background(), session.Session{
		UserID:       userID,
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		Profile:      session.Profile{ID: userID, Username: "alice"},
	}))
}

func (s *HandlerSuite) TestTokenRefreshed() {
	s.Run("persists the new token pair and forwards the event", func() {
		s.seedSession("u1")
		var events []TokenEvent
		s.handler.OnTokenUpdate(func(e TokenEvent) { events = append(events, e) })

		s.handler.HandleMessage("u1", []byte(`{"type":"token_refreshed","access_token":"A","refresh_token":"B"}`))

		sess, err := s.store.Find(context.Background(), "u1")
		s.Require().NoError(err)
		s.Equal("A", sess.AccessToken)
		s.Equal("B", sess.RefreshToken)
		s.Equal("alice", sess.Profile.Username)

		s.Require().Len(events, 1)
		s.Equal(TypeTokenRefreshed, events[0].Type)
		s.Equal("u1", events[0].UserID)
	})

	s.Run("rejects an incomplete token pair without touching the store", func() {
		s.seedSession("u2")
		var events []TokenEvent
		s.handler.OnTokenUpdate(func(e TokenEvent) { events = append(events, e) })

		s.handler.HandleMessage("u2", []byte(`{"type":"token_refreshed","access_token":"A"}`))

		sess, err := s.store.Find(context.Background(), "u2")
		s.Require().NoError(err)
		s.Equal("old-access", sess.AccessToken)
		s.Empty(events)
	})

	s.Run("ignores a refresh for an unknown session", func() {
		s.handler.HandleMessage("ghost", []byte(`{"type":"token_refreshed","access_token":"A","refresh_token":"B"}`))
		_, err := s.store.Find(context.Background(), "ghost")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *HandlerSuite) TestSessionTerminal() {
	for _, msgType := range []string{TypeTokenExpired, TypeTokenInvalid} {
		s.Run(msgType+" clears the session and disconnects", func() {
			s.SetupTest()
			s.seedSession("u1")
			var events []TokenEvent
			s.handler.OnTokenUpdate(func(e TokenEvent) { events = append(events, e) })

			s.handler.HandleMessage("u1", []byte(`{"type":"`+msgType+`"}`))

			_, err := s.store.Find(context.Background(), "u1")
			s.Require().ErrorIs(err, sentinel.ErrNotFound)
			s.Equal([]string{"u1"}, s.links.disconnected)
			s.Equal([]string{"u1"}, s.purger.cleared)
			s.Require().Len(events, 1)
			s.Equal(msgType, events[0].Type)
		})
	}
}

func (s *HandlerSuite) TestRefreshError() {
	s.Run("forwards to error subscribers only", func() {
		s.seedSession("u1")
		var tokenEvents []TokenEvent
		var errEvents []ErrorEvent
		s.handler.OnTokenUpdate(func(e TokenEvent) { tokenEvents = append(tokenEvents, e) })
		s.handler.OnError(func(e ErrorEvent) { errEvents = append(errEvents, e) })

		s.handler.HandleMessage("u1", []byte(`{"type":"refresh_error","message":"server says no"}`))

		s.Empty(tokenEvents)
		s.Require().Len(errEvents, 1)
		s.Equal("server says no", errEvents[0].Message)
		s.False(errEvents[0].Fatal)

		// Session untouched.
		sess, err := s.store.Find(context.Background(), "u1")
		s.Require().NoError(err)
		s.Equal("old-access", sess.AccessToken)
		s.Empty(s.links.disconnected)
	})
}

func (s *HandlerSuite) TestProtocolTolerance() {
	s.Run("unknown message type is ignored", func() {
		s.seedSession("u1")
		s.handler.HandleMessage("u1", []byte(`{"type":"server_gossip"}`))
		_, err := s.store.Find(context.Background(), "u1")
		s.Require().NoError(err)
	})

	s.Run("malformed payload is ignored", func() {
		s.handler.HandleMessage("u1", []byte(`{not json`))
	})
}

func (s *HandlerSuite) TestSubscriptionCancel() {
	var count int
	sub := s.handler.OnTokenUpdate(func(TokenEvent) { count++ })

	s.handler.HandleMessage("u1", []byte(`{"type":"token_status"}`))
	s.Equal(1, count)

	sub.Cancel()
	sub.Cancel() // safe to repeat

	s.handler.HandleMessage("u1", []byte(`{"type":"token_status"}`))
	s.Equal(1, count)
}

func (s *HandlerSuite) TestConnectionLost() {
	var errEvents []ErrorEvent
	s.handler.OnError(func(e ErrorEvent) { errEvents = append(errEvents, e) })

	s.handler.HandleConnectionLost("u1", context.DeadlineExceeded)

	s.Require().Len(errEvents, 1)
	s.True(errEvents[0].Fatal)
	s.Equal(ErrTypeReconnectExhausted, errEvents[0].Type)
}

func (s *HandlerSuite) TestRequestRefresh() {
	s.Run("sends the stored refresh token while open", func() {
		s.seedSession("u1")
		s.handler.RequestRefresh(context.Background(), "u1")

		s.Require().Len(s.links.sent, 1)
		msg, ok := s.links.sent[0].(Message)
		s.Require().True(ok)
		s.Equal(TypeRefreshToken, msg.Type)
		s.Equal("old-refresh", msg.RefreshToken)
	})

	s.Run("no-op while connection is not open", func() {
		s.SetupTest()
		s.seedSession("u1")
		s.links.open = false

		s.handler.RequestRefresh(context.Background(), "u1")
		s.Empty(s.links.sent)
	})

	s.Run("no-op without a session", func() {
		s.SetupTest()
		s.handler.RequestRefresh(context.Background(), "ghost")
		s.Empty(s.links.sent)
	})
}
