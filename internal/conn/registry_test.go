package conn

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sessionlink/internal/platform/metrics"
)

// promauto registers against the default registerer, so the package shares one
// metric set across tests.
var (
	testMetrics     *metrics.Metrics
	testMetricsOnce sync.Once
)

func sharedMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() { testMetrics = metrics.New() })
	return testMetrics
}

type fakeConn struct {
	inbox chan []byte

	mu   sync.Mutex
	sent []any

	failed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 16),
		failed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbox:
		return data, nil
	case <-f.failed:
		return nil, errors.New("connection reset")
	}
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.failed) })
	return nil
}

// fail simulates an abnormal close observed by the read loop.
func (f *fakeConn) fail() {
	f.once.Do(func() { close(f.failed) })
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeDialer struct {
	mu         sync.Mutex
	conns      []*fakeConn
	dialed     []string
	failN      int // fail the first N dials
	alwaysErrs bool
	block      chan struct{} // when non-nil, Dial waits on it
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, addr)
	shouldFail := d.alwaysErrs
	if d.failN > 0 {
		d.failN--
		shouldFail = true
	}
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if shouldFail {
		return nil, errors.New("dial refused")
	}

	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialed)
}

func (d *fakeDialer) lastDialed() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dialed) == 0 {
		return ""
	}
	return d.dialed[len(d.dialed)-1]
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type recordingSink struct {
	mu       sync.Mutex
	messages [][]byte
	errs     []error
	lost     []string
}

func (s *recordingSink) HandleMessage(userID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, data)
}

func (s *recordingSink) HandleTransportError(userID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordingSink) HandleConnectionLost(userID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = append(s.lost, userID)
}

func (s *recordingSink) lostCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lost)
}

func testConfig() Config {
	return Config{
		BaseURL:              "ws://example.test/ws",
		DialTimeout:          time.Second,
		MaxReconnectAttempts: 5,
		BackoffBase:          time.Millisecond,
		BackoffCap:           5 * time.Millisecond,
	}
}

func newTestRegistry(cfg Config, d Dialer, sink MessageSink) *Registry {
	return NewRegistry(cfg, d, sink, slog.New(slog.DiscardHandler), sharedMetrics())
}

func waitForState(t *testing.T, r *Registry, userID string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := r.Status(userID)
		return ok && st.State == want
	}, time.Second, time.Millisecond)
}

func TestConnectRejectsEmptyArgs(t *testing.T) {
	d := &fakeDialer{}
	r := newTestRegistry(testConfig(), d, nil)

	require.False(t, r.Connect("", "token"))
	require.False(t, r.Connect("u1", ""))
	require.Empty(t, r.ConnectedUsers())
	require.Equal(t, 0, d.dialCount())
}

func TestConnectLastWriterWins(t *testing.T) {
	d := &fakeDialer{}
	r := newTestRegistry(testConfig(), d, nil)

	require.True(t, r.Connect("u1", "token-one"))
	waitForState(t, r, "u1", StateOpen)

	require.True(t, r.Connect("u1", "token-two"))
	waitForState(t, r, "u1", StateOpen)

	require.Equal(t, []string{"u1"}, r.ConnectedUsers())

	u, err := url.Parse(d.lastDialed())
	require.NoError(t, err)
	require.Equal(t, "token-two", u.Query().Get("token"))
	require.Equal(t, "u1", u.Query().Get("user_id"))
}

func TestDisconnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	r := newTestRegistry(testConfig(), d, nil)

	require.True(t, r.Connect("u1", "token"))
	waitForState(t, r, "u1", StateOpen)

	r.Disconnect("u1")
	r.Disconnect("u1")

	_, ok := r.Status("u1")
	require.False(t, ok)
	require.Empty(t, r.ConnectedUsers())
}

func TestSendWhileConnectingIsDropped(t *testing.T) {
	block := make(chan struct{})
	d := &fakeDialer{block: block}
	defer close(block)
	r := newTestRegistry(testConfig(), d, nil)

	require.True(t, r.Connect("u1", "token"))

	st, ok := r.Status("u1")
	require.True(t, ok)
	require.Equal(t, StateConnecting, st.State)
	require.False(t, st.IsOpen)

	require.False(t, r.Send("u1", map[string]string{"type": "refresh_token"}))
}

func TestSendWhileOpen(t *testing.T) {
	d := &fakeDialer{}
	r := newTestRegistry(testConfig(), d, nil)

	require.True(t, r.Connect("u1", "token"))
	waitForState(t, r, "u1", StateOpen)

	require.True(t, r.Send("u1", map[string]string{"type": "refresh_token"}))
	require.Equal(t, 1, d.lastConn().sentCount())
}

func TestSendUnknownUser(t *testing.T) {
	r := newTestRegistry(testConfig(), &fakeDialer{}, nil)
	require.False(t, r.Send("ghost", "msg"))
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	d := &fakeDialer{}
	sink := &recordingSink{}
	r := newTestRegistry(testConfig(), d, sink)

	require.True(t, r.Connect("u1", "token"))
	waitForState(t, r, "u1", StateOpen)

	d.lastConn().fail()
	require.Eventually(t, func() bool { return d.dialCount() >= 2 }, time.Second, time.Millisecond)
	waitForState(t, r, "u1", StateOpen)

	// A successful reopen resets the attempt counter.
	st, ok := r.Status("u1")
	require.True(t, ok)
	require.Equal(t, 0, st.ReconnectAttempts)
}

func TestReconnectBudgetExhausted(t *testing.T) {
	d := &fakeDialer{alwaysErrs: true}
	sink := &recordingSink{}
	cfg := testConfig()
	r := newTestRegistry(cfg, d, sink)

	require.True(t, r.Connect("u1", "token"))

	require.Eventually(t, func() bool { return sink.lostCount() == 1 }, 2*time.Second, time.Millisecond)

	// Initial dial plus exactly MaxReconnectAttempts retries.
	require.Equal(t, cfg.MaxReconnectAttempts+1, d.dialCount())
	_, ok := r.Status("u1")
	require.False(t, ok)
	require.Empty(t, r.ConnectedUsers())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{alwaysErrs: true}
	cfg := testConfig()
	cfg.BackoffBase = time.Minute
	cfg.BackoffCap = time.Minute
	r := newTestRegistry(cfg, d, nil)

	require.True(t, r.Connect("u1", "token"))
	require.Eventually(t, func() bool { return d.dialCount() == 1 }, time.Second, time.Millisecond)

	// The first failure leaves a reconnect timer pending far in the future.
	r.Disconnect("u1")

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, d.dialCount())
	require.Empty(t, r.ConnectedUsers())
}

func TestInboundMessagesReachSink(t *testing.T) {
	d := &fakeDialer{}
	sink := &recordingSink{}
	r := newTestRegistry(testConfig(), d, sink)

	require.True(t, r.Connect("u1", "token"))
	waitForState(t, r, "u1", StateOpen)

	d.lastConn().inbox <- []byte(`{"type":"connected"}`)
	d.lastConn().inbox <- []byte(`{"type":"token_status"}`)

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.messages) == 2
	}, time.Second, time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.True(t, strings.Contains(string(sink.messages[0]), "connected"))
}

func TestDisconnectAll(t *testing.T) {
	d := &fakeDialer{}
	r := newTestRegistry(testConfig(), d, nil)

	require.True(t, r.Connect("u1", "t1"))
	require.True(t, r.Connect("u2", "t2"))
	waitForState(t, r, "u1", StateOpen)
	waitForState(t, r, "u2", StateOpen)

	r.DisconnectAll()
	require.Empty(t, r.ConnectedUsers())
}
