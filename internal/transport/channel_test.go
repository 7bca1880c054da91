package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/campaignhub/convsync/internal/protocol"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// recorder is a Listener that forwards every callback to a channel.
type recorder struct {
	connected    chan struct{}
	disconnected chan error
	failed       chan error
	events       chan protocol.Event
}

func newRecorder() *recorder {
	return &recorder{
		connected:    make(chan struct{}, 8),
		disconnected: make(chan error, 8),
		failed:       make(chan error, 8),
		events:       make(chan protocol.Event, 32),
	}
}

func (r *recorder) OnConnected()                 { r.connected <- struct{}{} }
func (r *recorder) OnDisconnected(err error)     { r.disconnected <- err }
func (r *recorder) OnConnectionFailed(err error) { r.failed <- err }
func (r *recorder) OnEvent(ev protocol.Event)    { r.events <- ev }

// testServer accepts WebSocket upgrades and hands each server-side conn to
// the test.
type testServer struct {
	*httptest.Server
	conns chan net.Conn
	auth  chan string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		conns: make(chan net.Conn, 4),
		auth:  make(chan string, 4),
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.auth <- r.Header.Get("Authorization")
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ts.conns <- conn
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Token = "adv1:ADVERTISER"
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	cfg.PingInterval = 0
	return cfg
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func acceptConn(t *testing.T, ts *testServer) net.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server connection")
		return nil
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestChannel_SendsBearerAndDeliversEvents(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()

	ch := New(testConfig(ts.wsURL()))
	if err := ch.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Close()

	srv := acceptConn(t, ts)
	waitSignal(t, rec.connected, "OnConnected")

	if got := <-ts.auth; got != "Bearer adv1:ADVERTISER" {
		t.Errorf("expected bearer header, got %q", got)
	}

	data, _ := protocol.EncodeEvent(protocol.ThreadMarkedRead{ThreadID: "t1", UserID: "pro1"})
	if err := wsutil.WriteServerMessage(srv, ws.OpText, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
	// Garbage frames are dropped without tearing down the channel.
	_ = wsutil.WriteServerMessage(srv, ws.OpText, []byte(`{"type":"partner_left"}`))
	data, _ = protocol.EncodeEvent(protocol.ParticipantTyping{ThreadID: "t1", UserID: "pro1", IsTyping: true})
	_ = wsutil.WriteServerMessage(srv, ws.OpText, data)

	for _, want := range []protocol.Event{
		protocol.ThreadMarkedRead{ThreadID: "t1", UserID: "pro1"},
		protocol.ParticipantTyping{ThreadID: "t1", UserID: "pro1", IsTyping: true},
	} {
		select {
		case ev := <-rec.events:
			if ev != want {
				t.Errorf("expected %+v, got %+v", want, ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %T", want)
		}
	}
}

func TestChannel_OutboundFrames(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()

	ch := New(testConfig(ts.wsURL()))
	if err := ch.JoinThread("t1"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected before start, got %v", err)
	}
	if err := ch.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Close()

	srv := acceptConn(t, ts)
	waitSignal(t, rec.connected, "OnConnected")

	if err := ch.JoinThread("t1"); err != nil {
		t.Fatalf("JoinThread: %v", err)
	}
	if err := ch.SendTyping("t1", true); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	if err := ch.LeaveThread("t1"); err != nil {
		t.Fatalf("LeaveThread: %v", err)
	}

	_ = srv.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{protocol.TypeJoinThread, protocol.TypeTyping, protocol.TypeLeaveThread} {
		data, err := wsutil.ReadClientText(srv)
		if err != nil {
			t.Fatalf("server read: %v", err)
		}
		msgType, msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			t.Fatalf("parse %s: %v", data, err)
		}
		if msgType != want {
			t.Errorf("expected %q, got %q", want, msgType)
		}
		if tm, ok := msg.(protocol.TypingMsg); ok && (!tm.IsTyping || tm.ThreadID != "t1") {
			t.Errorf("unexpected typing frame %+v", tm)
		}
	}
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()

	ch := New(testConfig(ts.wsURL()))
	if err := ch.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Close()

	first := acceptConn(t, ts)
	waitSignal(t, rec.connected, "first OnConnected")

	first.Close()

	select {
	case err := <-rec.disconnected:
		if err == nil {
			t.Error("expected a non-nil disconnect error for a dropped socket")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnDisconnected")
	}

	acceptConn(t, ts)
	waitSignal(t, rec.connected, "second OnConnected")
	if !ch.Connected() {
		t.Error("expected Connected after reconnect")
	}
}

func TestChannel_ConnectionFailedAndGivesUp(t *testing.T) {
	// Reserve a port and release it so nothing is listening there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	rec := newRecorder()
	cfg := testConfig("ws://" + addr + "/ws")
	cfg.MaxAttempts = 2
	cfg.DialTimeout = time.Second

	ch := New(cfg)
	if err := ch.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-rec.failed:
			if err == nil {
				t.Fatal("expected non-nil failure")
			}
			if last := i == 1; errors.Is(err, ErrGaveUp) != last {
				t.Errorf("failure %d: errors.Is(err, ErrGaveUp) = %v, want %v (%v)", i+1, !last, last, err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for failure %d", i+1)
		}
	}

	select {
	case err := <-rec.failed:
		t.Fatalf("expected no third attempt, got %v", err)
	case <-rec.connected:
		t.Fatal("unexpected connect")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannel_RestartAfterGivingUp(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	rec := newRecorder()
	cfg := testConfig("ws://" + addr + "/ws")
	cfg.MaxAttempts = 1
	cfg.DialTimeout = time.Second

	ch := New(cfg)
	defer ch.Close()
	if err := ch.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case err := <-rec.failed:
		if !errors.Is(err, ErrGaveUp) {
			t.Fatalf("expected ErrGaveUp, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for give-up")
	}

	// The give-up callback runs after the channel is marked stopped, so a
	// manual reconnect is accepted straight away and dials again.
	if err := ch.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start after giving up: %v", err)
	}
	select {
	case err := <-rec.failed:
		if !errors.Is(err, ErrGaveUp) {
			t.Fatalf("expected second ErrGaveUp, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("restarted channel never dialed")
	}
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()

	ch := New(testConfig(ts.wsURL()))
	if err := ch.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	acceptConn(t, ts)
	waitSignal(t, rec.connected, "OnConnected")

	_ = ch.Close()
	if err := ch.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}

	select {
	case err := <-rec.disconnected:
		if err != nil {
			t.Errorf("expected nil error on intentional close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnDisconnected")
	}

	if err := ch.SendTyping("t1", false); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected after close, got %v", err)
	}
	if err := ch.Start(context.Background(), rec); err != ErrClosed {
		t.Errorf("expected ErrClosed on restart, got %v", err)
	}
}

func TestChannel_StartTwice(t *testing.T) {
	ts := newTestServer(t)
	ch := New(testConfig(ts.wsURL()))
	defer ch.Close()

	if err := ch.Start(context.Background(), newRecorder()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ch.Start(context.Background(), newRecorder()); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	ch := New(Config{ReconnectMin: 100 * time.Millisecond, ReconnectMax: time.Second})

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{12, time.Second},
	}
	for _, tc := range cases {
		if got := ch.backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
