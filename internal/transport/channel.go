// Package transport provides the client side of the push channel: a single
// authenticated WebSocket that delivers typed server events and carries
// fire-and-forget join, leave and typing frames. It connects using gobwas/ws
// (the same library the relay uses), reconnects with exponential backoff and
// keeps the socket alive with periodic pings.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/campaignhub/convsync/internal/metrics"
	"github.com/campaignhub/convsync/internal/protocol"
)

// Sentinel errors returned by Channel.
var (
	ErrNotConnected   = errors.New("transport: not connected")
	ErrAlreadyStarted = errors.New("transport: channel already started")
	ErrClosed         = errors.New("transport: channel closed")

	// ErrGaveUp is wrapped by the last OnConnectionFailed error when
	// MaxAttempts consecutive dials have failed. The channel is stopped by
	// then and may be started again.
	ErrGaveUp = errors.New("transport: gave up reconnecting")
)

// Listener receives channel lifecycle callbacks and decoded events. All
// callbacks are invoked from the channel's own goroutine, one at a time, so
// implementations should hand the work off rather than block.
type Listener interface {
	OnConnected()
	OnDisconnected(err error)
	OnConnectionFailed(err error)
	OnEvent(ev protocol.Event)
}

// Config holds push channel settings.
type Config struct {
	URL          string        // e.g. ws://localhost:8080/ws
	Token        string        // bearer credential sent in the handshake
	DialTimeout  time.Duration // handshake timeout
	WriteTimeout time.Duration // per-frame write deadline
	ReconnectMin time.Duration // first backoff delay
	ReconnectMax time.Duration // backoff ceiling
	MaxAttempts  int           // consecutive failed dials before giving up; 0 = unlimited
	PingInterval time.Duration // keepalive ping period; 0 disables pings
	PongTimeout  time.Duration // extra silence tolerated after a ping
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:          "ws://localhost:8080/ws",
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReconnectMin: 500 * time.Millisecond,
		ReconnectMax: 30 * time.Second,
		PingInterval: 25 * time.Second,
		PongTimeout:  10 * time.Second,
	}
}

// Channel is a reconnecting push channel. The zero value is not usable; call
// New.
type Channel struct {
	config Config

	mu   sync.Mutex // guards conn and writes to it
	conn net.Conn

	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a channel. No connection is made until Start.
func New(config Config) *Channel {
	return &Channel{
		config: config,
		done:   make(chan struct{}),
	}
}

// Start begins connecting in the background and delivers callbacks to l until
// ctx is cancelled, Close is called or reconnecting gives up. A channel that
// stopped for any reason other than Close can be started again.
func (c *Channel) Start(ctx context.Context, l Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx, l)
	return nil
}

// Connected reports whether a socket is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// JoinThread subscribes to live activity in a thread.
func (c *Channel) JoinThread(threadID string) error {
	return c.send(protocol.TypeJoinThread, protocol.JoinThreadMsg{ThreadID: threadID})
}

// LeaveThread ends the subscription to a thread.
func (c *Channel) LeaveThread(threadID string) error {
	return c.send(protocol.TypeLeaveThread, protocol.LeaveThreadMsg{ThreadID: threadID})
}

// SendTyping publishes the local user's typing state for a thread.
func (c *Channel) SendTyping(threadID string, isTyping bool) error {
	return c.send(protocol.TypeTyping, protocol.TypingMsg{ThreadID: threadID, IsTyping: isTyping})
}

// Close stops reconnecting and closes the socket. It is safe to call multiple
// times.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		if c.cancel != nil {
			c.cancel()
		}
		if c.conn != nil {
			err = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	})
	return err
}

func (c *Channel) send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("transport: write %s: %w", msgType, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// run dials, serves and redials until ctx ends or MaxAttempts consecutive
// dials fail.
func (c *Channel) run(ctx context.Context, l Listener) {
	failures := 0
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.stop(l)
				return
			}
			failures++
			metrics.ChannelConnectFailures.Inc()
			log.Printf("[transport] connect attempt %d failed: %v", failures, err)

			if c.config.MaxAttempts > 0 && failures >= c.config.MaxAttempts {
				log.Printf("[transport] giving up after %d attempts", failures)
				c.finish()
				l.OnConnectionFailed(fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, failures, err))
				return
			}
			l.OnConnectionFailed(err)
			if !c.wait(ctx, c.backoff(failures)) {
				c.stop(l)
				return
			}
			continue
		}

		failures = 0
		if !c.setConn(conn) {
			conn.Close()
			c.finish()
			return
		}
		metrics.ChannelConnected.Set(1)
		log.Printf("[transport] connected to %s", c.config.URL)
		l.OnConnected()

		err = c.serve(ctx, conn, l)

		c.clearConn(conn)
		metrics.ChannelConnected.Set(0)
		if ctx.Err() != nil {
			c.finish()
			l.OnDisconnected(nil)
			return
		}
		log.Printf("[transport] disconnected: %v", err)
		l.OnDisconnected(err)

		if !c.wait(ctx, c.config.ReconnectMin) {
			c.stop(l)
			return
		}
	}
}

// finish marks the run loop as exited so Start may be called again.
func (c *Channel) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// stop ends a run that was interrupted between connections by ctx.
func (c *Channel) stop(l Listener) {
	c.finish()
	l.OnDisconnected(nil)
}

func (c *Channel) dial(ctx context.Context) (net.Conn, error) {
	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}
	dialer := ws.Dialer{
		Header:  ws.HandshakeHeaderHTTP(header),
		Timeout: c.config.DialTimeout,
	}

	conn, br, _, err := dialer.Dial(ctx, c.config.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", c.config.URL, err)
	}
	if br != nil {
		// The server wrote frames right behind the handshake response; they
		// are buffered in br and must be read before the raw socket.
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// serve reads frames from conn until it fails. A keepalive goroutine pings
// the server while serve runs.
func (c *Channel) serve(ctx context.Context, conn net.Conn, l Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	if c.config.PingInterval > 0 {
		go c.keepalive(conn, stop)
	}

	// Unblock the read when the context ends.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		if c.config.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.config.PingInterval + c.config.PongTimeout))
		}
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			return err
		}

		ev, err := protocol.ParseServerEvent(data)
		if err != nil {
			log.Printf("[transport] dropping frame: %v", err)
			continue
		}
		if _, ok := ev.(protocol.Pong); ok {
			continue
		}
		l.OnEvent(ev)
	}
}

func (c *Channel) keepalive(conn net.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.send(protocol.TypePing, protocol.PingMsg{}); err != nil {
				log.Printf("[transport] ping failed: %v", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Channel) setConn(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	c.conn = conn
	return true
}

func (c *Channel) clearConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn.Close()
		c.conn = nil
	}
}

// backoff returns ReconnectMin doubled per failed attempt, capped at
// ReconnectMax.
func (c *Channel) backoff(attempt int) time.Duration {
	d := c.config.ReconnectMin
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.config.ReconnectMax > 0 && d >= c.config.ReconnectMax {
			return c.config.ReconnectMax
		}
	}
	return d
}

func (c *Channel) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// bufferedConn drains bytes the dialer already buffered before reading from
// the socket.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	if b.r != nil {
		if b.r.Buffered() > 0 {
			return b.r.Read(p)
		}
		ws.PutReader(b.r)
		b.r = nil
	}
	return b.Conn.Read(p)
}
