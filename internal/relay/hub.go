package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/campaignhub/convsync/internal/metrics"
	"github.com/campaignhub/convsync/internal/protocol"
	"github.com/campaignhub/convsync/internal/ratelimit"
	"github.com/campaignhub/convsync/internal/session"
	"github.com/campaignhub/convsync/internal/store"
)

// maxFrameBytes caps a single inbound client message.
const maxFrameBytes = 64 << 10

// storeTimeout bounds store and Redis calls made from connection goroutines.
const storeTimeout = 3 * time.Second

// HubConfig holds tunable parameters for the websocket hub.
type HubConfig struct {
	MaxConnections int
	WriteTimeout   time.Duration
	Heartbeat      HeartbeatConfig
}

// DefaultHubConfig returns sensible defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		MaxConnections: 10000,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// delivery is the broker payload. Users targets every connection of the
// listed users; JoinedOnly targets connections that joined ThreadID. Exclude
// skips every connection of one user.
type delivery struct {
	ThreadID   string          `json:"threadId"`
	Users      []string        `json:"users,omitempty"`
	JoinedOnly bool            `json:"joinedOnly,omitempty"`
	Exclude    string          `json:"exclude,omitempty"`
	Event      json.RawMessage `json:"event"`
}

// Hub owns the live websocket connections of one relay process. Each
// connection is read by its own goroutine; events reach connections through
// the broker so that every relay sharing the broker delivers them.
type Hub struct {
	config     HubConfig
	conns      *ConnectionManager
	dispatcher *MessageDispatcher
	broker     Broker
	store      store.Store
	sessions   *session.Store     // optional
	limiter    *ratelimit.Limiter // optional

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHub creates a Hub and subscribes it to broker. sessions and limiter may
// be nil.
func NewHub(config HubConfig, st store.Store, broker Broker, sessions *session.Store, limiter *ratelimit.Limiter) (*Hub, error) {
	h := &Hub{
		config:     config,
		conns:      NewConnectionManager(),
		dispatcher: NewMessageDispatcher(),
		broker:     broker,
		store:      st,
		sessions:   sessions,
		limiter:    limiter,
		done:       make(chan struct{}),
	}

	h.dispatcher.Register(protocol.TypeJoinThread, h.handleJoin)
	h.dispatcher.Register(protocol.TypeLeaveThread, h.handleLeave)
	h.dispatcher.Register(protocol.TypeTyping, h.handleTyping)

	if err := broker.Subscribe(h.deliver); err != nil {
		return nil, fmt.Errorf("relay: subscribe broker: %w", err)
	}
	h.startHeartbeat(config.Heartbeat)
	return h, nil
}

// Connections returns the connection registry.
func (h *Hub) Connections() *ConnectionManager {
	return h.conns
}

// ServeHTTP upgrades an authenticated request to a websocket connection and
// starts its reader goroutine.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ident, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.conns.Count() >= h.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if h.limiter != nil {
		if allowed, _ := h.limiter.Allow(r.Context(), ident.UserID, ratelimit.Connects); !allowed {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many connection attempts")
			return
		}
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[relay] upgrade failed user=%s: %v", ident.UserID, err)
		return
	}

	c := newConnection(uuid.NewString(), ident, netConn, h.config.WriteTimeout)
	h.conns.Add(c)
	metrics.RelayConnections.Inc()

	if h.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := h.sessions.Create(ctx, c.ID, c.UserID, string(c.Role)); err != nil {
			log.Printf("[relay] failed to create session record conn=%s: %v", c.ID, err)
		}
		cancel()
	}

	log.Printf("[relay] new connection conn=%s user=%s role=%s (total=%d)",
		c.ID, c.UserID, c.Role, h.conns.Count())

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.readLoop(c)
	}()
}

// readLoop reads frames until the connection fails or closes. Control
// frames only refresh activity; ping frames are answered with pong.
func (h *Hub) readLoop(c *Connection) {
	defer h.remove(c)

	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		data, err := io.ReadAll(io.LimitReader(reader, maxFrameBytes))
		if err != nil {
			return
		}
		c.touch()

		if header.OpCode.IsControl() {
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				if err := c.writeControl(ws.NewPongFrame(data)); err != nil {
					return
				}
			}
			continue
		}
		if header.OpCode != ws.OpText || len(data) == 0 {
			continue
		}

		h.dispatcher.Dispatch(c, data)
	}
}

// remove unregisters c, closes it and deletes its session record. Calling it
// more than once for the same connection is harmless.
func (h *Hub) remove(c *Connection) {
	if h.conns.Remove(c.ID) == nil {
		return
	}
	metrics.RelayConnections.Dec()

	if h.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := h.sessions.Delete(ctx, c.ID, c.UserID); err != nil {
			log.Printf("[relay] failed to delete session record conn=%s: %v", c.ID, err)
		}
		cancel()
	}

	log.Printf("[relay] connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, h.conns.Count())
}

// ---------------------------------------------------------------------------
// Client message handlers
// ---------------------------------------------------------------------------

func (h *Hub) handleJoin(c *Connection, msg interface{}) {
	m := msg.(protocol.JoinThreadMsg)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	t, err := h.store.GetThread(ctx, m.ThreadID, c.UserID)
	switch {
	case err != nil:
		log.Printf("[relay] join lookup failed conn=%s thread=%s: %v", c.ID, m.ThreadID, err)
		sendError(c, "internal", "could not join thread")
		return
	case t == nil:
		sendError(c, "not_found", "thread not found")
		return
	case !t.IsParticipant(c.UserID):
		sendError(c, "forbidden", "not a participant of this thread")
		return
	}

	if c.Join(m.ThreadID) {
		h.syncSession(ctx, c)
	}
}

func (h *Hub) handleLeave(c *Connection, msg interface{}) {
	m := msg.(protocol.LeaveThreadMsg)
	if c.Leave(m.ThreadID) {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		h.syncSession(ctx, c)
	}
}

// handleTyping relays a typing indicator to the other connections that
// joined the thread. Indicators for threads the connection has not joined
// are dropped.
func (h *Hub) handleTyping(c *Connection, msg interface{}) {
	m := msg.(protocol.TypingMsg)
	if !c.Joined(m.ThreadID) {
		return
	}
	ev := protocol.ParticipantTyping{ThreadID: m.ThreadID, UserID: c.UserID, IsTyping: m.IsTyping}
	if err := h.publish(delivery{ThreadID: m.ThreadID, JoinedOnly: true, Exclude: c.UserID}, ev); err != nil {
		log.Printf("[relay] typing publish failed conn=%s thread=%s: %v", c.ID, m.ThreadID, err)
	}
}

func (h *Hub) syncSession(ctx context.Context, c *Connection) {
	if h.sessions == nil {
		return
	}
	if err := h.sessions.SetThreads(ctx, c.ID, c.JoinedThreads()); err != nil {
		log.Printf("[relay] failed to update session record conn=%s: %v", c.ID, err)
	}
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// PublishToUsers sends ev to every connection of the given users on every
// relay.
func (h *Hub) PublishToUsers(threadID string, users []string, ev protocol.Event) error {
	return h.publish(delivery{ThreadID: threadID, Users: users}, ev)
}

func (h *Hub) publish(d delivery, ev protocol.Event) error {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	d.Event = data
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("relay: marshal delivery: %w", err)
	}
	return h.broker.Publish(d.ThreadID, payload)
}

// deliver is the broker callback. It writes the event to the matching local
// connections.
func (h *Hub) deliver(payload []byte) {
	var d delivery
	if err := json.Unmarshal(payload, &d); err != nil {
		log.Printf("[relay] dropping malformed delivery: %v", err)
		return
	}

	var targets []*Connection
	if d.JoinedOnly {
		for _, c := range h.conns.All() {
			if c.Joined(d.ThreadID) {
				targets = append(targets, c)
			}
		}
	} else {
		seen := make(map[string]bool, len(d.Users))
		for _, u := range d.Users {
			if seen[u] {
				continue
			}
			seen[u] = true
			targets = append(targets, h.conns.ForUser(u)...)
		}
	}

	for _, c := range targets {
		if d.Exclude != "" && c.UserID == d.Exclude {
			continue
		}
		if err := c.WriteMessage(d.Event); err != nil {
			log.Printf("[relay] delivery failed conn=%s: %v", c.ID, err)
			h.remove(c)
			continue
		}
		metrics.RelayMessagesTotal.WithLabelValues("delivered").Inc()
	}
}

// Close stops the heartbeat, closes every connection and waits for their
// reader goroutines to exit.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		for _, c := range h.conns.All() {
			h.remove(c)
		}
		h.wg.Wait()
	})
}
