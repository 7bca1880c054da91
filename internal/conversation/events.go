package conversation

import (
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/campaignhub/convsync/internal/chat"
	"github.com/campaignhub/convsync/internal/metrics"
	"github.com/campaignhub/convsync/internal/protocol"
	"github.com/campaignhub/convsync/internal/transport"
)

// listener adapts channel callbacks into loop tasks.
type listener struct {
	c *Core
}

func (l listener) OnConnected()                 { l.c.post(l.c.handleConnected) }
func (l listener) OnDisconnected(err error)     { l.c.post(func() { l.c.handleDisconnected(err) }) }
func (l listener) OnConnectionFailed(err error) { l.c.post(func() { l.c.handleConnectionFailed(err) }) }
func (l listener) OnEvent(ev protocol.Event)    { l.c.post(func() { l.c.handleEvent(ev) }) }

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func (c *Core) handleConnected() {
	c.st.conn = Connected
	c.st.connErr = ""
	log.Printf("[core] user=%s: connected", c.config.UserID)

	// The server forgets subscriptions with the socket; resubscribe.
	ids := make([]string, 0, len(c.st.joined))
	for id := range c.st.joined {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := c.channel.JoinThread(id); err != nil {
			log.Printf("[core] rejoin %s: %v", id, err)
		}
	}
	c.changed()
}

func (c *Core) handleDisconnected(err error) {
	if err == nil {
		// The channel has stopped; Connect starts it again.
		c.st.connected = false
		c.st.conn = Disconnected
	} else {
		// The channel redials on its own.
		c.st.conn = Connecting
		c.st.connErr = err.Error()
	}
	c.changed()
}

// handleConnectionFailed records a failed dial. The state stays Connecting
// while the channel keeps retrying and drops to Disconnected once it gives up.
func (c *Core) handleConnectionFailed(err error) {
	if err != nil {
		c.st.connErr = err.Error()
	}
	if errors.Is(err, transport.ErrGaveUp) {
		c.st.connected = false
		c.st.conn = Disconnected
	} else {
		c.st.conn = Connecting
	}
	c.changed()
}

// ---------------------------------------------------------------------------
// Push events
// ---------------------------------------------------------------------------

func (c *Core) handleEvent(ev protocol.Event) {
	outcome := "applied"

	switch e := ev.(type) {
	case protocol.MessageArrived:
		if !c.applyMessage(e.Message) {
			outcome = "duplicate"
		} else {
			c.retirePending(e.Message)
		}

	case protocol.ParticipantTyping:
		if e.UserID == c.config.UserID {
			outcome = "ignored"
			break
		}
		if e.IsTyping {
			c.st.typing[e.UserID] = true
		} else {
			delete(c.st.typing, e.UserID)
		}

	case protocol.MessageMarkedRead:
		if !c.applyMessageRead(e) {
			outcome = "ignored"
		}

	case protocol.ThreadMarkedRead:
		c.applyThreadRead(e)

	case protocol.NotificationArrived:
		c.st.notes.Add(chat.Notification{Payload: e.Payload, ReceivedAt: c.clock.Now()})

	case protocol.ServerError:
		c.fail("server", fmt.Errorf("server error %s: %s", e.Code, e.Message))

	case protocol.Pong:
		outcome = "ignored"
	}

	metrics.EventsTotal.WithLabelValues(ev.EventType(), outcome).Inc()
	if outcome != "ignored" {
		c.changed()
	}
}

// applyMessage inserts a confirmed message unless its id is already present.
// It reports whether the message was new. Must run on the loop.
func (c *Core) applyMessage(m chat.Message) bool {
	if _, ok := c.st.messages[m.ID]; ok {
		return false
	}
	m.Pending = false
	c.st.messages[m.ID] = &m

	t, ok := c.st.threads[m.ThreadID]
	if !ok {
		// Message for a thread not loaded yet; keep a stub until a listing
		// or lookup fills it in.
		t = &chat.Thread{ID: m.ThreadID}
		c.st.threads[m.ThreadID] = t
	}
	t.Touch(m)

	if m.SenderRole != c.config.Role && !m.IsRead {
		t.UnreadCount++
	}
	return true
}

// retirePending drops the oldest optimistic entry that m confirms: one sent
// by the local user to the same thread with the same content. It covers the
// push overtaking the send response; the response then finds its pending
// entry gone and the message already present. Must run on the loop.
func (c *Core) retirePending(m chat.Message) {
	if m.SenderID != c.config.UserID {
		return
	}
	var oldest *chat.Message
	for _, p := range c.st.messages {
		if !p.Pending || p.ThreadID != m.ThreadID || p.Content != m.Content {
			continue
		}
		if oldest == nil || p.CreatedAt.Before(oldest.CreatedAt) ||
			(p.CreatedAt.Equal(oldest.CreatedAt) && p.ID < oldest.ID) {
			oldest = p
		}
	}
	if oldest != nil {
		delete(c.st.messages, oldest.ID)
	}
}

func (c *Core) applyMessageRead(e protocol.MessageMarkedRead) bool {
	m, ok := c.st.messages[e.MessageID]
	if !ok || (e.UserID != "" && e.UserID == m.SenderID) {
		return false
	}
	return c.readMessage(e.MessageID)
}

// applyThreadRead flips read flags for one side of a thread. When the local
// user read the thread (from this or another session) the other side's
// messages flip and unread drops to zero. Otherwise it is a read receipt for
// the local user's own messages.
func (c *Core) applyThreadRead(e protocol.ThreadMarkedRead) {
	byLocal := e.UserID == "" || e.UserID == c.config.UserID

	flipRole := c.config.Role
	if byLocal {
		flipRole = c.config.Role.Other()
	}
	for _, m := range c.st.messages {
		if m.ThreadID == e.ThreadID && m.SenderRole == flipRole && !m.Pending {
			m.IsRead = true
		}
	}

	if byLocal {
		if t, ok := c.st.threads[e.ThreadID]; ok {
			t.UnreadCount = 0
		}
	}
}
