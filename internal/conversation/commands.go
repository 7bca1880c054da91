package conversation

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/campaignhub/convsync/internal/chat"
	"github.com/campaignhub/convsync/internal/history"
)

// ---------------------------------------------------------------------------
// Thread discovery
// ---------------------------------------------------------------------------

// LoadThreads fetches a page of threads and merges them by id. A fetched
// thread replaces the local entry.
func (c *Core) LoadThreads(ctx context.Context, opts history.ListThreadsOptions) ([]chat.Thread, error) {
	if err := c.do(c.beginLoad); err != nil {
		return nil, err
	}
	threads, err := c.history.ListThreads(ctx, opts)
	if derr := c.do(func() {
		c.endLoad()
		if err != nil {
			c.fail("load threads", err)
			return
		}
		for _, t := range threads {
			c.mergeThread(t)
		}
		c.changed()
	}); derr != nil {
		return nil, derr
	}
	return threads, err
}

// RefreshThread fetches one thread and merges it.
func (c *Core) RefreshThread(ctx context.Context, threadID string) (*chat.Thread, error) {
	return c.fetchThread(ctx, "refresh thread", func(ctx context.Context) (*chat.Thread, error) {
		return c.history.GetThread(ctx, threadID)
	})
}

// ThreadForCampaign returns the local user's thread for a campaign, or nil
// with a nil error when none exists yet. Only real failures are errors.
func (c *Core) ThreadForCampaign(ctx context.Context, campaignID string) (*chat.Thread, error) {
	return c.fetchThread(ctx, "campaign thread", func(ctx context.Context) (*chat.Thread, error) {
		return c.history.ThreadForCampaign(ctx, campaignID)
	})
}

// StartThread creates the thread for a campaign and merges it.
func (c *Core) StartThread(ctx context.Context, campaignID string) (*chat.Thread, error) {
	return c.fetchThread(ctx, "start thread", func(ctx context.Context) (*chat.Thread, error) {
		return c.history.CreateThread(ctx, campaignID)
	})
}

func (c *Core) fetchThread(ctx context.Context, op string, fetch func(context.Context) (*chat.Thread, error)) (*chat.Thread, error) {
	if err := c.do(c.beginLoad); err != nil {
		return nil, err
	}
	t, err := fetch(ctx)
	if derr := c.do(func() {
		c.endLoad()
		if err != nil {
			c.fail(op, err)
			return
		}
		if t != nil {
			c.mergeThread(*t)
			c.changed()
		}
	}); derr != nil {
		return nil, derr
	}
	return t, err
}

// mergeThread stores t under its id, last writer wins. Must run on the loop.
func (c *Core) mergeThread(t chat.Thread) {
	if t.ID == "" {
		return
	}
	cp := t
	if t.LastMessage != nil {
		lm := *t.LastMessage
		cp.LastMessage = &lm
	}
	if cp.UnreadCount < 0 {
		cp.UnreadCount = 0
	}
	c.st.threads[cp.ID] = &cp
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// LoadMessages fetches one page of a thread's history and inserts every
// message not already present. Unread counts are left to the server's
// thread listing.
func (c *Core) LoadMessages(ctx context.Context, threadID string, page int) ([]chat.Message, error) {
	if err := c.do(c.beginLoad); err != nil {
		return nil, err
	}
	msgs, err := c.history.ListMessages(ctx, threadID, page, c.config.PageSize)
	if derr := c.do(func() {
		c.endLoad()
		if err != nil {
			c.fail("load messages", err)
			return
		}
		for _, m := range msgs {
			if _, ok := c.st.messages[m.ID]; ok || m.ID == "" {
				continue
			}
			cp := m
			c.st.messages[m.ID] = &cp
			if t, ok := c.st.threads[m.ThreadID]; ok {
				t.Touch(m)
			}
		}
		c.changed()
	}); derr != nil {
		return nil, derr
	}
	return msgs, err
}

// Send submits content through the history API. An optimistic pending
// entry is shown while the call is in flight. On success the server's copy
// replaces it, unless the same message already arrived by push. On failure
// the pending entry is removed and the error slot is set; nothing is retried.
func (c *Core) Send(ctx context.Context, threadID, content string) (*chat.Message, error) {
	if err := chat.ValidateMessage(content); err != nil {
		err = fmt.Errorf("conversation: send: %w", err)
		c.failAsync("send", err)
		return nil, err
	}

	pendingID := "pending-" + uuid.New().String()
	if err := c.do(func() {
		c.st.messages[pendingID] = &chat.Message{
			ID:         pendingID,
			ThreadID:   threadID,
			SenderID:   c.config.UserID,
			SenderRole: c.config.Role,
			Content:    content,
			CreatedAt:  c.clock.Now(),
			Pending:    true,
		}
		c.beginLoad()
		c.changed()
	}); err != nil {
		return nil, err
	}

	m, err := c.history.SendMessage(ctx, threadID, content)
	if err == nil && m == nil {
		err = fmt.Errorf("conversation: send: %w", history.ErrMalformedResponse)
	}
	if derr := c.do(func() {
		c.endLoad()
		delete(c.st.messages, pendingID)
		if err != nil {
			c.fail("send", err)
			return
		}
		c.applyMessage(*m)
		c.changed()
	}); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Read state
// ---------------------------------------------------------------------------

// MarkRead zeroes the thread's unread count immediately and acknowledges the
// thread with the server. The local reset is kept even if the call fails.
// Message read flags flip when the server's thread_read push arrives.
func (c *Core) MarkRead(ctx context.Context, threadID string) error {
	if err := c.do(func() {
		if t, ok := c.st.threads[threadID]; ok {
			t.UnreadCount = 0
		}
		c.beginLoad()
		c.changed()
	}); err != nil {
		return err
	}

	err := c.history.MarkThreadRead(ctx, threadID)
	if derr := c.do(func() {
		c.endLoad()
		if err != nil {
			c.fail("mark read", err)
		}
	}); derr != nil {
		return derr
	}
	return err
}

// MarkMessageRead acknowledges one message. A message from the other
// participant is flagged read and its thread's unread count drops by one
// immediately.
func (c *Core) MarkMessageRead(ctx context.Context, messageID string) error {
	if err := c.do(func() {
		c.readMessage(messageID)
		c.beginLoad()
		c.changed()
	}); err != nil {
		return err
	}

	err := c.history.MarkMessageRead(ctx, messageID)
	if derr := c.do(func() {
		c.endLoad()
		if err != nil {
			c.fail("mark message read", err)
		}
	}); derr != nil {
		return derr
	}
	return err
}

// readMessage flips a message to read and keeps the unread count in step.
// It reports whether anything changed. Must run on the loop.
func (c *Core) readMessage(messageID string) bool {
	m, ok := c.st.messages[messageID]
	if !ok || m.IsRead {
		return false
	}
	m.IsRead = true
	if m.SenderRole != c.config.Role {
		if t, ok := c.st.threads[m.ThreadID]; ok && t.UnreadCount > 0 {
			t.UnreadCount--
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Membership
// ---------------------------------------------------------------------------

// Join subscribes to live activity in a thread and makes it the active one.
// Typing in the previously active thread is stopped. If the channel is not
// connected yet the subscription is sent on connect.
func (c *Core) Join(threadID string) error {
	var joinErr error
	err := c.do(func() {
		if prev := c.st.active; prev != "" && prev != threadID {
			c.stopTyping(prev)
		}
		c.st.active = threadID
		c.st.joined[threadID] = true
		c.changed()

		if c.st.conn != Connected {
			return
		}
		if err := c.channel.JoinThread(threadID); err != nil {
			joinErr = err
			c.fail("join", err)
		}
	})
	if err != nil {
		return err
	}
	return joinErr
}

// Leave ends the subscription to a thread. Loaded messages stay cached.
func (c *Core) Leave(threadID string) error {
	return c.do(func() {
		c.stopTyping(threadID)
		if !c.st.joined[threadID] {
			return
		}
		delete(c.st.joined, threadID)
		if c.st.active == threadID {
			c.st.active = ""
		}
		c.changed()

		if c.st.conn != Connected {
			return
		}
		if err := c.channel.LeaveThread(threadID); err != nil {
			log.Printf("[core] leave %s: %v", threadID, err)
		}
	})
}
