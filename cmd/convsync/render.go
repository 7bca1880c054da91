package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/campaignhub/convsync/internal/chat"
	"github.com/campaignhub/convsync/internal/conversation"
)

// renderer prints what changed between successive snapshots of the core.
// It is only used from the render goroutine.
type renderer struct {
	out     io.Writer
	userID  string
	printed map[string]bool // message ids already shown
	read    map[string]bool // own message ids shown as read

	conn   conversation.ConnState
	err    string
	active string
	typing string
	notes  int
}

func newRenderer(out io.Writer, userID string) *renderer {
	return &renderer{
		out:     out,
		userID:  userID,
		printed: make(map[string]bool),
		read:    make(map[string]bool),
	}
}

// render prints the differences between snap (plus the active thread's
// messages) and what was printed before.
func (r *renderer) render(snap conversation.Snapshot, msgs []chat.Message) {
	if snap.Conn != r.conn {
		r.conn = snap.Conn
		line := "connection: " + snap.Conn.String()
		if snap.ConnError != "" && snap.Conn != conversation.Connected {
			line += " (" + snap.ConnError + ")"
		}
		fmt.Fprintln(r.out, "*", line)
	}

	if snap.Error != r.err {
		r.err = snap.Error
		if snap.Error != "" {
			fmt.Fprintf(r.out, "! error: %s (/clear to dismiss)\n", snap.Error)
		}
	}

	if snap.ActiveThread != r.active {
		r.active = snap.ActiveThread
		r.typing = ""
		if r.active != "" {
			fmt.Fprintf(r.out, "* now in thread %s\n", r.active)
		}
	}

	for _, m := range msgs {
		if m.Pending || m.ThreadID != r.active {
			continue
		}
		if !r.printed[m.ID] {
			r.printed[m.ID] = true
			fmt.Fprintln(r.out, formatMessage(m, r.userID))
		}
		if m.SenderID == r.userID && m.IsRead && !r.read[m.ID] {
			r.read[m.ID] = true
			fmt.Fprintf(r.out, "  (read: %s)\n", preview(m.Content))
		}
	}

	typing := ""
	if r.active != "" && len(snap.Typing) > 0 {
		typing = strings.Join(snap.Typing, ", ") + " typing..."
	}
	if typing != r.typing {
		r.typing = typing
		if typing != "" {
			fmt.Fprintln(r.out, "*", typing)
		}
	}

	if n := len(snap.Notifications); n != r.notes {
		if n > r.notes {
			latest := snap.Notifications[n-1]
			fmt.Fprintf(r.out, "* notification: %s\n", latest.Payload)
		}
		r.notes = n
	}
}

// printThreads lists threads with their unread counts.
func printThreads(out io.Writer, threads []chat.Thread) {
	if len(threads) == 0 {
		fmt.Fprintln(out, "  (no threads)")
		return
	}
	for _, t := range threads {
		last := ""
		if t.LastMessage != nil {
			last = preview(t.LastMessage.Content)
		}
		fmt.Fprintf(out, "  %s  campaign=%s unread=%d  %s\n", t.ID, t.CampaignID, t.UnreadCount, last)
	}
}

func formatMessage(m chat.Message, localUser string) string {
	who := string(m.SenderRole)
	if m.SenderID == localUser {
		who = "you"
	}
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04:05"), who, m.Content)
}

func preview(s string) string {
	const max = 40
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
