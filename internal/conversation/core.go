// Package conversation implements the client synchronization core. A Core
// owns the local view of threads, messages, typing participants and unread
// counts for one signed-in user, and keeps it consistent with two inputs:
// request/response calls to the history API and events pushed over the
// transport channel.
//
// All state lives on a single event-loop goroutine. Commands, channel
// callbacks and timer fires are queued as tasks and applied one at a time, so
// no lock guards the collections. History calls run outside the loop and
// post their results back into it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/campaignhub/convsync/internal/chat"
	"github.com/campaignhub/convsync/internal/clock"
	"github.com/campaignhub/convsync/internal/history"
	"github.com/campaignhub/convsync/internal/metrics"
	"github.com/campaignhub/convsync/internal/transport"
)

// ErrClosed is returned by every command once Close has been called.
var ErrClosed = errors.New("conversation: core closed")

// History is the request/response side the Core depends on. *history.Client
// satisfies it.
type History interface {
	ListThreads(ctx context.Context, opts history.ListThreadsOptions) ([]chat.Thread, error)
	ListMessages(ctx context.Context, threadID string, page, limit int) ([]chat.Message, error)
	GetThread(ctx context.Context, threadID string) (*chat.Thread, error)
	ThreadForCampaign(ctx context.Context, campaignID string) (*chat.Thread, error)
	CreateThread(ctx context.Context, campaignID string) (*chat.Thread, error)
	SendMessage(ctx context.Context, threadID, content string) (*chat.Message, error)
	MarkMessageRead(ctx context.Context, messageID string) error
	MarkThreadRead(ctx context.Context, threadID string) error
}

// Channel is the push side the Core depends on. *transport.Channel satisfies
// it.
type Channel interface {
	Start(ctx context.Context, l transport.Listener) error
	JoinThread(threadID string) error
	LeaveThread(threadID string) error
	SendTyping(threadID string, isTyping bool) error
	Close() error
}

// ConnState is the push channel state as seen by the Core.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Config holds Core settings.
type Config struct {
	UserID     string        // local user id, forwarded by the identity layer
	Role       chat.Role     // local user's side of every thread
	TypingIdle time.Duration // silence after the last keystroke before typing=false
	PageSize   int           // default message page size for LoadMessages
	Clock      clock.Clock   // nil means clock.Real()
}

// DefaultConfig returns sensible defaults. UserID and Role must still be set.
func DefaultConfig() Config {
	return Config{
		TypingIdle: time.Second,
		PageSize:   50,
	}
}

// Snapshot is a read-only copy of the Core's state. Mutating it has no effect
// on the Core.
type Snapshot struct {
	Conn          ConnState
	ConnError     string        // last connection failure, cleared on connect
	Threads       []chat.Thread // most recent activity first
	ActiveThread  string
	Joined        []string // joined thread ids, sorted
	Typing        []string // remote participants currently typing, sorted
	Loading       bool     // a history call is in flight
	Error         string   // last command error; cleared only by ClearError
	Notifications []chat.Notification
}

// Thread returns the thread with the given id from the snapshot.
func (s Snapshot) Thread(id string) (chat.Thread, bool) {
	for _, t := range s.Threads {
		if t.ID == id {
			return t, true
		}
	}
	return chat.Thread{}, false
}

// IsTyping reports whether userID is in the typing set.
func (s Snapshot) IsTyping(userID string) bool {
	for _, id := range s.Typing {
		if id == userID {
			return true
		}
	}
	return false
}

// state is owned by the loop goroutine.
type state struct {
	conn      ConnState
	connErr   string
	threads   map[string]*chat.Thread
	messages  map[string]*chat.Message // flat collection keyed by message id
	joined    map[string]bool
	active    string
	typing    map[string]bool         // remote participant ids; not scoped per thread
	debounce  map[string]*typingTimer // local typing state per thread
	inflight  int
	err       string
	notes     *chat.NotificationBuffer
	connected bool // Connect has been called
}

// Core is the synchronization core for one user session.
type Core struct {
	config  Config
	clock   clock.Clock
	history History
	channel Channel

	tasks    chan func()
	quit     chan struct{}
	loopDone chan struct{}
	updates  chan struct{}

	closeOnce sync.Once
	final     Snapshot // published by Close

	st state
}

// New creates a Core and starts its event loop. The channel is not
// connected until Connect.
func New(config Config, h History, ch Channel) (*Core, error) {
	if config.UserID == "" {
		return nil, fmt.Errorf("conversation: user id is required")
	}
	if !config.Role.Valid() {
		return nil, fmt.Errorf("conversation: invalid role %q", config.Role)
	}
	if config.TypingIdle <= 0 {
		config.TypingIdle = time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	c := &Core{
		config:   config,
		clock:    config.Clock,
		history:  h,
		channel:  ch,
		tasks:    make(chan func(), 256),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		updates:  make(chan struct{}, 1),
		st: state{
			threads:  make(map[string]*chat.Thread),
			messages: make(map[string]*chat.Message),
			joined:   make(map[string]bool),
			typing:   make(map[string]bool),
			debounce: make(map[string]*typingTimer),
			notes:    chat.NewNotificationBuffer(chat.MaxNotifications),
		},
	}
	go c.loop()
	return c, nil
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (c *Core) loop() {
	defer close(c.loopDone)
	for {
		select {
		case f := <-c.tasks:
			f()
		case <-c.quit:
			return
		}
	}
}

// do runs f on the loop and waits for it to finish.
func (c *Core) do(f func()) error {
	ack := make(chan struct{})
	select {
	case c.tasks <- func() { f(); close(ack) }:
	case <-c.quit:
		return ErrClosed
	}
	select {
	case <-ack:
		return nil
	case <-c.loopDone:
		return ErrClosed
	}
}

// post queues f on the loop without waiting.
func (c *Core) post(f func()) {
	select {
	case c.tasks <- f:
	case <-c.quit:
	}
}

// changed publishes derived metrics and wakes Updates subscribers.
func (c *Core) changed() {
	total := 0
	for _, t := range c.st.threads {
		total += t.UnreadCount
	}
	metrics.UnreadTotal.Set(float64(total))

	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Updates returns a channel that receives after state changes. Bursts of
// changes coalesce into one receive; read a Snapshot after each.
func (c *Core) Updates() <-chan struct{} {
	return c.updates
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Snapshot returns a copy of the current state. After Close it returns the
// state as it was at teardown.
func (c *Core) Snapshot() Snapshot {
	var s Snapshot
	if err := c.do(func() { s = c.snapshot() }); err != nil {
		<-c.loopDone
		return c.final
	}
	return s
}

// Messages returns the messages of a thread in display order: creation time,
// then id.
func (c *Core) Messages(threadID string) []chat.Message {
	var out []chat.Message
	_ = c.do(func() {
		for _, m := range c.st.messages {
			if m.ThreadID == threadID {
				out = append(out, *m)
			}
		}
	})
	chat.SortMessages(out)
	return out
}

func (c *Core) snapshot() Snapshot {
	s := Snapshot{
		Conn:          c.st.conn,
		ConnError:     c.st.connErr,
		ActiveThread:  c.st.active,
		Loading:       c.st.inflight > 0,
		Error:         c.st.err,
		Notifications: c.st.notes.List(),
	}

	s.Threads = make([]chat.Thread, 0, len(c.st.threads))
	for _, t := range c.st.threads {
		cp := *t
		if t.LastMessage != nil {
			lm := *t.LastMessage
			cp.LastMessage = &lm
		}
		s.Threads = append(s.Threads, cp)
	}
	chat.SortThreads(s.Threads)

	for id := range c.st.joined {
		s.Joined = append(s.Joined, id)
	}
	sort.Strings(s.Joined)

	for id := range c.st.typing {
		s.Typing = append(s.Typing, id)
	}
	sort.Strings(s.Typing)
	return s
}

// ---------------------------------------------------------------------------
// Error slot
// ---------------------------------------------------------------------------

// ClearError empties the error slot. It does not retry anything.
func (c *Core) ClearError() {
	_ = c.do(func() {
		if c.st.err != "" {
			c.st.err = ""
			c.changed()
		}
	})
}

// fail records err in the error slot. Must run on the loop.
func (c *Core) fail(op string, err error) {
	log.Printf("[core] %s failed: %v", op, err)
	c.st.err = err.Error()
	c.changed()
}

// failAsync records err from outside the loop.
func (c *Core) failAsync(op string, err error) {
	_ = c.do(func() { c.fail(op, err) })
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect starts the push channel. Calling it again while connecting or
// connected is a no-op. After the channel gives up or stops, Connect
// starts it again.
func (c *Core) Connect(ctx context.Context) error {
	var startErr error
	err := c.do(func() {
		if c.st.connected {
			return
		}
		c.st.connected = true
		c.st.conn = Connecting
		c.changed()

		if err := c.channel.Start(ctx, listener{c}); err != nil {
			c.st.connected = false
			c.st.conn = Disconnected
			c.st.connErr = err.Error()
			startErr = err
			c.fail("connect", err)
		}
	})
	if err != nil {
		return err
	}
	return startErr
}

// Close leaves every joined thread, cancels pending typing timers and
// releases the channel. Only the first call has any effect.
func (c *Core) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.do(c.teardown)
		close(c.quit)
		<-c.loopDone
		err = c.channel.Close()
		log.Printf("[core] user=%s: session closed", c.config.UserID)
	})
	return err
}

// teardown runs as the last task on the loop.
func (c *Core) teardown() {
	for threadID := range c.st.debounce {
		c.stopTyping(threadID)
	}
	if c.st.conn == Connected {
		for threadID := range c.st.joined {
			if err := c.channel.LeaveThread(threadID); err != nil {
				log.Printf("[core] leave %s on close: %v", threadID, err)
			}
		}
	}
	c.st.joined = make(map[string]bool)
	c.st.active = ""
	c.st.conn = Disconnected
	c.final = c.snapshot()
	c.changed()
}

// beginLoad and endLoad bracket a history call. Must run on the loop.
func (c *Core) beginLoad() {
	c.st.inflight++
	if c.st.inflight == 1 {
		c.changed()
	}
}

func (c *Core) endLoad() {
	if c.st.inflight > 0 {
		c.st.inflight--
	}
	if c.st.inflight == 0 {
		c.changed()
	}
}
