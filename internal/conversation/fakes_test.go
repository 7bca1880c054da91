package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/campaignhub/convsync/internal/chat"
	"github.com/campaignhub/convsync/internal/clock"
	"github.com/campaignhub/convsync/internal/history"
	"github.com/campaignhub/convsync/internal/protocol"
	"github.com/campaignhub/convsync/internal/transport"
)

// ---------------------------------------------------------------------------
// Fake history API
// ---------------------------------------------------------------------------

type fakeHistory struct {
	mu        sync.Mutex
	threads   []chat.Thread
	messages  map[string][]chat.Message
	campaigns map[string]*chat.Thread
	nextID    int

	// Optional overrides.
	sendFn      func(threadID, content string) (*chat.Message, error)
	markReadFn  func(threadID string) error
	campaignErr error
	listErr     error

	markedThreads  []string
	markedMessages []string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		messages:  make(map[string][]chat.Message),
		campaigns: make(map[string]*chat.Thread),
	}
}

func (h *fakeHistory) ListThreads(ctx context.Context, opts history.ListThreadsOptions) ([]chat.Thread, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listErr != nil {
		return nil, h.listErr
	}
	out := make([]chat.Thread, 0, len(h.threads))
	for _, t := range h.threads {
		if opts.CampaignID == "" || t.CampaignID == opts.CampaignID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (h *fakeHistory) ListMessages(ctx context.Context, threadID string, page, limit int) ([]chat.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]chat.Message(nil), h.messages[threadID]...), nil
}

func (h *fakeHistory) GetThread(ctx context.Context, threadID string) (*chat.Thread, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.threads {
		if t.ID == threadID {
			cp := t
			return &cp, nil
		}
	}
	return nil, &history.APIError{Op: "get_thread", StatusCode: 404}
}

func (h *fakeHistory) ThreadForCampaign(ctx context.Context, campaignID string) (*chat.Thread, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.campaignErr != nil {
		return nil, h.campaignErr
	}
	t, ok := h.campaigns[campaignID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (h *fakeHistory) CreateThread(ctx context.Context, campaignID string) (*chat.Thread, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	t := chat.Thread{
		ID:           fmt.Sprintf("t-%d", h.nextID),
		CampaignID:   campaignID,
		AdvertiserID: "adv1",
		PromoterID:   "pro1",
	}
	h.threads = append(h.threads, t)
	h.campaigns[campaignID] = &t
	cp := t
	return &cp, nil
}

func (h *fakeHistory) SendMessage(ctx context.Context, threadID, content string) (*chat.Message, error) {
	h.mu.Lock()
	fn := h.sendFn
	h.mu.Unlock()
	if fn != nil {
		return fn(threadID, content)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	m := chat.Message{
		ID:         fmt.Sprintf("m-%d", h.nextID),
		ThreadID:   threadID,
		SenderID:   "adv1",
		SenderRole: chat.RoleAdvertiser,
		Content:    content,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, h.nextID, 0, time.UTC),
	}
	return &m, nil
}

func (h *fakeHistory) MarkMessageRead(ctx context.Context, messageID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markedMessages = append(h.markedMessages, messageID)
	return nil
}

func (h *fakeHistory) MarkThreadRead(ctx context.Context, threadID string) error {
	h.mu.Lock()
	fn := h.markReadFn
	h.markedThreads = append(h.markedThreads, threadID)
	h.mu.Unlock()
	if fn != nil {
		return fn(threadID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Fake push channel
// ---------------------------------------------------------------------------

type typingSignal struct {
	threadID string
	isTyping bool
}

type fakeChannel struct {
	mu       sync.Mutex
	listener transport.Listener
	startErr error
	joins    []string
	leaves   []string
	typing   []typingSignal
	closes   int
	starts   int
}

func (f *fakeChannel) Start(ctx context.Context, l transport.Listener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.listener = l
	return nil
}

func (f *fakeChannel) JoinThread(threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, threadID)
	return nil
}

func (f *fakeChannel) LeaveThread(threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, threadID)
	return nil
}

func (f *fakeChannel) SendTyping(threadID string, isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typingSignal{threadID, isTyping})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeChannel) lis() transport.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener
}

func (f *fakeChannel) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeChannel) typingSignals() []typingSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]typingSignal(nil), f.typing...)
}

func (f *fakeChannel) joined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...)
}

func (f *fakeChannel) left() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.leaves...)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	core    *Core
	history *fakeHistory
	channel *fakeChannel
	clock   *clock.FakeClock
}

// newHarness builds a Core for user adv1 with the given role. The channel
// is started but not connected.
func newHarness(t *testing.T, role chat.Role) *harness {
	t.Helper()
	h := &harness{
		history: newFakeHistory(),
		channel: &fakeChannel{},
		clock:   clock.Fake(epoch),
	}

	cfg := DefaultConfig()
	cfg.UserID = "adv1"
	if role == chat.RolePromoter {
		cfg.UserID = "pro1"
	}
	cfg.Role = role
	cfg.Clock = h.clock

	core, err := New(cfg, h.history, h.channel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.core = core
	t.Cleanup(func() { core.Close() })

	if err := core.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return h
}

// connect simulates the channel coming up and waits for the Core to apply it.
func (h *harness) connect() {
	h.channel.lis().OnConnected()
	h.core.Snapshot()
}

// push delivers events as if they came from the channel and waits for the
// Core to apply them.
func (h *harness) push(evs ...protocol.Event) Snapshot {
	for _, ev := range evs {
		h.channel.lis().OnEvent(ev)
	}
	return h.core.Snapshot()
}

func (h *harness) unread(t *testing.T, threadID string) int {
	t.Helper()
	th, ok := h.core.Snapshot().Thread(threadID)
	if !ok {
		t.Fatalf("thread %s not in snapshot", threadID)
	}
	return th.UnreadCount
}

func msg(id, threadID string, role chat.Role, content string, sec int) chat.Message {
	sender := "adv1"
	if role == chat.RolePromoter {
		sender = "pro1"
	}
	return chat.Message{
		ID:         id,
		ThreadID:   threadID,
		SenderID:   sender,
		SenderRole: role,
		Content:    content,
		CreatedAt:  epoch.Add(time.Duration(sec) * time.Second),
	}
}

func arrived(m chat.Message) protocol.Event {
	return protocol.MessageArrived{Message: m}
}
