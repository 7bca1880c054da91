package store

import (
	"context"
	"sync"

	"github.com/campaignhub/convsync/internal/chat"
)

// Memory is an in-process Store guarded by a single mutex.
type Memory struct {
	mu        sync.RWMutex
	campaigns map[string]string
	threads   map[string]*chat.Thread
	messages  map[string]*chat.Message
	byThread  map[string][]string // thread id -> message ids in insertion order
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		campaigns: make(map[string]string),
		threads:   make(map[string]*chat.Thread),
		messages:  make(map[string]*chat.Message),
		byThread:  make(map[string][]string),
	}
}

func (s *Memory) Campaign(ctx context.Context, campaignID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.campaigns[campaignID], nil
}

func (s *Memory) PutCampaign(ctx context.Context, campaignID, advertiserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[campaignID] = advertiserID
	return nil
}

func (s *Memory) CreateThread(ctx context.Context, t chat.Thread) (*chat.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.CampaignID != "" {
		for _, existing := range s.threads {
			if existing.CampaignID == t.CampaignID && existing.PromoterID == t.PromoterID {
				return s.view(existing, t.PromoterID), nil
			}
		}
	}

	stored := t
	stored.UnreadCount = 0
	stored.LastMessage = nil
	s.threads[t.ID] = &stored
	return s.view(&stored, ""), nil
}

func (s *Memory) GetThread(ctx context.Context, threadID, viewerID string) (*chat.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	return s.view(t, viewerID), nil
}

func (s *Memory) ThreadForCampaign(ctx context.Context, campaignID, viewerID string) (*chat.Thread, error) {
	threads, err := s.ListThreads(ctx, viewerID, campaignID, 1, 1)
	if err != nil || len(threads) == 0 {
		return nil, err
	}
	return &threads[0], nil
}

func (s *Memory) ListThreads(ctx context.Context, viewerID, campaignID string, page, limit int) ([]chat.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []chat.Thread
	for _, t := range s.threads {
		if !t.IsParticipant(viewerID) {
			continue
		}
		if campaignID != "" && t.CampaignID != campaignID {
			continue
		}
		all = append(all, *s.view(t, viewerID))
	}
	chat.SortThreads(all)

	offset, size := pageBounds(page, limit)
	if offset >= len(all) {
		return []chat.Thread{}, nil
	}
	end := offset + size
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *Memory) AddMessage(ctx context.Context, m chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[m.ThreadID]
	if !ok {
		return ErrUnknownThread
	}
	if _, dup := s.messages[m.ID]; dup {
		return nil
	}
	cp := m
	s.messages[m.ID] = &cp
	s.byThread[m.ThreadID] = append(s.byThread[m.ThreadID], m.ID)
	if m.CreatedAt.After(t.LastMessageAt) {
		t.LastMessageAt = m.CreatedAt
	}
	return nil
}

func (s *Memory) GetMessage(ctx context.Context, messageID string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *Memory) ListMessages(ctx context.Context, threadID string, page, limit int, desc bool) ([]chat.Message, error) {
	s.mu.RLock()
	msgs := s.threadMessages(threadID)
	s.mu.RUnlock()

	if desc {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}

	offset, size := pageBounds(page, limit)
	if offset >= len(msgs) {
		return []chat.Message{}, nil
	}
	end := offset + size
	if end > len(msgs) {
		end = len(msgs)
	}
	return msgs[offset:end], nil
}

func (s *Memory) MarkMessageRead(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok || m.IsRead {
		return false, nil
	}
	m.IsRead = true
	return true, nil
}

func (s *Memory) MarkThreadRead(ctx context.Context, threadID, readerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range s.byThread[threadID] {
		m := s.messages[id]
		if m.SenderID != readerID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

func (s *Memory) Close() error { return nil }

// threadMessages returns copies of a thread's messages oldest first. Caller
// holds s.mu.
func (s *Memory) threadMessages(threadID string) []chat.Message {
	ids := s.byThread[threadID]
	out := make([]chat.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.messages[id])
	}
	chat.SortMessages(out)
	return out
}

// view returns a copy of t with the preview and viewerID's unread count
// filled in. Caller holds s.mu.
func (s *Memory) view(t *chat.Thread, viewerID string) *chat.Thread {
	cp := *t
	cp.UnreadCount = 0
	cp.LastMessage = nil

	msgs := s.threadMessages(t.ID)
	for _, m := range msgs {
		if viewerID != "" && m.SenderID != viewerID && !m.IsRead {
			cp.UnreadCount++
		}
	}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		cp.LastMessage = &last
	}
	return &cp
}
