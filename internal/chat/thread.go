// Package chat holds the conversation domain types shared by the client
// synchronization core, the history client and the development relay: threads
// between an advertiser and a promoter, the messages inside them, and the
// small amount of validation both sides agree on.
package chat

import (
	"sort"
	"time"
)

// Role identifies which side of a campaign conversation a participant is on.
type Role string

const (
	RoleAdvertiser Role = "ADVERTISER"
	RolePromoter   Role = "PROMOTER"
)

// Valid reports whether r is one of the two participant roles.
func (r Role) Valid() bool {
	return r == RoleAdvertiser || r == RolePromoter
}

// Other returns the opposite participant role.
func (r Role) Other() Role {
	if r == RoleAdvertiser {
		return RolePromoter
	}
	return RoleAdvertiser
}

// Message is a single authored entry within a Thread.
type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"threadId"`
	SenderID   string    `json:"senderId"`
	SenderRole Role      `json:"senderRole"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
	IsRead     bool      `json:"isRead"`

	// Pending marks a local optimistic entry that has not been confirmed
	// by the server yet. Never serialized.
	Pending bool `json:"-"`
}

// Thread is a conversation between one advertiser and one promoter, tied to
// at most one campaign.
type Thread struct {
	ID            string    `json:"id"`
	Subject       string    `json:"subject,omitempty"`
	CampaignID    string    `json:"campaignId,omitempty"`
	AdvertiserID  string    `json:"advertiserId"`
	PromoterID    string    `json:"promoterId"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
	LastMessage   *Message  `json:"lastMessage,omitempty"`
}

// IsParticipant checks if a user is one of the thread's two participants.
func (t *Thread) IsParticipant(userID string) bool {
	return userID != "" && (userID == t.AdvertiserID || userID == t.PromoterID)
}

// RoleOf returns the role userID plays in this thread.
func (t *Thread) RoleOf(userID string) (Role, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == t.AdvertiserID:
		return RoleAdvertiser, true
	case userID == t.PromoterID:
		return RolePromoter, true
	}
	return "", false
}

// Participant returns the user id holding the given role.
func (t *Thread) Participant(role Role) string {
	if role == RoleAdvertiser {
		return t.AdvertiserID
	}
	return t.PromoterID
}

// Touch records m as the thread's most recent message if it is not older
// than the current preview.
func (t *Thread) Touch(m Message) {
	if t.LastMessage != nil && m.CreatedAt.Before(t.LastMessageAt) {
		return
	}
	preview := m
	preview.Pending = false
	t.LastMessage = &preview
	t.LastMessageAt = m.CreatedAt
}

// SortMessages orders messages by creation time, oldest first. Messages
// created in the same instant are ordered by id so the result is stable
// regardless of arrival order.
func SortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// SortThreads orders threads by most recent activity first.
func SortThreads(threads []Thread) {
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].LastMessageAt.Equal(threads[j].LastMessageAt) {
			return threads[i].ID < threads[j].ID
		}
		return threads[i].LastMessageAt.After(threads[j].LastMessageAt)
	})
}
