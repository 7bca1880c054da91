// Package store persists the relay's campaigns, threads and messages. Two
// implementations share one contract: Memory for tests and single-process
// development, and Postgres for relays that share state. Lookups return
// nil, nil when the row does not exist.
package store

import (
	"context"
	"errors"

	"github.com/campaignhub/convsync/internal/chat"
)

const (
	// DefaultPageSize is used when a caller passes a non-positive limit.
	DefaultPageSize = 50
	// MaxPageSize caps any single page.
	MaxPageSize = 200
)

// ErrUnknownThread is returned when a message references a thread that does
// not exist.
var ErrUnknownThread = errors.New("store: unknown thread")

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)

// Store is the relay's persistence contract. Every method that returns a
// Thread computes UnreadCount for viewerID: messages in the thread not sent
// by viewerID that are not yet read.
type Store interface {
	// Campaign returns the advertiser that owns a campaign, or "" if the
	// campaign is unknown.
	Campaign(ctx context.Context, campaignID string) (string, error)
	// PutCampaign records or replaces a campaign's advertiser.
	PutCampaign(ctx context.Context, campaignID, advertiserID string) error

	// CreateThread inserts t. If a thread already exists for the same
	// campaign and promoter, that thread is returned instead.
	CreateThread(ctx context.Context, t chat.Thread) (*chat.Thread, error)
	GetThread(ctx context.Context, threadID, viewerID string) (*chat.Thread, error)
	// ThreadForCampaign returns viewerID's most recent thread for a campaign.
	ThreadForCampaign(ctx context.Context, campaignID, viewerID string) (*chat.Thread, error)
	// ListThreads returns viewerID's threads, most recent activity first.
	ListThreads(ctx context.Context, viewerID, campaignID string, page, limit int) ([]chat.Thread, error)

	// AddMessage persists m and advances its thread's last message time.
	AddMessage(ctx context.Context, m chat.Message) error
	GetMessage(ctx context.Context, messageID string) (*chat.Message, error)
	// ListMessages returns one page of a thread's messages ordered by
	// creation time, oldest first unless desc is set.
	ListMessages(ctx context.Context, threadID string, page, limit int, desc bool) ([]chat.Message, error)

	// MarkMessageRead flags one message read. It reports whether the flag
	// changed.
	MarkMessageRead(ctx context.Context, messageID string) (bool, error)
	// MarkThreadRead flags every message in a thread not sent by readerID
	// as read and returns how many changed.
	MarkThreadRead(ctx context.Context, threadID, readerID string) (int, error)

	Close() error
}

// pageBounds converts a 1-based page and a limit into an offset and a
// clamped limit.
func pageBounds(page, limit int) (offset, size int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit, limit
}
