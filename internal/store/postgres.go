package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/campaignhub/convsync/internal/chat"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to databaseURL, applies pending migrations and
// returns a ready store.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Migrate applies the embedded schema migrations to db. It does not close db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Campaigns
// ---------------------------------------------------------------------------

func (s *Postgres) Campaign(ctx context.Context, campaignID string) (string, error) {
	var advertiserID string
	err := s.db.QueryRowContext(ctx,
		`SELECT advertiser_id FROM campaigns WHERE id = $1`, campaignID).Scan(&advertiserID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: campaign: %w", err)
	}
	return advertiserID, nil
}

func (s *Postgres) PutCampaign(ctx context.Context, campaignID, advertiserID string) error {
	const query = `
		INSERT INTO campaigns (id, advertiser_id) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET advertiser_id = EXCLUDED.advertiser_id`

	if _, err := s.db.ExecContext(ctx, query, campaignID, advertiserID); err != nil {
		return fmt.Errorf("store: put campaign: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

// threadSelect yields one row per thread with the viewer's unread count and
// the latest message, if any. $1 is always the viewer id.
const threadSelect = `
	SELECT t.id, t.subject, t.campaign_id, t.advertiser_id, t.promoter_id, t.last_message_at,
	       (SELECT COUNT(*) FROM messages u
	         WHERE u.thread_id = t.id AND NOT u.is_read AND u.sender_id <> $1) AS unread,
	       lm.id, lm.sender_id, lm.sender_role, lm.content, lm.created_at, lm.is_read
	FROM threads t
	LEFT JOIN LATERAL (
		SELECT id, sender_id, sender_role, content, created_at, is_read
		FROM messages m
		WHERE m.thread_id = t.id
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT 1
	) lm ON TRUE`

func (s *Postgres) CreateThread(ctx context.Context, t chat.Thread) (*chat.Thread, error) {
	const query = `
		INSERT INTO threads (id, subject, campaign_id, advertiser_id, promoter_id, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`

	if t.LastMessageAt.IsZero() {
		t.LastMessageAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, query,
		t.ID, t.Subject, t.CampaignID, t.AdvertiserID, t.PromoterID, t.LastMessageAt)
	if err != nil {
		return nil, fmt.Errorf("store: create thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 && t.CampaignID != "" {
		return s.ThreadForCampaign(ctx, t.CampaignID, t.PromoterID)
	}
	return s.GetThread(ctx, t.ID, t.PromoterID)
}

func (s *Postgres) GetThread(ctx context.Context, threadID, viewerID string) (*chat.Thread, error) {
	rows, err := s.db.QueryContext(ctx, threadSelect+` WHERE t.id = $2`, viewerID, threadID)
	if err != nil {
		return nil, fmt.Errorf("store: get thread: %w", err)
	}
	return firstThread(rows)
}

func (s *Postgres) ThreadForCampaign(ctx context.Context, campaignID, viewerID string) (*chat.Thread, error) {
	const where = `
		WHERE t.campaign_id = $2 AND (t.advertiser_id = $1 OR t.promoter_id = $1)
		ORDER BY t.last_message_at DESC, t.id
		LIMIT 1`

	rows, err := s.db.QueryContext(ctx, threadSelect+where, viewerID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("store: thread for campaign: %w", err)
	}
	return firstThread(rows)
}

func (s *Postgres) ListThreads(ctx context.Context, viewerID, campaignID string, page, limit int) ([]chat.Thread, error) {
	const where = `
		WHERE (t.advertiser_id = $1 OR t.promoter_id = $1)
		  AND ($2 = '' OR t.campaign_id = $2)
		ORDER BY t.last_message_at DESC, t.id
		LIMIT $3 OFFSET $4`

	offset, size := pageBounds(page, limit)
	rows, err := s.db.QueryContext(ctx, threadSelect+where, viewerID, campaignID, size, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list threads: %w", err)
	}
	defer rows.Close()

	threads := []chat.Thread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list threads: %w", err)
	}
	return threads, nil
}

func firstThread(rows *sql.Rows) (*chat.Thread, error) {
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("store: thread: %w", err)
		}
		return nil, nil
	}
	return scanThread(rows)
}

func scanThread(rows *sql.Rows) (*chat.Thread, error) {
	var (
		t      chat.Thread
		lmID   sql.NullString
		lmFrom sql.NullString
		lmRole sql.NullString
		lmText sql.NullString
		lmAt   sql.NullTime
		lmRead sql.NullBool
		unread int64
	)
	err := rows.Scan(
		&t.ID, &t.Subject, &t.CampaignID, &t.AdvertiserID, &t.PromoterID, &t.LastMessageAt,
		&unread,
		&lmID, &lmFrom, &lmRole, &lmText, &lmAt, &lmRead,
	)
	if err != nil {
		return nil, fmt.Errorf("store: scan thread: %w", err)
	}
	t.UnreadCount = int(unread)
	t.LastMessageAt = t.LastMessageAt.UTC()
	if lmID.Valid {
		t.LastMessage = &chat.Message{
			ID:         lmID.String,
			ThreadID:   t.ID,
			SenderID:   lmFrom.String,
			SenderRole: chat.Role(lmRole.String),
			Content:    lmText.String,
			CreatedAt:  lmAt.Time.UTC(),
			IsRead:     lmRead.Bool,
		}
	}
	return &t, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (s *Postgres) AddMessage(ctx context.Context, m chat.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: add message: %w", err)
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO messages (id, thread_id, sender_id, sender_role, content, created_at, is_read)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	_, err = tx.ExecContext(ctx, insert,
		m.ID, m.ThreadID, m.SenderID, string(m.SenderRole), m.Content, m.CreatedAt, m.IsRead)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrUnknownThread
		}
		return fmt.Errorf("store: insert message: %w", err)
	}

	const touch = `
		UPDATE threads SET last_message_at = GREATEST(last_message_at, $2)
		WHERE id = $1`

	if _, err := tx.ExecContext(ctx, touch, m.ThreadID, m.CreatedAt); err != nil {
		return fmt.Errorf("store: touch thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: add message: %w", err)
	}
	return nil
}

const messageColumns = `id, thread_id, sender_id, sender_role, content, created_at, is_read`

func scanMessage(scan func(...any) error) (*chat.Message, error) {
	var (
		m    chat.Message
		role string
	)
	if err := scan(&m.ID, &m.ThreadID, &m.SenderID, &role, &m.Content, &m.CreatedAt, &m.IsRead); err != nil {
		return nil, err
	}
	m.SenderRole = chat.Role(role)
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (s *Postgres) GetMessage(ctx context.Context, messageID string) (*chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

func (s *Postgres) ListMessages(ctx context.Context, threadID string, page, limit int, desc bool) ([]chat.Message, error) {
	order := `ORDER BY created_at ASC, id ASC`
	if desc {
		order = `ORDER BY created_at DESC, id DESC`
	}
	offset, size := pageBounds(page, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = $1 `+order+` LIMIT $2 OFFSET $3`,
		threadID, size, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return msgs, nil
}

func (s *Postgres) MarkMessageRead(ctx context.Context, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = TRUE WHERE id = $1 AND NOT is_read`, messageID)
	if err != nil {
		return false, fmt.Errorf("store: mark message read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Postgres) MarkThreadRead(ctx context.Context, threadID, readerID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = TRUE WHERE thread_id = $1 AND sender_id <> $2 AND NOT is_read`,
		threadID, readerID)
	if err != nil {
		return 0, fmt.Errorf("store: mark thread read: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close releases the underlying connection pool.
func (s *Postgres) Close() error {
	return s.db.Close()
}
