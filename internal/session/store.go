package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "conn:"

	// UserConnsPrefix is the Redis key prefix for the per-user set of
	// connection ids.
	UserConnsPrefix = "user_conns:"

	// ConnTTL is the time-to-live for connection records in Redis.
	ConnTTL = 1 * time.Hour
)

// Conn represents a live websocket connection stored in Redis.
type Conn struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Role       string `redis:"role"`
	Server     string `redis:"server"`      // which relay instance
	Threads    string `redis:"threads"`     // comma-separated joined thread ids
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// JoinedThreads returns the joined thread ids as a slice.
func (c *Conn) JoinedThreads() []string {
	if c.Threads == "" {
		return nil
	}
	return strings.Split(c.Threads, ",")
}

// Store manages connection records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
}

// NewStore creates a new connection store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new connection record with a 1h TTL and adds it to the
// user's connection set.
func (s *Store) Create(ctx context.Context, connID, userID, role string) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	conn := map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"role":        role,
		"server":      s.serverName,
		"threads":     "",
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, conn)
	pipe.Expire(ctx, key, ConnTTL)
	pipe.SAdd(ctx, UserConnsPrefix+userID, connID)
	pipe.Expire(ctx, UserConnsPrefix+userID, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Conn, error) {
	var conn Conn
	err := s.client.HGetAll(ctx, ConnPrefix+connID).Scan(&conn)
	if err != nil {
		return nil, err
	}
	if conn.ID == "" {
		return nil, nil
	}
	return &conn, nil
}

// SetThreads replaces the joined thread list and refreshes the TTL.
func (s *Store) SetThreads(ctx context.Context, connID string, threads []string) error {
	sorted := append([]string(nil), threads...)
	sort.Strings(sorted)

	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "threads", strings.Join(sorted, ","), "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ListForUser returns the live connection records of a user. Ids whose
// record has expired are pruned from the set.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]Conn, error) {
	ids, err := s.client.SMembers(ctx, UserConnsPrefix+userID).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	var conns []Conn
	for _, id := range ids {
		conn, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if conn == nil {
			s.client.SRem(ctx, UserConnsPrefix+userID, id)
			continue
		}
		conns = append(conns, *conn)
	}
	return conns, nil
}

// RefreshTTL extends the connection record's TTL.
func (s *Store) RefreshTTL(ctx context.Context, connID string) error {
	return s.client.Expire(ctx, ConnPrefix+connID, ConnTTL).Err()
}

// Delete removes a connection record and its entry in the user's set.
func (s *Store) Delete(ctx context.Context, connID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, ConnPrefix+connID)
	pipe.SRem(ctx, UserConnsPrefix+userID, connID)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client so the rate limiter can share it.
func (s *Store) Client() *redis.Client {
	return s.client
}
