// Package ratelimit counts relay actions per user in fixed Redis windows. The
// relay throttles message sends and push channel connects with it.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every counter so the relay can share a Redis with the
// session records.
const keyPrefix = "convsync:rl:"

// Rule caps how many times a user may perform one action per window.
type Rule struct {
	Action string // counter name, e.g. "send"
	Limit  int
	Window time.Duration
}

func (r Rule) key(userID string) string {
	return keyPrefix + r.Action + ":" + userID
}

var (
	// Sends caps posted messages at 20 per 10 seconds.
	Sends = Rule{Action: "send", Limit: 20, Window: 10 * time.Second}

	// Connects caps push channel handshakes at 30 per minute.
	Connects = Rule{Action: "connect", Limit: 30, Window: time.Minute}
)

// SendRule is Sends with the limit and window from the relay config.
func SendRule(limit int, window time.Duration) Rule {
	return Rule{Action: Sends.Action, Limit: limit, Window: window}
}

// hit bumps a counter and starts its window on the first hit, in one round
// trip so a counter can never be left without a TTL.
var hit = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Limiter checks rules against counters in Redis.
type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one action by userID and reports whether it is within rule.
// A Redis failure lets the action through and is returned alongside true.
func (l *Limiter) Allow(ctx context.Context, userID string, rule Rule) (bool, error) {
	key := rule.key(userID)
	n, err := hit.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		log.Printf("[ratelimit] count %s: %v (allowing)", key, err)
		return true, fmt.Errorf("ratelimit: count %s: %w", rule.Action, err)
	}
	return n <= int64(rule.Limit), nil
}

// Remaining reports how many more actions userID may take in the current
// window. A missing counter or a Redis failure reports the full limit.
func (l *Limiter) Remaining(ctx context.Context, userID string, rule Rule) (int, error) {
	used, err := l.client.Get(ctx, rule.key(userID)).Int()
	switch {
	case err == redis.Nil:
		return rule.Limit, nil
	case err != nil:
		return rule.Limit, fmt.Errorf("ratelimit: read %s: %w", rule.Action, err)
	}
	return max(rule.Limit-used, 0), nil
}

// Reset starts a fresh window for userID.
func (l *Limiter) Reset(ctx context.Context, userID string, rule Rule) error {
	return l.client.Del(ctx, rule.key(userID)).Err()
}
