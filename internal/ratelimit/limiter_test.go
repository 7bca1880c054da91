package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter returns a Limiter on a local Redis with the test_* counters
// cleared before and after the test. It skips when no Redis is listening on
// localhost:6379.
func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, keyPrefix+"*:test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client), client
}

func TestAllow_CapsSendsPerWindow(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := SendRule(3, 10*time.Second)

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, "test_adv", rule)
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("send %d refused within the limit", i)
		}
	}
	if ok, err := l.Allow(ctx, "test_adv", rule); err != nil || ok {
		t.Fatalf("fourth send = %v, %v; want refused", ok, err)
	}
	if n, err := l.Remaining(ctx, "test_adv", rule); err != nil || n != 0 {
		t.Errorf("Remaining = %d, %v; want 0", n, err)
	}
}

func TestAllow_CountersAreSeparate(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	sends := SendRule(1, 10*time.Second)
	connects := Rule{Action: Connects.Action, Limit: 1, Window: 10 * time.Second}

	l.Allow(ctx, "test_pro", sends)
	if ok, _ := l.Allow(ctx, "test_pro", connects); !ok {
		t.Error("a send used up the connect allowance")
	}
	if ok, _ := l.Allow(ctx, "test_other", sends); !ok {
		t.Error("one user's send used up another user's allowance")
	}
}

func TestAllow_StartsWindowOnFirstHit(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()
	rule := SendRule(5, 10*time.Second)

	l.Allow(ctx, "test_ttl", rule)
	first, err := client.PTTL(ctx, rule.key("test_ttl")).Result()
	if err != nil {
		t.Fatalf("PTTL: %v", err)
	}
	if first <= 0 || first > rule.Window {
		t.Fatalf("TTL after first hit = %v, want within (0, %v]", first, rule.Window)
	}

	time.Sleep(50 * time.Millisecond)
	l.Allow(ctx, "test_ttl", rule)
	second, _ := client.PTTL(ctx, rule.key("test_ttl")).Result()
	if second >= first {
		t.Errorf("later hit extended the window: %v then %v", first, second)
	}
}

func TestRemaining_Fresh(t *testing.T) {
	l, _ := newTestLimiter(t)
	n, err := l.Remaining(context.Background(), "test_fresh", Sends)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if n != Sends.Limit {
		t.Errorf("Remaining = %d, want %d", n, Sends.Limit)
	}
}

func TestAllow_WindowExpires(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := SendRule(1, time.Second)

	if ok, _ := l.Allow(ctx, "test_expire", rule); !ok {
		t.Fatal("first send refused")
	}
	if ok, _ := l.Allow(ctx, "test_expire", rule); ok {
		t.Fatal("second send allowed")
	}
	time.Sleep(1100 * time.Millisecond)
	if ok, _ := l.Allow(ctx, "test_expire", rule); !ok {
		t.Error("send in the next window refused")
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := SendRule(1, 10*time.Second)

	l.Allow(ctx, "test_reset", rule)
	if err := l.Reset(ctx, "test_reset", rule); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if ok, _ := l.Allow(ctx, "test_reset", rule); !ok {
		t.Error("send after Reset refused")
	}
}
