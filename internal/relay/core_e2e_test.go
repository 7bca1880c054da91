package relay

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/campaignhub/convsync/internal/chat"
	"github.com/campaignhub/convsync/internal/conversation"
	"github.com/campaignhub/convsync/internal/history"
	"github.com/campaignhub/convsync/internal/ratelimit"
	"github.com/campaignhub/convsync/internal/session"
	"github.com/campaignhub/convsync/internal/transport"
)

// core starts a conversation core for token against the relay and waits for
// its channel to connect.
func (tr *testRelay) core(t *testing.T, userID string, role chat.Role, token string) *conversation.Core {
	t.Helper()
	cfg := conversation.DefaultConfig()
	cfg.UserID = userID
	cfg.Role = role

	c, err := conversation.New(cfg, tr.history(token), transport.New(tr.transportConfig(token)))
	if err != nil {
		t.Fatalf("conversation.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	eventually(t, userID+" connected", func() bool {
		return c.Snapshot().Conn == conversation.Connected
	})
	return c
}

// redisSessions connects to a local Redis or skips the test.
func redisSessions(t *testing.T) *session.Store {
	t.Helper()
	s, err := session.NewStore("localhost:6379", "relay-test")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCore_SendReachesOtherParticipant(t *testing.T) {
	tr := newTestRelay(t)
	ctx := context.Background()

	adv := tr.core(t, "adv1", chat.RoleAdvertiser, advToken)
	pro := tr.core(t, "pro1", chat.RolePromoter, proToken)

	th, err := pro.StartThread(ctx, "c1")
	if err != nil {
		t.Fatalf("StartThread: %v", err)
	}
	if _, err := adv.LoadThreads(ctx, history.ListThreadsOptions{}); err != nil {
		t.Fatalf("LoadThreads: %v", err)
	}
	if err := adv.Join(th.ID); err != nil {
		t.Fatalf("adv Join: %v", err)
	}
	if err := pro.Join(th.ID); err != nil {
		t.Fatalf("pro Join: %v", err)
	}
	tr.joined(t, "adv1", th.ID)
	tr.joined(t, "pro1", th.ID)

	if _, err := pro.Send(ctx, th.ID, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	eventually(t, "adv unread 1", func() bool {
		got, ok := adv.Snapshot().Thread(th.ID)
		return ok && got.UnreadCount == 1
	})

	// The echo of pro's own message must not count as unread nor duplicate
	// the optimistic copy.
	time.Sleep(100 * time.Millisecond)
	msgs := pro.Messages(th.ID)
	if len(msgs) != 1 || msgs[0].Content != "hello" || msgs[0].Pending {
		t.Fatalf("pro messages = %+v, want one confirmed hello", msgs)
	}
	if got, _ := pro.Snapshot().Thread(th.ID); got.UnreadCount != 0 {
		t.Errorf("pro unread = %d, want 0", got.UnreadCount)
	}

	if err := adv.MarkRead(ctx, th.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if got, _ := adv.Snapshot().Thread(th.ID); got.UnreadCount != 0 {
		t.Errorf("adv unread after MarkRead = %d, want 0", got.UnreadCount)
	}
	eventually(t, "pro sees hello read", func() bool {
		msgs := pro.Messages(th.ID)
		return len(msgs) == 1 && msgs[0].IsRead
	})
}

func TestCore_TypingReachesOtherParticipant(t *testing.T) {
	tr := newTestRelay(t)
	ctx := context.Background()

	adv := tr.core(t, "adv1", chat.RoleAdvertiser, advToken)
	pro := tr.core(t, "pro1", chat.RolePromoter, proToken)

	th, err := pro.StartThread(ctx, "c1")
	if err != nil {
		t.Fatalf("StartThread: %v", err)
	}
	adv.Join(th.ID)
	pro.Join(th.ID)
	tr.joined(t, "adv1", th.ID)
	tr.joined(t, "pro1", th.ID)

	for i := 0; i < 3; i++ {
		if err := pro.Typing(th.ID); err != nil {
			t.Fatalf("Typing: %v", err)
		}
	}
	eventually(t, "adv sees pro typing", func() bool {
		return adv.Snapshot().IsTyping("pro1")
	})
	eventually(t, "typing cleared after idle", func() bool {
		return !adv.Snapshot().IsTyping("pro1")
	})
}

func TestCore_Notification(t *testing.T) {
	tr := newTestRelay(t)
	pro := tr.core(t, "pro1", chat.RolePromoter, proToken)

	status := tr.post(t, "/api/users/pro1/notifications", advToken, `{"kind":"campaign_update"}`)
	if status != http.StatusAccepted {
		t.Fatalf("notify status = %d, want 202", status)
	}
	eventually(t, "notification recorded", func() bool {
		return len(pro.Snapshot().Notifications) == 1
	})
}

func TestCore_SendRateLimited(t *testing.T) {
	sessions := redisSessions(t)
	limiter := ratelimit.NewLimiter(sessions.Client())
	rule := ratelimit.SendRule(2, 10*time.Second)

	tr := newTestRelay(t, func(c *Config, o *Options) {
		c.SendRule = rule
		o.Sessions = sessions
		o.Limiter = limiter
	})
	limiter.Reset(context.Background(), "test_pro", rule)
	t.Cleanup(func() { limiter.Reset(context.Background(), "test_pro", rule) })

	const token = "test_pro:PROMOTER"
	if err := tr.store.PutCampaign(context.Background(), "c2", "adv1"); err != nil {
		t.Fatalf("PutCampaign: %v", err)
	}
	hc := tr.history(token)
	th, err := hc.CreateThread(context.Background(), "c2")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := hc.SendMessage(context.Background(), th.ID, "hi"); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	_, err = hc.SendMessage(context.Background(), th.ID, "hi")
	if status, code := apiCode(err); status != 429 || code != "rate_limited" {
		t.Fatalf("third send = %d %q (%v), want 429 rate_limited", status, code, err)
	}
}
