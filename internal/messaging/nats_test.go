package messaging

import (
	"testing"
	"time"
)

// newTestClient connects to a local NATS server. Tests that call this helper
// require a running NATS on localhost:4222.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Name = "convsync-test"
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestThreadEventsRoundTrip(t *testing.T) {
	c := newTestClient(t)

	got := make(chan []byte, 4)
	if err := c.SubscribeThreadEvents(func(data []byte) { got <- data }); err != nil {
		t.Fatalf("SubscribeThreadEvents: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := c.PublishThreadEvent("t-42", []byte(`{"type":"typing"}`)); err != nil {
		t.Fatalf("PublishThreadEvent: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != `{"type":"typing"}` {
			t.Errorf("unexpected payload %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for thread event")
	}
}

func TestUnsubscribeThreadEvents(t *testing.T) {
	c := newTestClient(t)

	if err := c.UnsubscribeThreadEvents(); err == nil {
		t.Error("expected error when nothing is subscribed")
	}
	if err := c.SubscribeThreadEvents(func([]byte) {}); err != nil {
		t.Fatalf("SubscribeThreadEvents: %v", err)
	}
	if err := c.UnsubscribeThreadEvents(); err != nil {
		t.Errorf("UnsubscribeThreadEvents: %v", err)
	}
}
