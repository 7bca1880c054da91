package chat

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func note(i int) Notification {
	return Notification{
		Payload:    json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		ReceivedAt: time.Unix(int64(i), 0),
	}
}

func TestAddAndList(t *testing.T) {
	nb := NewNotificationBuffer(5)

	for i := 1; i <= 3; i++ {
		nb.Add(note(i))
	}

	got := nb.List()
	if len(got) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(got))
	}
	for i, n := range got {
		want := fmt.Sprintf(`{"n":%d}`, i+1)
		if string(n.Payload) != want {
			t.Errorf("index %d: expected %s, got %s", i, want, n.Payload)
		}
	}
}

func TestRingBufferWraparound(t *testing.T) {
	nb := NewNotificationBuffer(5)

	// Add 7 notifications; the buffer holds only 5.
	for i := 1; i <= 7; i++ {
		nb.Add(note(i))
	}

	got := nb.List()
	if len(got) != 5 {
		t.Fatalf("expected 5 notifications, got %d", len(got))
	}

	// Should contain notifications 3 through 7 in order.
	for i, n := range got {
		want := fmt.Sprintf(`{"n":%d}`, i+3)
		if string(n.Payload) != want {
			t.Errorf("index %d: expected %s, got %s", i, want, n.Payload)
		}
	}
}

func TestListEmpty(t *testing.T) {
	nb := NewNotificationBuffer(0)

	got := nb.List()
	if got == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(got) != 0 {
		t.Fatalf("expected 0 notifications, got %d", len(got))
	}
	if len(nb.items) != MaxNotifications {
		t.Fatalf("expected default capacity %d, got %d", MaxNotifications, len(nb.items))
	}
}

func TestListReturnsCopy(t *testing.T) {
	nb := NewNotificationBuffer(2)
	nb.Add(note(1))

	got := nb.List()
	got[0].Payload = json.RawMessage(`{}`)

	if string(nb.List()[0].Payload) != `{"n":1}` {
		t.Fatal("mutating the listed slice changed the buffer")
	}
}
