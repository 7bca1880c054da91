package chat

import (
	"encoding/json"
	"time"
)

// MaxNotifications is the default number of recent notifications retained.
const MaxNotifications = 20

// Notification is an informational push that does not affect thread state.
type Notification struct {
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// NotificationBuffer stores the last N notifications in a ring buffer.
// It is not goroutine-safe; the owner serializes access.
type NotificationBuffer struct {
	items []Notification
	pos   int
	count int
}

// NewNotificationBuffer creates an empty buffer holding at most size entries.
// A non-positive size falls back to MaxNotifications.
func NewNotificationBuffer(size int) *NotificationBuffer {
	if size <= 0 {
		size = MaxNotifications
	}
	return &NotificationBuffer{items: make([]Notification, size)}
}

// Add appends a notification. If the buffer is full, the oldest entry is
// overwritten.
func (nb *NotificationBuffer) Add(n Notification) {
	size := len(nb.items)
	nb.items[nb.pos] = n
	nb.pos = (nb.pos + 1) % size
	if nb.count < size {
		nb.count++
	}
}

// List returns the retained notifications oldest first. The result is a
// copy and never nil.
func (nb *NotificationBuffer) List() []Notification {
	size := len(nb.items)
	result := make([]Notification, nb.count)
	// The oldest entry is at position (pos - count) mod size.
	start := (nb.pos - nb.count + size) % size
	for i := 0; i < nb.count; i++ {
		result[i] = nb.items[(start+i)%size]
	}
	return result
}

// Len returns the number of retained notifications.
func (nb *NotificationBuffer) Len() int {
	return nb.count
}
