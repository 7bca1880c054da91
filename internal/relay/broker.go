package relay

import (
	"sync"

	"github.com/campaignhub/convsync/internal/messaging"
)

// Broker fans thread events out to every relay process, including the one
// that published them.
type Broker interface {
	Publish(threadID string, data []byte) error
	Subscribe(handler func(data []byte)) error
	Close()
}

// LocalBroker delivers published events synchronously to in-process
// subscribers. It serves a single relay process.
type LocalBroker struct {
	mu       sync.RWMutex
	handlers []func(data []byte)
}

// NewLocalBroker returns an empty LocalBroker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

func (b *LocalBroker) Publish(threadID string, data []byte) error {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *LocalBroker) Subscribe(handler func(data []byte)) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	return nil
}

func (b *LocalBroker) Close() {
	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()
}

// NATSBroker carries thread events over NATS so several relays can serve
// the same users.
type NATSBroker struct {
	client *messaging.NATSClient
}

// NewNATSBroker wraps a connected NATS client. Close closes the client.
func NewNATSBroker(client *messaging.NATSClient) *NATSBroker {
	return &NATSBroker{client: client}
}

func (b *NATSBroker) Publish(threadID string, data []byte) error {
	return b.client.PublishThreadEvent(threadID, data)
}

func (b *NATSBroker) Subscribe(handler func(data []byte)) error {
	return b.client.SubscribeThreadEvents(handler)
}

func (b *NATSBroker) Close() {
	b.client.Close()
}
