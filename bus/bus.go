// Package bus implements the in-process publish/subscribe bus that decouples
// event producers (chat transport, gameplay detector, webhook receiver) from
// consumers (response engine, clip pipeline). Delivery is synchronous and in
// subscription order, so events published from a single goroutine are observed
// by every subscriber in emission order.
package bus

import "sync"

// Topic names used across the bot. Payload types are documented per topic.
const (
	// TopicGameplayEvent carries gameplay.Event values.
	TopicGameplayEvent = "gameplay.event"
	// TopicChatMessage carries chat.Message values.
	TopicChatMessage = "chat.message"
	// TopicClipCreated carries clips.Request values (state Created or Simulated).
	TopicClipCreated = "clip.created"
	// TopicPlatformEvent carries eventsub.Notification values.
	TopicPlatformEvent = "platform.event"
)

// Handler consumes a single published payload.
type Handler func(data any)

// Bus is a minimal topic -> ordered subscriber list fan-out. Safe for
// concurrent use. There is no cross-process delivery and no buffering;
// Publish runs every handler before returning.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string][]Handler)}
}

// Subscribe registers h for topic. Handlers run in registration order.
func (b *Bus) Subscribe(topic string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish delivers data to every subscriber of topic, synchronously.
func (b *Bus) Publish(topic string, data any) {
	b.mu.RLock()
	handlers := b.subs[topic]
	b.mu.RUnlock()
	for _, h := range handlers {
		h(data)
	}
}

// Subscribers returns the number of handlers registered for topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
