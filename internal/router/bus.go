package router

import (
	"log/slog"
	"sync"

	"github.com/meltingice/hyperliquid-sub002/internal/model"
)

// Bus is a fire-and-forget topic broadcaster for stream events. Each
// subscriber gets its own unbounded buffer, so Publish never blocks on a
// slow consumer.
type Bus struct {
	cfg    BusConfig
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]*GrowableBuffer[model.Event]
	closed bool

	published  int64
	delivered  int64
	unobserved int64
}

// NewBus creates an event bus.
func NewBus(cfg BusConfig, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubscriberBufferSize <= 0 {
		cfg.SubscriberBufferSize = DefaultBusConfig().SubscriberBufferSize
	}
	return &Bus{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string][]*GrowableBuffer[model.Event]),
	}
}

// Subscribe returns a buffer receiving every event later published on topic.
// TopicAll receives every topic. The buffer is closed by Unsubscribe or Close.
func (b *Bus) Subscribe(topic string) *GrowableBuffer[model.Event] {
	buf := NewGrowableBuffer[model.Event](b.cfg.SubscriberBufferSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		buf.Close()
		return buf
	}
	b.subs[topic] = append(b.subs[topic], buf)
	b.logger.Debug("bus subscriber added", "topic", topic)
	return buf
}

// Unsubscribe detaches buf from topic and closes it.
func (b *Bus) Unsubscribe(topic string, buf *GrowableBuffer[model.Event]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[topic]
	for i, s := range list {
		if s == buf {
			b.subs[topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
	buf.Close()
}

// Publish broadcasts ev to subscribers of topic and of TopicAll.
func (b *Bus) Publish(topic string, ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.published++

	n := 0
	for _, buf := range b.subs[topic] {
		if buf.Send(ev) {
			n++
		}
	}
	if topic != TopicAll {
		for _, buf := range b.subs[TopicAll] {
			if buf.Send(ev) {
				n++
			}
		}
	}
	if n == 0 {
		b.unobserved++
	}
	b.delivered += int64(n)
}

// Close closes every subscriber buffer. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for topic, list := range b.subs {
		for _, buf := range list {
			buf.Close()
		}
		delete(b.subs, topic)
	}
}

// Stats returns current statistics.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BusStats{
		Published:   b.published,
		Delivered:   b.delivered,
		Unobserved:  b.unobserved,
		Subscribers: make(map[string]int, len(b.subs)),
		Buffers:     make(map[string]BufferStats, len(b.subs)),
	}
	for topic, list := range b.subs {
		stats.Subscribers[topic] = len(list)
		if len(list) > 0 {
			stats.Buffers[topic] = list[0].Stats()
		}
	}
	return stats
}
