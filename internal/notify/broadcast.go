// Package notify provides a bounded in-process broadcast channel. Delivery is
// best-effort: a slow subscriber drops its own oldest pending message instead
// of blocking the publisher.
package notify

import (
	"sync"
	"time"
)

// Topic names for the broadcast channel.
const (
	TopicReorg  = "reorg"
	TopicAlerts = "alerts"
)

// Message is one published item.
type Message struct {
	Topic       string    `json:"topic"`
	Payload     any       `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

type subscriber struct {
	topic string
	ch    chan Message
}

// Broadcaster fans out messages to per-topic subscribers.
type Broadcaster struct {
	buffer int

	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped uint64
	closed  bool
}

// NewBroadcaster creates a broadcaster whose subscribers each buffer up to
// buffer pending messages.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{
		buffer: buffer,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Subscribe registers a subscriber for topic. The returned cancel func must
// be called to release the subscription; the channel is closed by cancel or
// by Close.
func (b *Broadcaster) Subscribe(topic string) (<-chan Message, func()) {
	sub := &subscriber{topic: topic, ch: make(chan Message, b.buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish sends payload to every subscriber of topic. When a subscriber's
// buffer is full its oldest pending message is discarded to make room.
func (b *Broadcaster) Publish(topic string, payload any) {
	msg := Message{Topic: topic, Payload: payload, PublishedAt: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		if sub.topic != topic {
			continue
		}
		for {
			select {
			case sub.ch <- msg:
			default:
				select {
				case <-sub.ch:
					b.dropped++
				default:
				}
				continue
			}
			break
		}
	}
}

// Dropped returns how many messages were discarded due to slow subscribers.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close terminates all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}
