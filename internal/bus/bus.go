// Package bus is the in-process prefix pub/sub that carries transitions,
// lock decisions, gate verdicts and governance changes to live subscribers.
//
// Delivery is best effort. A subscriber whose buffer is full loses the
// event and its Dropped counter grows; publishers never block. The event
// log, not the bus, is the durable record.
package bus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 128

// Event is one published message.
type Event struct {
	Topic   string
	At      time.Time
	Payload any
}

// Subscription receives events whose topic starts with one of its prefixes.
type Subscription struct {
	id       uint64
	prefixes []string
	ch       chan Event
	dropped  atomic.Int64
}

// Ch is closed by Unsubscribe or Close.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped counts events lost to a full buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) wants(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus fans published events out to matching subscriptions.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	now    func() time.Time
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription), now: time.Now}
}

// Subscribe registers for topics starting with any of prefixes. No prefix,
// or an empty one, matches everything. On a closed bus the returned
// subscription's channel is already closed.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	return b.SubscribeBuffered(DefaultBuffer, prefixes...)
}

// SubscribeBuffered is Subscribe with an explicit channel capacity.
func (b *Bus) SubscribeBuffered(size int, prefixes ...string) *Subscription {
	if size <= 0 {
		size = DefaultBuffer
	}
	if slices.Contains(prefixes, "") {
		prefixes = nil
	}
	sub := &Subscription{prefixes: slices.Clone(prefixes), ch: make(chan Event, size)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers payload to every subscription whose prefixes match topic.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, At: b.now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close ends every subscription. Later publishes go nowhere and later
// subscriptions start closed. Live feeds use this to disconnect on shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
