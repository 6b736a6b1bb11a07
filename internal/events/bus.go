package events

import (
	"sync"
	"sync/atomic"
)

type subscription struct {
	ch     chan Message
	topics map[Event]bool // nil matches every topic
}

// Bus is a lightweight pub/sub broker using channels. Publishing never
// blocks: a subscriber that falls behind loses messages.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	dropped atomic.Int64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

// Subscribe registers a listener for the given topics (all topics when none
// are named) and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Message, func()) {
	s := &subscription{ch: make(chan Message, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[Event]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}

// Publish fans the payload out to matching subscribers.
func (b *Bus) Publish(e Event, payload any) {
	if b == nil {
		return
	}
	msg := Message{Event: e, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.topics != nil && !s.topics[e] {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many messages slow subscribers missed.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
