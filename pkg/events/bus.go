// Package events delivers upload outcomes to whoever is listening. Publishing
// never waits for a subscriber.
package events

import (
	"sync"

	"trackup/pkg/logger"
	"trackup/pkg/upload"
)

type subscriber struct {
	name string
	ch   chan upload.Outcome
}

// Bus fans every published outcome out to all current subscribers. Each
// subscriber owns a buffered channel; when it is full the outcome is dropped
// for that subscriber only.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	buffer int
	closed bool
	logger *logger.Logger
}

func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		buffer: buffer,
		logger: logger.NewDefault().With(map[string]any{"component": "events"}),
	}
}

// Subscribe registers a new observer. The returned func detaches it and
// closes the channel; calling it more than once is harmless.
func (b *Bus) Subscribe(name string) (<-chan upload.Outcome, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan upload.Outcome, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{name: name, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish hands outcome to every subscriber. Each one gets its own copy.
func (b *Bus) Publish(outcome upload.Outcome) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- outcome.Clone():
		default:
			b.logger.Warn("subscriber is full, dropping outcome", map[string]any{
				"subscriber": sub.name,
				"tag":        outcome.Tag,
				"attempt_id": outcome.AttemptID,
			})
		}
	}
}

// Subscribers returns the number of attached observers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscriber. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
