// Package bus is the in-process publish/subscribe channel for corpus change
// events. Delivery is in publication order per subscriber; a subscriber that
// falls too far behind is dropped rather than blocking publishers.
package bus

import (
	"sync"
	"time"

	"membank/internal/logging"
)

// Kind enumerates event types carried on the bus.
type Kind string

const (
	MemoryAdded     Kind = "memory-added"
	MemoryUpdated   Kind = "memory-updated"
	MemoryDeleted   Kind = "memory-deleted"
	TaskAdded       Kind = "task-added"
	TaskUpdated     Kind = "task-updated"
	TaskDeleted     Kind = "task-deleted"
	SettingsChanged Kind = "settings-changed"
)

// Event is a single corpus change notification.
type Event struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id,omitempty"`
	Project   string    `json:"project,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// DefaultQueueSize bounds each subscriber queue.
const DefaultQueueSize = 256

// Subscription receives events on C until Close or until the bus drops it
// for falling behind.
type Subscription struct {
	C    <-chan Event
	name string
	ch   chan Event
	once sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// Bus fans events out to subscribers.
type Bus struct {
	logger logging.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New constructs an empty bus.
func New(logger logging.Logger) *Bus {
	return &Bus{
		logger: logging.OrNop(logger),
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a named subscriber with the given queue capacity
// (DefaultQueueSize when <= 0).
func (b *Bus) Subscribe(name string, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ch := make(chan Event, queueSize)
	sub := &Subscription{C: ch, ch: ch, name: name}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches and closes the subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, present := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if present {
		sub.Close()
	}
}

// Publish delivers the event to every subscriber without blocking. A
// subscriber whose queue is full is dropped with a warning.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var dropped []*Subscription
	b.mu.RLock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			dropped = append(dropped, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range dropped {
		b.logger.Warn("dropping slow bus subscriber %q (queue full)", sub.name)
		b.Unsubscribe(sub)
	}
}

// SubscriberCount reports the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
