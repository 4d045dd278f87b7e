// Package invalidate publishes cache invalidation events so that readers of a cached recipe
// page (or of the page list) know to reload it.
package invalidate

import (
	"context"
	"sync"
	"time"
)

// AllPages is the page ID used for the page list of a credential.
const AllPages = "all"

const defaultBufferSize = 16

// Key identifies what was invalidated.
type Key struct {
	Credential string `json:"credential"`
	PageID     string `json:"page_id"`
}

// Event is one invalidation.
type Event struct {
	Key Key       `json:"key"`
	At  time.Time `json:"at"`
}

// Bus fans invalidation events out to subscribers. Delivery is best effort: slow subscribers
// drop events instead of blocking publishers.
type Bus interface {
	Publish(ctx context.Context, key Key) error
	// Subscribe returns a stream of events for key and a cancel function. The subscription
	// also ends when ctx is done. The stream is not closed.
	Subscribe(ctx context.Context, key Key) (<-chan Event, func())
}

// PublishPage publishes the page key and the page list key of a credential.
func PublishPage(ctx context.Context, bus Bus, credential, pageID string) error {
	if err := bus.Publish(ctx, Key{Credential: credential, PageID: pageID}); err != nil {
		return err
	}
	return bus.Publish(ctx, Key{Credential: credential, PageID: AllPages})
}

// MemoryBus is an in-process Bus.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[Key]map[int64]chan Event
	nextID      int64
	bufferSize  int
	now         func() time.Time
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[Key]map[int64]chan Event),
		bufferSize:  defaultBufferSize,
		now:         time.Now,
	}
}

// Publish delivers an event to the current subscribers of key.
func (b *MemoryBus) Publish(_ context.Context, key Key) error {
	b.deliver(Event{Key: key, At: b.now()})
	return nil
}

func (b *MemoryBus) deliver(event Event) {
	b.mu.RLock()
	subscribers := b.subscribers[event.Key]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	streams := make([]chan Event, 0, len(subscribers))
	for _, stream := range subscribers {
		streams = append(streams, stream)
	}
	b.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, key Key) (<-chan Event, func()) {
	stream := make(chan Event, b.bufferSize)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[int64]chan Event)
	}
	b.subscribers[key][id] = stream
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.unsubscribe(key, id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return stream, cancel
}

func (b *MemoryBus) unsubscribe(key Key, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers := b.subscribers[key]
	if subscribers == nil {
		return
	}
	delete(subscribers, id)
	if len(subscribers) == 0 {
		delete(b.subscribers, key)
	}
}

// subscriberCount is used by tests.
func (b *MemoryBus) subscriberCount(key Key) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[key])
}
