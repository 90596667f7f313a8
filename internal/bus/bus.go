// Package bus fans watch events out to any number of subscribers.
//
// A Bus is itself a watchman.Sink, so one poll cycle can feed the
// terminal printer and the stream server at once. Each Bus owns its
// subscriber list; there is no process-wide registry.
package bus

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/incbuild/incwatch/internal/watchman"
)

// Bus delivers every posted event to each subscriber, synchronously and
// in subscription order.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]watchman.Sink
	nextID      uint64
	published   atomic.Uint64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[uint64]watchman.Sink)}
}

// Subscribe registers sink and returns a function that removes it.
func (b *Bus) Subscribe(sink watchman.Sink) func() {
	if sink == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = sink
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
}

// Post implements watchman.Sink.
func (b *Bus) Post(event watchman.Event) {
	b.published.Add(1)
	for _, sink := range b.snapshot() {
		sink.Post(event)
	}
}

// snapshot returns subscribers ordered by subscription so delivery order
// is stable and sinks may unsubscribe while being called.
func (b *Bus) snapshot() []watchman.Sink {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	sinks := make([]watchman.Sink, len(ids))
	for i, id := range ids {
		sinks[i] = b.subscribers[id]
	}
	b.mu.RUnlock()
	return sinks
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Published returns how many events have been posted.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}
