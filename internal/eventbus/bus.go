// Package eventbus is a small in-memory fanout used to stream scheduler
// events to diagnostics clients.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Bus delivers every published value to every subscriber.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels.
//   - Slow subscribers drop values (bounded backpressure).
type Bus[T any] interface {
	Publish(v T)
	Subscribe(buffer int) (ch <-chan T, unsubscribe func())
	// Dropped counts values not delivered to a full subscriber.
	Dropped() uint64
}

// New returns a bus that owns no goroutines.
func New[T any]() Bus[T] {
	return &memBus[T]{subs: map[uint64]chan T{}}
}

type memBus[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]chan T
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus[T]) Publish(v T) {
	// Sends happen under the read lock so unsubscribe cannot close a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan T, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus[T]) Dropped() uint64 { return b.dropped.Load() }
