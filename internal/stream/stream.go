// Package stream fans hierarchy events out to live subscribers such as
// Server-Sent Events clients.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/defiant4/organization-management-service/internal/org"
)

const defaultBuffer = 16

// Filter selects the events a subscriber receives. A nil filter accepts all.
type Filter func(org.Event) bool

type subscriber struct {
	ch     chan org.Event
	filter Filter
}

// Broker fan-outs events to all active subscribers. It satisfies
// org.EventSink and never blocks the publisher.
type Broker struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	buffer  int
	dropped atomic.Uint64
}

// NewBroker creates a broker whose subscriber channels hold buffer events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker{subs: make(map[int]subscriber), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (b *Broker) Subscribe(ctx context.Context, filter Filter) <-chan org.Event {
	ch := make(chan org.Event, b.buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

// Publish delivers ev to every interested subscriber.
func (b *Broker) Publish(_ context.Context, ev org.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Drop when subscriber is slow to avoid blocking.
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Broker) Dropped() uint64 { return b.dropped.Load() }
