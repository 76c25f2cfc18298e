package notifications

import (
	"context"
	"sync"
)

// Message is an event delivered through a Bus.
type Message struct {
	Event   Event
	Payload Payload
}

// Bus is an in-process Service that fans events out to subscribers, for
// downstream consumers (gift dispatch, email) running in the same process.
// Delivery never blocks the publisher: a full subscriber buffer drops the
// message and counts it.
type Bus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Message
	dropped int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Message)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// function unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish implements Service.
func (b *Bus) Publish(ctx context.Context, event Event, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- Message{Event: event, Payload: payload}:
		default:
			b.dropped++
		}
	}
	return nil
}

// Dropped reports how many deliveries were discarded on full buffers.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
