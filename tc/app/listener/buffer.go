package listener

import (
	"context"
	"sync"

	"github.com/ikenchina/sagastream/tc/app/model"
)

// dropOldestBuffer is a bounded FIFO. Push never blocks: when the buffer is
// full the oldest item is discarded.
type dropOldestBuffer struct {
	mu      sync.Mutex
	items   []model.Delivery
	head    int
	size    int
	closed  bool
	signal  chan struct{}
	dropped func(model.Delivery)
}

func newDropOldestBuffer(capacity int, dropped func(model.Delivery)) *dropOldestBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &dropOldestBuffer{
		items:   make([]model.Delivery, capacity),
		signal:  make(chan struct{}, 1),
		dropped: dropped,
	}
}

func (b *dropOldestBuffer) Push(d model.Delivery) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var old model.Delivery
	full := b.size == len(b.items)
	if full {
		old = b.items[b.head]
		b.head = (b.head + 1) % len(b.items)
		b.size--
	}
	b.items[(b.head+b.size)%len(b.items)] = d
	b.size++
	b.mu.Unlock()

	if full && b.dropped != nil {
		b.dropped(old)
	}
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Pop blocks until an item is available. It returns false once the buffer
// is closed or ctx is done.
func (b *dropOldestBuffer) Pop(ctx context.Context) (model.Delivery, bool) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return model.Delivery{}, false
		}
		if b.size > 0 {
			d := b.items[b.head]
			b.items[b.head] = model.Delivery{}
			b.head = (b.head + 1) % len(b.items)
			b.size--
			b.mu.Unlock()
			return d, true
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.Delivery{}, false
		case <-b.signal:
		}
	}
}

func (b *dropOldestBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Close discards buffered items and wakes up Pop.
func (b *dropOldestBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.size = 0
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}
