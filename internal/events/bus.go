package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/audiolark/livevoice/internal/protocol"
)

// Bus is the single FIFO event channel connecting every pipeline producer
// to one consumer. Delivery order equals push order across all producers
// combined; there is no cross-type priority.
//
// The bus is bounded: when full, the oldest queued event is dropped, so a
// slow consumer costs stale events rather than growing latency.
type Bus struct {
	mu      sync.Mutex
	ch      chan protocol.Event
	closed  bool
	dropped uint64
	log     *slog.Logger
}

func NewBus(depth int, log *slog.Logger) *Bus {
	if depth <= 0 {
		depth = 1
	}
	return &Bus{
		ch:  make(chan protocol.Event, depth),
		log: log.With(slog.String("component", "event-bus")),
	}
}

// Publish enqueues an event without ever blocking the producer. On a full
// bus the oldest queued event is discarded first. Publishing after Close
// is a no-op.
func (b *Bus) Publish(evt protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for {
		select {
		case b.ch <- evt:
			return
		default:
		}
		select {
		case <-b.ch:
			b.dropped++
		default:
		}
	}
}

// Events exposes the receive side for the single consumer. After Close the
// channel still yields every already-queued event before reporting closed.
func (b *Bus) Events() <-chan protocol.Event {
	return b.ch
}

// Receive waits up to timeout for the next event. ok is false when the
// timeout elapses or the bus is closed and fully drained.
func (b *Bus) Receive(timeout time.Duration) (protocol.Event, bool) {
	select {
	case evt, ok := <-b.ch:
		return evt, ok
	case <-time.After(timeout):
		return nil, false
	}
}

// Close stops accepting events. Queued events remain readable; they are
// drained, not discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
	if b.dropped > 0 {
		b.log.Warn("event bus dropped events under backpressure", slog.Uint64("dropped", b.dropped))
	}
}

// Dropped reports how many events were discarded under backpressure.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
