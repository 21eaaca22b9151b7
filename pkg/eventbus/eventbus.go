package eventbus

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/driftwire/driftwire/pkg/types"
)

var log = logging.Logger("eventbus")

// DefaultBuffer is the channel depth used when a caller passes 0
const DefaultBuffer = 128

// Bus fans transfer events out to any number of listeners. Delivery is
// best-effort: a full listener buffer drops the event instead of blocking,
// so the transfer loop never stalls on a slow observer. One bus is built per
// process and handed to every publishing component; there is no hidden
// global instance.
type Bus struct {
	mu        sync.Mutex
	primary   chan types.Event
	listeners map[uint64]chan types.Event
	nextID    uint64
	closed    bool
}

// Listener is a receive handle returned by AddListener. Closing it removes
// the registration.
type Listener struct {
	bus *Bus
	id  uint64
	ch  chan types.Event
}

// C returns the receive channel
func (l *Listener) C() <-chan types.Event {
	return l.ch
}

// Close unregisters the listener and closes its channel
func (l *Listener) Close() {
	l.bus.removeListener(l.id)
}

// NewBus creates a bus whose primary channel holds up to buffer events
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		primary:   make(chan types.Event, buffer),
		listeners: make(map[uint64]chan types.Event),
	}
}

// Events returns the primary channel
func (b *Bus) Events() <-chan types.Event {
	return b.primary
}

// AddListener registers a fresh receive handle. The single lock-guarded
// registration path is safe from any goroutine.
func (b *Bus) AddListener(buffer int) *Listener {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan types.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if !b.closed {
		b.listeners[id] = ch
	} else {
		close(ch)
	}
	return &Listener{bus: b, id: id, ch: ch}
}

func (b *Bus) removeListener(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.listeners[id]; ok {
		delete(b.listeners, id)
		close(ch)
	}
}

// Publish delivers evt to the primary channel and every registered
// listener. Full buffers drop the event. The sends stay under the lock so a
// listener closing its channel concurrently can never be sent to; every
// send is non-blocking, so holding the lock never stalls the publisher.
func (b *Bus) Publish(evt types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	select {
	case b.primary <- evt:
	default:
		log.Debugw("dropping event, primary channel full", "kind", evt.Kind())
	}
	for _, ch := range b.listeners {
		select {
		case ch <- evt:
		default:
			log.Debugw("dropping event for slow listener", "kind", evt.Kind())
		}
	}
}

// Close shuts the bus down and closes every channel
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.primary)
	for id, ch := range b.listeners {
		delete(b.listeners, id)
		close(ch)
	}
}
