package coordinator

import (
	"context"
	"sync"

	"github.com/grovetools/ptyhost/pkg/models"
)

// DefaultForwardQueue bounds the data events held for a UI that is not reading.
const DefaultForwardQueue = 4096

// Forwarder relays backend data and exit events to a UI consumer on its own
// goroutine. Enqueueing never blocks: when the queue is full the oldest data
// event is dropped. Exit events are always kept.
type Forwarder struct {
	out      chan models.Event
	maxQueue int

	mu      sync.Mutex
	queue   []models.Event
	data    int
	dropped int
	wake    chan struct{}
}

// NewForwarder creates a forwarder whose output channel has the given buffer.
func NewForwarder(buffer int) *Forwarder {
	return &Forwarder{
		out:      make(chan models.Event, buffer),
		maxQueue: DefaultForwardQueue,
		wake:     make(chan struct{}, 1),
	}
}

// Events returns the channel the UI reads.
func (f *Forwarder) Events() <-chan models.Event {
	return f.out
}

// Dropped reports how many data events were discarded for a slow reader.
func (f *Forwarder) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

func (f *Forwarder) enqueue(ev models.Event) {
	f.mu.Lock()
	if ev.Type == models.EventTypeData {
		if f.data >= f.maxQueue {
			for i, q := range f.queue {
				if q.Type == models.EventTypeData {
					f.queue = append(f.queue[:i], f.queue[i+1:]...)
					f.data--
					f.dropped++
					break
				}
			}
		}
		f.data++
	}
	f.queue = append(f.queue, ev)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Forwarder) next() (models.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return models.Event{}, false
	}
	ev := f.queue[0]
	f.queue = f.queue[1:]
	if ev.Type == models.EventTypeData {
		f.data--
	}
	return ev, true
}

// run delivers queued events until ctx is done.
func (f *Forwarder) run(ctx context.Context) {
	for {
		ev, ok := f.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-f.wake:
				continue
			}
		}
		select {
		case f.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
