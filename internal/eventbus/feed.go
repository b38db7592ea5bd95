package eventbus

import (
	"context"
	"sync"

	"github.com/jnst/txevents/internal/metrics"
	"github.com/jnst/txevents/internal/model"
)

type feed struct {
	mu     sync.Mutex
	subs   map[uint64]chan model.Event
	next   uint64
	buffer int
	closed bool
	done   chan struct{}
}

func newFeed(buffer int) *feed {
	return &feed{
		subs:   make(map[uint64]chan model.Event),
		buffer: buffer,
		done:   make(chan struct{}),
	}
}

func (f *feed) subscribe(ctx context.Context) <-chan model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan model.Event, f.buffer)
	if f.closed {
		close(ch)
		return ch
	}

	f.next++
	id := f.next
	f.subs[id] = ch

	go func() {
		select {
		case <-ctx.Done():
			f.remove(id)
		case <-f.done:
		}
	}()

	return ch
}

func (f *feed) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(ch)
	}
}

func (f *feed) broadcast(event model.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subs {
		select {
		case ch <- event:
		default:
			metrics.IncFeedDrop()
		}
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	close(f.done)

	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
