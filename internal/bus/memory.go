package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// ErrHubClosed is returned when subscribing to a closed hub.
var ErrHubClosed = errors.New("bus: hub closed")

type subscriber struct {
	ch     chan Notification
	filter Filter
}

// MemoryHub is an in-process Hub backed by channels.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	seq    atomic.Uint64
	closed bool
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish delivers n to every matching subscriber without blocking.
func (h *MemoryHub) Publish(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.deliver(n)
	return nil
}

func (h *MemoryHub) deliver(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.match(n) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			// slow subscriber: drop
		}
	}
}

// Subscribe registers a filtered subscription. The returned cancel function
// removes it and closes the channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Notification, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	size := filter.Buffer
	if size <= 0 {
		size = defaultChannelBuffer
	}
	id := h.seq.Add(1)
	ch := make(chan Notification, size)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrHubClosed
	}
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

// Close drops every subscription.
func (h *MemoryHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
	h.closed = true
	return nil
}

var _ Hub = (*MemoryHub)(nil)
