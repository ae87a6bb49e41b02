package sase

import (
	"sync"
	"sync/atomic"
)

// DefaultHubCapacity is the per-subscriber buffer size used when a Hub is
// created with a non-positive capacity.
const DefaultHubCapacity = 100

// Hub distributes audit records to live subscribers.
//
// Delivery is lossy: when a subscriber falls behind, the oldest entries in
// its buffer are discarded to make room, so Publish never waits on a slow
// reader. Each subscriber sees entries in publish order.
type Hub struct {
	capacity int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool

	dropped atomic.Uint64
}

// Subscription is a live view of a Hub. Entries published after the
// subscription was created arrive on C.
type Subscription struct {
	hub  *Hub
	ch   chan LogEntry
	once sync.Once
}

// NewHub creates a Hub whose subscribers each buffer up to capacity entries.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultHubCapacity
	}
	return &Hub{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber. There is no replay: only entries
// published after Subscribe returns are delivered. Subscribing to a closed
// hub returns a subscription whose channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{hub: h, ch: make(chan LogEntry, h.capacity)}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Publish delivers entry to every current subscriber. It never blocks and
// never fails; with no subscribers, or after Close, the entry is discarded.
func (h *Hub) Publish(entry LogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for sub := range h.subs {
		h.deliver(sub, entry)
	}
}

// deliver is called with h.mu held, which keeps publishers from
// interleaving and preserves per-subscriber order.
func (h *Hub) deliver(sub *Subscription, entry LogEntry) {
	for {
		select {
		case sub.ch <- entry:
			return
		default:
		}

		// Buffer full: drop the oldest entry. The reader may have drained
		// it concurrently, in which case the next send succeeds.
		select {
		case <-sub.ch:
			h.dropped.Add(1)
		default:
		}
	}
}

// Close detaches and closes every subscriber. Later publishes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Closed reports whether Close has been called.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the total number of entries discarded because a
// subscriber's buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// C returns the channel on which entries are delivered. It is closed when
// the subscription or the hub is closed.
func (s *Subscription) C() <-chan LogEntry {
	return s.ch
}

// Close detaches the subscription from its hub. It is safe to call more
// than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()

	s.once.Do(func() { close(s.ch) })
}
