// Package stream provides the push-based streams the engine exposes to its
// host: connection status, order updates and inventory changes.
package stream

import "sync"

// Hub fans values out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the value (coalescing subscribers instead
// keep only the newest one).
//
// Thread-safety: all methods are safe for concurrent use.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[int]*subscriber[T]
	nextID int
	closed bool
}

type subscriber[T any] struct {
	ch       chan T
	coalesce bool
	match    func(T) bool
	last     func(T) bool
}

// NewHub returns an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[int]*subscriber[T])}
}

// Subscribe returns a channel receiving every published value, buffered to
// buffer entries, and a cancel func that closes it.
func (h *Hub[T]) Subscribe(buffer int) (<-chan T, func()) {
	return h.add(&subscriber[T]{ch: make(chan T, max(buffer, 1))})
}

// SubscribeLatest returns a channel that always holds the most recent value
// only. Suited to state streams where intermediate values may be skipped.
func (h *Hub[T]) SubscribeLatest() (<-chan T, func()) {
	return h.add(&subscriber[T]{ch: make(chan T, 1), coalesce: true})
}

// SubscribeLatestFrom is SubscribeLatest with the channel already holding v.
func (h *Hub[T]) SubscribeLatestFrom(v T) (<-chan T, func()) {
	s := &subscriber[T]{ch: make(chan T, 1), coalesce: true}
	s.ch <- v
	return h.add(s)
}

// SubscribeFilter returns a channel receiving published values for which
// match returns true. The channel is closed after delivering a value for
// which last returns true; that value is always delivered, evicting the
// oldest buffered value if needed. last may be nil.
func (h *Hub[T]) SubscribeFilter(buffer int, match, last func(T) bool) (<-chan T, func()) {
	return h.add(&subscriber[T]{ch: make(chan T, max(buffer, 1)), match: match, last: last})
}

func (h *Hub[T]) add(s *subscriber[T]) (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		return s.ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	return s.ch, func() { h.remove(id) }
}

func (h *Hub[T]) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Publish delivers v to every subscriber. Returns the number of
// subscribers that missed a value because their buffer was full.
func (h *Hub[T]) Publish(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	for id, s := range h.subs {
		if s.match != nil && !s.match(v) {
			continue
		}
		if s.coalesce {
			select {
			case <-s.ch:
			default:
			}
		}
		last := s.last != nil && s.last(v)
		select {
		case s.ch <- v:
		default:
			dropped++
			if last {
				// The final value replaces the oldest one.
				select {
				case <-s.ch:
				default:
				}
				select {
				case s.ch <- v:
				default:
				}
			}
		}
		if last {
			delete(h.subs, id)
			close(s.ch)
		}
	}
	return dropped
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later subscriptions receive an
// already closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}
