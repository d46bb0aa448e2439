package reconcile

import (
	"sync"

	"github.com/roach88/iapsync/internal/backend"
)

// EventType distinguishes the backend callbacks and internal work the
// coordinator loop processes.
type EventType int

const (
	EventTypeConnection EventType = iota + 1
	EventTypeProductData
	EventTypePurchaseResult
	EventTypePurchaseUpdates
	// EventTypeTask carries work handed back from the executor.
	EventTypeTask
)

func (t EventType) String() string {
	switch t {
	case EventTypeConnection:
		return "connection"
	case EventTypeProductData:
		return "product_data"
	case EventTypePurchaseResult:
		return "purchase_result"
	case EventTypePurchaseUpdates:
		return "purchase_updates"
	case EventTypeTask:
		return "task"
	}
	return "unknown"
}

// Event is one item on the coordinator queue. Exactly one payload field is
// set, matching Type.
type Event struct {
	Type       EventType
	Connection *backend.ConnectionResult
	Products   *backend.ProductDataResult
	Purchase   *backend.PurchaseResult
	Updates    *backend.PurchaseUpdatesResult
	Task       func()
}

// eventQueue is an unbounded FIFO. Backend callbacks enqueue from any
// goroutine; only the Run loop dequeues.
//
// signal has a buffer of one so bursts of Enqueue calls coalesce into a
// single wake-up. A closed queue refuses backend events but still takes
// tasks, so results of work that was in flight at Close are applied.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 32),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends e. Once the queue is closed only EventTypeTask events
// are accepted; anything else returns false.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed && e.Type != EventTypeTask {
		return false
	}
	q.events = append(q.events, e)
	q.notify()
	return true
}

// Notify wakes the waiting loop without queueing anything.
func (q *eventQueue) Notify() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify()
}

func (q *eventQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryDequeue pops the front event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]
	// Clear the slot so the backing array does not pin payloads.
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait signals that events may be available, or that the queue state
// changed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notify()
}
