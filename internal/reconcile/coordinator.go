// Package reconcile owns the engine components and routes backend events
// between them.
//
// Backend callbacks arrive on arbitrary goroutines. The Coordinator turns
// each one into an Event on an unbounded FIFO queue, and a single Run loop
// applies them in order: connection results go to the connection manager,
// product data to the inventory cache, purchases to the order engine.
// Results of engine I/O come back through the same queue, so order state is
// only ever changed by the loop.
//
// On every transition to Connected the loop refreshes the inventory for
// the skus requested so far and queries purchase history for in-app items
// and subscriptions, once per connect cycle.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/roach88/iapsync/internal/backend"
	"github.com/roach88/iapsync/internal/connection"
	"github.com/roach88/iapsync/internal/iap"
	"github.com/roach88/iapsync/internal/inventory"
	"github.com/roach88/iapsync/internal/orders"
	"github.com/roach88/iapsync/internal/pending"
	"github.com/roach88/iapsync/internal/sched"
)

// ErrClosed resolves queries abandoned by Close.
var ErrClosed = errors.New("reconcile: coordinator closed")

type settings struct {
	connection []connection.Option
	orders     []orders.Option
	inventory  []inventory.Option
	exec       sched.Executor
	logger     *slog.Logger
	onError    func(error)
}

// Option configures a Coordinator.
type Option func(*settings)

// WithConnectionConfig sets the retry policy.
func WithConnectionConfig(cfg connection.Config) Option {
	return func(s *settings) { s.connection = append(s.connection, connection.WithConfig(cfg)) }
}

// WithScheduler sets the timer source for reconnect backoff.
func WithScheduler(sc sched.Scheduler) Option {
	return func(s *settings) { s.connection = append(s.connection, connection.WithScheduler(sc)) }
}

// WithExecutor sets where validation and backend completion calls run.
func WithExecutor(x sched.Executor) Option {
	return func(s *settings) { s.exec = x }
}

// WithValidator registers the host order validator.
func WithValidator(v orders.Validator) Option {
	return func(s *settings) { s.orders = append(s.orders, orders.WithValidator(v)) }
}

// WithListener registers the host completion listener.
func WithListener(l orders.CompletionListener) Option {
	return func(s *settings) { s.orders = append(s.orders, orders.WithListener(l)) }
}

// WithIDGenerator sets the id source for purchase attempts and product
// queries.
func WithIDGenerator(g iap.IDGenerator) Option {
	return func(s *settings) {
		s.orders = append(s.orders, orders.WithIDGenerator(g))
		s.inventory = append(s.inventory, inventory.WithIDGenerator(g))
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithErrorHandler receives connection errors the engine cannot recover
// from on its own, such as RetriesExhausted.
func WithErrorHandler(f func(error)) Option {
	return func(s *settings) { s.onError = f }
}

// Coordinator wires the connection manager, inventory cache, pending
// registry and order engine around one backend.
//
// Thread-safety model:
//   - backend.Listener methods, Connect, Disconnect, Resume, Pause: safe
//     from any goroutine
//   - Run: must be called from exactly one goroutine
//
// Close stops intake of backend events. Validation and completion calls
// already handed to the executor still run to the end, and their results
// are applied by Run or Drain.
type Coordinator struct {
	backend  backend.Backend
	exec     *trackedExecutor
	conn     *connection.Manager
	cache    *inventory.Cache
	registry *pending.Registry
	engine   *orders.Engine
	queue    *eventQueue
	logger   *slog.Logger
	onError  func(error)

	// refreshed is set once the history refresh ran in the current connect
	// cycle. Only the Run loop touches it.
	refreshed bool
}

var _ backend.Listener = (*Coordinator)(nil)

// New builds a Coordinator for b.
func New(b backend.Backend, opts ...Option) *Coordinator {
	s := settings{
		exec:   &sched.Go{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&s)
	}

	c := &Coordinator{
		backend:  b,
		registry: pending.NewRegistry(),
		queue:    newEventQueue(),
		logger:   s.logger,
		onError:  s.onError,
	}
	c.exec = &trackedExecutor{next: s.exec, idle: c.queue.Notify}
	c.conn = connection.New(b, append([]connection.Option{
		connection.WithLogger(s.logger.With("component", "connection")),
		connection.WithErrorHandler(c.reportError),
	}, s.connection...)...)
	c.cache = inventory.New(b, append([]inventory.Option{
		inventory.WithLogger(s.logger.With("component", "inventory")),
	}, s.inventory...)...)
	c.engine = orders.New(b, c.cache, c.registry, append([]orders.Option{
		orders.WithLogger(s.logger.With("component", "orders")),
		orders.WithDispatcher(c.post),
		orders.WithExecutor(c.exec),
	}, s.orders...)...)
	return c
}

// Connection returns the connection manager.
func (c *Coordinator) Connection() *connection.Manager { return c.conn }

// Inventory returns the inventory cache.
func (c *Coordinator) Inventory() *inventory.Cache { return c.cache }

// Orders returns the order engine.
func (c *Coordinator) Orders() *orders.Engine { return c.engine }

// Registry returns the pending order registry.
func (c *Coordinator) Registry() *pending.Registry { return c.registry }

// Start registers the coordinator with the backend and connects.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.conn.Initialize(c); err != nil {
		return err
	}
	return c.conn.Connect(ctx)
}

// Connect starts a manual reconnect. It resets the retry count.
func (c *Coordinator) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect closes the connection for good, cancels reconnect timers and
// releases every pending registry entry.
func (c *Coordinator) Disconnect() {
	c.conn.Disconnect()
	if n := c.registry.Clear(); n > 0 {
		c.logger.Info("released pending orders", "count", n)
	}
	c.cache.Abandon(ErrClosed)
}

// Close disconnects and stops the Run loop once in-flight executor work
// has been applied. Order streams are closed.
func (c *Coordinator) Close() {
	c.Disconnect()
	c.queue.Close()
	c.engine.Close()
}

// Resume re-checks the connection and, when connected, runs the history
// refresh unless it already ran in this cycle.
func (c *Coordinator) Resume(ctx context.Context) {
	if c.conn.CheckConnection(ctx) {
		c.post(func() { c.onConnected(ctx) })
	}
}

// Pause ends the current refresh cycle; the next Resume or reconnect
// refreshes again.
func (c *Coordinator) Pause() {
	c.post(func() { c.refreshed = false })
}

// OnConnectionResult implements backend.Listener.
func (c *Coordinator) OnConnectionResult(r backend.ConnectionResult) {
	c.enqueue(Event{Type: EventTypeConnection, Connection: &r})
}

// OnProductData implements backend.Listener.
func (c *Coordinator) OnProductData(r backend.ProductDataResult) {
	c.enqueue(Event{Type: EventTypeProductData, Products: &r})
}

// OnPurchaseResult implements backend.Listener.
func (c *Coordinator) OnPurchaseResult(r backend.PurchaseResult) {
	c.enqueue(Event{Type: EventTypePurchaseResult, Purchase: &r})
}

// OnPurchaseUpdates implements backend.Listener.
func (c *Coordinator) OnPurchaseUpdates(r backend.PurchaseUpdatesResult) {
	c.enqueue(Event{Type: EventTypePurchaseUpdates, Updates: &r})
}

func (c *Coordinator) enqueue(e Event) {
	if !c.queue.Enqueue(e) {
		c.logger.Debug("dropping event after close", "type", e.Type)
	}
}

func (c *Coordinator) post(f func()) {
	c.enqueue(Event{Type: EventTypeTask, Task: f})
}

func (c *Coordinator) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// Run processes events until ctx is cancelled, or until Close was called
// and every queued event and in-flight executor task has been handled.
//
// A failing event is logged and skipped; a panicking event is recovered,
// logged and skipped. Neither stops the loop.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("reconciliation loop starting")
	for {
		if e, ok := c.queue.TryDequeue(); ok {
			c.handle(ctx, e)
			continue
		}
		if c.queue.Closed() && c.exec.Idle() {
			// Tasks post their results before they count as done.
			if c.queue.Len() == 0 {
				c.logger.Info("reconciliation loop stopping", "reason", "closed")
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			c.logger.Info("reconciliation loop stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-c.queue.Wait():
		}
	}
}

// InFlight reports the number of executor tasks that have not returned.
func (c *Coordinator) InFlight() int {
	return int(c.exec.inflight.Load())
}

// Drain processes queued events on the calling goroutine until the queue is
// empty and returns the number processed. It is an alternative to Run for
// hosts that step the loop themselves; the two must not be used together.
func (c *Coordinator) Drain(ctx context.Context) int {
	n := 0
	for {
		e, ok := c.queue.TryDequeue()
		if !ok {
			return n
		}
		c.handle(ctx, e)
		n++
	}
}

func (c *Coordinator) handle(ctx context.Context, e Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered panic in event handler",
				"type", e.Type, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := c.process(ctx, e); err != nil {
		c.logger.Warn("event processing failed", "type", e.Type, "error", err)
	}
}

func (c *Coordinator) process(ctx context.Context, e Event) error {
	switch e.Type {
	case EventTypeConnection:
		if e.Connection == nil {
			return fmt.Errorf("connection event missing result")
		}
		c.handleConnection(ctx, *e.Connection)
		return nil
	case EventTypeProductData:
		if e.Products == nil {
			return fmt.Errorf("product event missing result")
		}
		_, err := c.cache.Apply(*e.Products)
		return err
	case EventTypePurchaseResult:
		if e.Purchase == nil {
			return fmt.Errorf("purchase event missing result")
		}
		return c.handlePurchaseResult(ctx, *e.Purchase)
	case EventTypePurchaseUpdates:
		if e.Updates == nil {
			return fmt.Errorf("purchase updates event missing result")
		}
		return c.handlePurchaseUpdates(ctx, *e.Updates)
	case EventTypeTask:
		if e.Task == nil {
			return fmt.Errorf("task event missing func")
		}
		e.Task()
		return nil
	}
	return fmt.Errorf("unknown event type: %d", e.Type)
}

func (c *Coordinator) handleConnection(ctx context.Context, r backend.ConnectionResult) {
	if r.Status != backend.StatusOK {
		// A new connect cycle starts with the next Connected.
		c.refreshed = false
	}
	if c.conn.HandleResult(r) {
		c.onConnected(ctx)
	}
}

func (c *Coordinator) onConnected(ctx context.Context) {
	if c.refreshed {
		c.logger.Debug("history already refreshed in this cycle")
		return
	}
	c.refreshed = true

	if h := c.cache.Refresh(ctx); h != nil {
		c.logger.Debug("inventory refresh requested", "request", h.ID)
	}
	for _, kind := range []backend.PurchaseKind{backend.PurchaseKindInApp, backend.PurchaseKindSubscription} {
		if err := c.backend.QueryPurchases(ctx, kind, true); err != nil {
			c.logger.Warn("purchase history query failed", "kind", kind, "error", err)
		}
	}
}

func (c *Coordinator) handlePurchaseResult(ctx context.Context, r backend.PurchaseResult) error {
	switch r.Status {
	case backend.StatusOK:
		for _, rec := range r.Purchases {
			c.engine.Process(ctx, orders.FromRecord(rec, false))
		}
		return nil
	case backend.StatusUserCancelled:
		c.logger.Info("purchase flow cancelled by user", "sku", r.SKU)
		c.engine.FailAttempt(r.SKU, &iap.OrderError{Code: iap.CodeUserCancelled, SKU: r.SKU}, true)
		return nil
	case backend.StatusItemAlreadyOwned:
		kind := backend.PurchaseKindInApp
		if p, ok := c.cache.Product(r.SKU); ok {
			kind = backend.KindOf(p.Type)
		}
		c.logger.Info("item already owned, querying history", "sku", r.SKU, "kind", kind)
		c.engine.MarkOwned(r.SKU)
		if err := c.backend.QueryPurchases(ctx, kind, true); err != nil {
			c.engine.FailAttempt(r.SKU, &iap.OrderError{Code: iap.CodePurchaseFlowFailed, SKU: r.SKU, Err: err}, false)
			return err
		}
		return nil
	default:
		err := backend.StatusError(r.Status, r.Err)
		c.engine.FailAttempt(r.SKU, &iap.OrderError{Code: iap.CodePurchaseFlowFailed, SKU: r.SKU, Err: err}, false)
		return err
	}
}

func (c *Coordinator) handlePurchaseUpdates(ctx context.Context, r backend.PurchaseUpdatesResult) error {
	if r.Status != backend.StatusOK {
		if r.Queried {
			// Let the next connect cycle query again.
			c.refreshed = false
		}
		return fmt.Errorf("purchase updates (%s): %w", r.Kind, backend.StatusError(r.Status, r.Err))
	}
	for _, rec := range r.Purchases {
		c.engine.Process(ctx, orders.FromRecord(rec, r.Queried))
	}
	if r.HasMore {
		return c.backend.QueryPurchases(ctx, r.Kind, false)
	}
	return nil
}

// trackedExecutor counts tasks that have not returned and calls idle when
// the count drops to zero.
type trackedExecutor struct {
	next     sched.Executor
	idle     func()
	inflight atomic.Int64
}

func (x *trackedExecutor) Submit(task func()) {
	x.inflight.Add(1)
	x.next.Submit(func() {
		defer func() {
			if x.inflight.Add(-1) == 0 {
				x.idle()
			}
		}()
		task()
	})
}

func (x *trackedExecutor) Idle() bool {
	return x.inflight.Load() == 0
}
