// Package agent is the surface the host application uses: connection
// state, inventory, purchases and receipts behind one type.
package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/iapsync/internal/backend"
	"github.com/roach88/iapsync/internal/connection"
	"github.com/roach88/iapsync/internal/iap"
	"github.com/roach88/iapsync/internal/inventory"
	"github.com/roach88/iapsync/internal/orders"
	"github.com/roach88/iapsync/internal/reconcile"
	"github.com/roach88/iapsync/internal/sched"
)

// ErrStarted is returned by a second Start.
var ErrStarted = errors.New("agent: already started")

// Journal persists receipts across restarts. Satisfied by *receipts.Store.
type Journal interface {
	Append(ctx context.Context, r iap.Receipt) (bool, error)
	List(ctx context.Context, types ...iap.ProductType) ([]iap.Receipt, error)
}

type settings struct {
	reconcile []reconcile.Option
	listener  orders.CompletionListener
	journal   Journal
	logger    *slog.Logger
	buffer    int
	stepped   bool
}

// Option configures an Agent.
type Option func(*settings)

// WithValidator registers the order validator. Without one every purchase
// fails closed.
func WithValidator(v orders.Validator) Option {
	return func(s *settings) { s.reconcile = append(s.reconcile, reconcile.WithValidator(v)) }
}

// WithListener registers the completion listener.
func WithListener(l orders.CompletionListener) Option {
	return func(s *settings) { s.listener = l }
}

// WithReceiptStore journals every receipt and seeds the completed-token
// guard from the journal on Start.
func WithReceiptStore(j Journal) Option {
	return func(s *settings) { s.journal = j }
}

// WithConnectionConfig sets the reconnect policy.
func WithConnectionConfig(cfg connection.Config) Option {
	return func(s *settings) { s.reconcile = append(s.reconcile, reconcile.WithConnectionConfig(cfg)) }
}

// WithScheduler sets the timer source for reconnect backoff.
func WithScheduler(sc sched.Scheduler) Option {
	return func(s *settings) { s.reconcile = append(s.reconcile, reconcile.WithScheduler(sc)) }
}

// WithExecutor sets where validation and backend calls run.
func WithExecutor(x sched.Executor) Option {
	return func(s *settings) { s.reconcile = append(s.reconcile, reconcile.WithExecutor(x)) }
}

// WithIDGenerator sets the id source for attempts and queries.
func WithIDGenerator(g iap.IDGenerator) Option {
	return func(s *settings) { s.reconcile = append(s.reconcile, reconcile.WithIDGenerator(g)) }
}

// WithErrorHandler receives connection errors that need host action.
func WithErrorHandler(f func(error)) Option {
	return func(s *settings) { s.reconcile = append(s.reconcile, reconcile.WithErrorHandler(f)) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithStreamBuffer sets the buffer of order streams. Default: 16.
func WithStreamBuffer(n int) Option {
	return func(s *settings) { s.buffer = n }
}

// WithSteppedLoop stops Start from running the reconciliation loop. The
// host then processes queued events itself with Step.
func WithSteppedLoop() Option {
	return func(s *settings) { s.stepped = true }
}

// Agent is the host-facing facade.
//
// Thread-safety: all methods are safe for concurrent use.
type Agent struct {
	coord   *reconcile.Coordinator
	journal Journal
	logger  *slog.Logger
	buffer  int
	stepped bool

	mu      sync.Mutex
	started bool
	stop    context.CancelFunc
	done    chan struct{}
}

// New creates an Agent over b. Nothing happens until Start.
func New(b backend.Backend, opts ...Option) *Agent {
	s := settings{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		buffer: 16,
	}
	for _, opt := range opts {
		opt(&s)
	}

	var listener orders.CompletionListener = orders.ListenerFuncs{}
	if s.listener != nil {
		listener = s.listener
	}
	if s.journal != nil {
		listener = &journalingListener{next: listener, journal: s.journal, logger: s.logger}
	}

	ropts := append([]reconcile.Option{
		reconcile.WithLogger(s.logger),
		reconcile.WithListener(listener),
	}, s.reconcile...)

	return &Agent{
		coord:   reconcile.New(b, ropts...),
		journal: s.journal,
		logger:  s.logger,
		buffer:  s.buffer,
		stepped: s.stepped,
	}
}

// Start seeds the receipt history from the journal, starts the
// reconciliation loop and connects to the backend.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrStarted
	}
	a.started = true
	a.mu.Unlock()

	if a.journal != nil {
		prior, err := a.journal.List(ctx)
		if err != nil {
			return err
		}
		a.coord.Orders().Seed(prior)
		a.logger.Info("receipt history loaded", "count", len(prior))
	}

	if a.stepped {
		return a.coord.Start(ctx)
	}

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	a.mu.Lock()
	a.stop, a.done = stop, done
	a.mu.Unlock()
	go func() {
		defer close(done)
		if err := a.coord.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("reconciliation loop exited", "error", err)
		}
	}()

	return a.coord.Start(ctx)
}

// Close disconnects for good and stops the reconciliation loop. It waits
// for validation and completion calls already in flight, so a purchase
// consumed or acknowledged during shutdown still gets its receipt.
func (a *Agent) Close() {
	a.coord.Close()
	a.mu.Lock()
	stop, done := a.stop, a.done
	a.mu.Unlock()
	if stop != nil {
		<-done
		stop()
	}
}

// Step processes the queued reconciliation events on the calling goroutine
// and returns how many ran. Only valid with WithSteppedLoop.
func (a *Agent) Step(ctx context.Context) int {
	return a.coord.Drain(ctx)
}

// Connect reconnects manually after RetriesExhausted.
func (a *Agent) Connect(ctx context.Context) error {
	return a.coord.Connect(ctx)
}

// ConnectionState streams the connection status, starting with the
// current one.
func (a *Agent) ConnectionState() (<-chan iap.ConnectionStatus, func()) {
	return a.coord.Connection().Watch()
}

// Status returns the current connection status.
func (a *Agent) Status() iap.ConnectionStatus {
	return a.coord.Connection().Status()
}

// IsInventoryReady reports whether product data arrived and no query is
// outstanding.
func (a *Agent) IsInventoryReady() bool {
	return a.coord.Inventory().Ready()
}

// StartOrder launches a purchase of sku. The stream carries every
// transition of the order and is closed once it completes or fails.
func (a *Agent) StartOrder(ctx context.Context, sku string, opts iap.OrderOptions) (<-chan iap.Order, func(), error) {
	at, err := a.coord.Orders().Start(ctx, sku, opts, a.buffer)
	if err != nil {
		return nil, nil, err
	}
	return at.Updates, at.Cancel, nil
}

// QueryOrders streams orders that need attention: the pending orders held
// right now, followed by every later order transition.
func (a *Agent) QueryOrders() (<-chan iap.Order, func()) {
	live, cancelLive := a.coord.Orders().Watch(a.buffer)
	held := a.coord.Registry().Snapshot()

	out := make(chan iap.Order, len(held)+a.buffer)
	for _, o := range held {
		out <- o
	}
	quit := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case o, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- o:
				case <-quit:
					return
				}
			case <-quit:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(quit)
			cancelLive()
		})
	}
}

// QueryReceipts returns receipts keyed by entitlement token, limited to
// the given product types when any are passed.
func (a *Agent) QueryReceipts(types ...iap.ProductType) map[string]iap.Receipt {
	return a.coord.Orders().Receipts(types...)
}

// UpdateInventory queries the backend for products. The handle resolves
// with this query's products; WatchInventory streams the whole catalogue.
func (a *Agent) UpdateInventory(ctx context.Context, products map[string]iap.ProductType) *inventory.QueryHandle {
	return a.coord.Inventory().Query(ctx, products)
}

// WatchInventory streams the full catalogue after every change.
func (a *Agent) WatchInventory() (<-chan map[string]iap.Product, func()) {
	return a.coord.Inventory().Watch(1)
}

// Product returns the cached product for sku.
func (a *Agent) Product(sku string) (iap.Product, bool) {
	return a.coord.Inventory().Product(sku)
}

// Products returns cached products, optionally filtered by type or
// promotion.
func (a *Agent) Products(filters ...inventory.Filter) map[string]iap.Product {
	return a.coord.Inventory().Products(filters...)
}

// Resume re-checks the connection after the host comes back to the
// foreground and refreshes purchase history once per cycle.
func (a *Agent) Resume(ctx context.Context) {
	a.coord.Resume(ctx)
}

// Pause ends the current refresh cycle.
func (a *Agent) Pause() {
	a.coord.Pause()
}

type journalingListener struct {
	next    orders.CompletionListener
	journal Journal
	logger  *slog.Logger
}

func (l *journalingListener) OnComplete(r iap.Receipt) {
	if _, err := l.journal.Append(context.Background(), r); err != nil {
		l.logger.Error("failed to journal receipt", "token", r.EntitlementToken, "error", err)
	}
	l.next.OnComplete(r)
}

func (l *journalingListener) OnFailure(o iap.Order) {
	l.next.OnFailure(o)
}
