package orders

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/iapsync/internal/backend"
	"github.com/roach88/iapsync/internal/iap"
	"github.com/roach88/iapsync/internal/pending"
	"github.com/roach88/iapsync/internal/sched"
	"github.com/roach88/iapsync/internal/stream"
)

// Store is the part of the backend the engine calls into.
type Store interface {
	LaunchPurchaseFlow(ctx context.Context, p iap.Product, opts iap.OrderOptions) error
	Acknowledge(ctx context.Context, o iap.Order) error
	Consume(ctx context.Context, o iap.Order) error
	MarkUnavailable(ctx context.Context, o iap.Order) error
}

// Catalog resolves skus to products. Satisfied by *inventory.Cache.
type Catalog interface {
	Product(sku string) (iap.Product, bool)
}

const (
	opConsume     = "consume"
	opAcknowledge = "acknowledge"
)

// Engine is the order lifecycle engine.
//
// Thread-safety model:
//   - Start, Process, Complete, FailAttempt: safe from any goroutine, but the
//     coordinator calls them from its event loop only
//   - Receipts, Seed, Watch: safe from any goroutine
type Engine struct {
	store    Store
	catalog  Catalog
	registry *pending.Registry

	validator Validator
	listener  CompletionListener
	exec      sched.Executor
	dispatch  func(func())
	logger    *slog.Logger
	ids       iap.IDGenerator
	updates   *stream.Hub[iap.Order]

	mu       sync.Mutex
	receipts map[string]iap.Receipt // by entitlement token
	attempts map[string]*attempt    // open host-started orders by sku
}

type attempt struct {
	order iap.Order
	// owned is set when the backend answered the flow with "already
	// owned"; only then may a queried purchase settle the attempt.
	owned bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithValidator registers the host validator. Without one every order
// fails closed with CodeNullValidator.
func WithValidator(v Validator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithListener registers the host completion listener.
func WithListener(l CompletionListener) Option {
	return func(e *Engine) { e.listener = l }
}

// WithExecutor sets where validation and backend calls run.
//
// Default: a new goroutine per task (sched.Go).
func WithExecutor(x sched.Executor) Option {
	return func(e *Engine) { e.exec = x }
}

// WithDispatcher sets how results of executor work are handed back.
//
// Default: called directly on the executor goroutine.
func WithDispatcher(d func(func())) Option {
	return func(e *Engine) { e.dispatch = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithIDGenerator sets the source of attempt ids.
func WithIDGenerator(g iap.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// New creates an Engine. registry is shared with the coordinator so a
// disconnect can release everything the engine holds.
func New(store Store, catalog Catalog, registry *pending.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		catalog:  catalog,
		registry: registry,
		listener: ListenerFuncs{},
		exec:     &sched.Go{},
		dispatch: func(f func()) { f() },
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		ids:      iap.UUIDGenerator{},
		updates:  stream.NewHub[iap.Order](),
		receipts: map[string]iap.Receipt{},
		attempts: map[string]*attempt{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attempt is a host-started purchase.
type Attempt struct {
	Order iap.Order
	// Updates receives Order and every later transition of it, and is
	// closed once the order is Complete or Failed.
	Updates <-chan iap.Order
	// Cancel stops the updates early.
	Cancel func()
}

// Start launches the purchase flow for sku. The order starts in state
// Unknown and enters Processing when the backend delivers the purchase.
// Only one attempt per sku may be open; a second Start fails with
// CodePurchaseInProgress until the first one is bound to a purchase or
// fails.
func (e *Engine) Start(ctx context.Context, sku string, opts iap.OrderOptions, buffer int) (*Attempt, error) {
	sku = iap.NormalizeSKU(sku)
	p, ok := e.catalog.Product(sku)
	if !ok {
		return nil, &iap.OrderError{Code: iap.CodeProductNotFound, SKU: sku}
	}

	quantity := opts.Quantity
	if quantity < 1 {
		quantity = 1
	}
	o := iap.Order{
		AttemptID: e.ids.Generate(),
		SKUs:      []string{sku},
		Quantity:  quantity,
		Type:      p.Type,
		State:     iap.OrderStateUnknown,
		UserID:    opts.ObfuscatedAccountID,
	}

	e.mu.Lock()
	if open, busy := e.attempts[sku]; busy {
		e.mu.Unlock()
		return nil, &iap.OrderError{Code: iap.CodePurchaseInProgress, SKU: sku,
			Err: fmt.Errorf("attempt %s still open", open.order.AttemptID)}
	}
	e.attempts[sku] = &attempt{order: o}
	e.mu.Unlock()
	updates, cancel := e.watchAttempt(o, buffer)

	e.logger.Info("purchase flow starting", "sku", sku, "attempt", o.AttemptID, "type", p.Type)
	e.updates.Publish(o)

	e.exec.Submit(func() {
		err := e.store.LaunchPurchaseFlow(ctx, p, opts)
		if err == nil {
			return
		}
		e.dispatch(func() {
			e.FailAttempt(sku, &iap.OrderError{Code: iap.CodePurchaseFlowFailed, SKU: sku, Err: err}, false)
		})
	})
	return &Attempt{Order: o, Updates: updates, Cancel: cancel}, nil
}

// FailAttempt fails the host-started order for sku, if there is one.
// cancelled marks a flow the user backed out of.
func (e *Engine) FailAttempt(sku string, err error, cancelled bool) bool {
	sku = iap.NormalizeSKU(sku)
	e.mu.Lock()
	a, ok := e.attempts[sku]
	delete(e.attempts, sku)
	e.mu.Unlock()
	if !ok {
		return false
	}
	o := a.order
	o.IsCancelled = cancelled
	e.fail(o, err)
	return true
}

// MarkOwned records that the backend refused the flow for sku because the
// user owns it already. The purchase history query that follows may then
// settle the open attempt. Returns false when no attempt is open.
func (e *Engine) MarkOwned(sku string) bool {
	sku = iap.NormalizeSKU(sku)
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.attempts[sku]
	if ok {
		a.owned = true
	}
	return ok
}

// Process routes a purchase reported by the backend through the state
// machine.
func (e *Engine) Process(ctx context.Context, o iap.Order) {
	switch o.PurchaseState {
	case iap.PurchaseStatePending:
		e.processPending(o)
	case iap.PurchaseStatePurchased:
		e.processPurchased(ctx, o)
	default:
		e.registry.ResolvePending(o)
		e.fail(o, fmt.Errorf("%w: %s (token=%s)", iap.ErrMalformedPurchaseState, o.PurchaseState, o.EntitlementToken))
	}
}

func (e *Engine) processPending(o iap.Order) {
	o = o.WithState(iap.OrderStatePending)
	if key := o.Key(); key == "" || e.registry.IsPending(key) {
		e.logger.Debug("pending order redelivered", "key", key)
		return
	}
	o = e.bindAttempt(o)
	e.registry.AddPending(o)
	e.logger.Info("order pending", "key", o.Key(), "sku", o.SKU())
	e.updates.Publish(o)
}

func (e *Engine) processPurchased(ctx context.Context, o iap.Order) {
	if prev, ok := e.registry.ResolvePending(o); ok {
		e.logger.Info("pending order purchased", "key", prev.Key())
		if o.AttemptID == "" {
			o.AttemptID = prev.AttemptID
		}
	}

	if e.hasReceipt(o.EntitlementToken) {
		e.logger.Debug("purchase already completed", "token", o.EntitlementToken)
		e.settleAttempt(o)
		return
	}

	if o.IsAcknowledged {
		skip := &iap.ValidationError{Code: iap.CodeAlreadyAcknowledged, Token: o.EntitlementToken}
		if !o.IsQueried {
			e.logger.Debug("skipping purchase", "error", skip)
			e.settleAttempt(o)
			return
		}
		// Historical purchases handled in an earlier session go straight to
		// the receipt history.
		o = e.bindAttempt(e.resolveType(o))
		if e.recordReceipt(o) {
			e.logger.Debug("queried purchase recorded", "token", o.EntitlementToken)
			e.updates.Publish(o.WithState(iap.OrderStateComplete))
		}
		return
	}

	if !e.registry.Claim(o.EntitlementToken) {
		e.logger.Debug("purchase already in flight", "token", o.EntitlementToken)
		return
	}

	o = e.resolveType(o)
	o = e.bindAttempt(o)
	o = o.WithState(iap.OrderStateProcessing)
	e.updates.Publish(o)
	e.validate(ctx, o)
}

func (e *Engine) validate(ctx context.Context, o iap.Order) {
	if e.validator == nil {
		e.logger.Error("no order validator registered, failing closed", "token", o.EntitlementToken)
		e.fail(o, &iap.ValidationError{Code: iap.CodeNullValidator, Token: o.EntitlementToken})
		return
	}

	o = o.WithState(iap.OrderStateValidating)
	e.updates.Publish(o)

	e.exec.Submit(func() {
		verdict, err := e.validator.Validate(ctx, o)
		e.dispatch(func() { e.afterValidate(ctx, o, verdict, err) })
	})
}

func (e *Engine) afterValidate(ctx context.Context, o iap.Order, verdict Verdict, err error) {
	if err != nil {
		e.fail(o, &iap.ValidationError{Code: iap.CodeValidatorError, Token: o.EntitlementToken, Err: err})
		return
	}
	if verdict == VerdictInvalidated {
		e.exec.Submit(func() {
			uerr := e.store.MarkUnavailable(ctx, o)
			e.dispatch(func() {
				if uerr != nil {
					e.logger.Warn("mark unavailable failed", "token", o.EntitlementToken, "error", uerr)
				}
				e.fail(o, &iap.ValidationError{Code: iap.CodeRejectedByValidator, Token: o.EntitlementToken})
			})
		})
		return
	}
	e.complete(ctx, o)
}

// Complete runs the completion step for a validated order. Calling it for
// a token that already has a receipt, or whose completion is in flight, is
// a no-op.
func (e *Engine) Complete(ctx context.Context, o iap.Order) {
	if e.hasReceipt(o.EntitlementToken) {
		e.logger.Debug("purchase already completed", "token", o.EntitlementToken)
		return
	}
	if !e.registry.Claim(o.EntitlementToken) {
		e.logger.Debug("purchase already in flight", "token", o.EntitlementToken)
		return
	}
	e.complete(ctx, e.resolveType(o))
}

func (e *Engine) complete(ctx context.Context, o iap.Order) {
	var op string
	switch o.Type {
	case iap.ProductTypeConsumable:
		op = opConsume
	case iap.ProductTypeNonConsumable, iap.ProductTypeSubscription:
		op = opAcknowledge
	default:
		e.logger.Warn("completing purchase of unknown type with acknowledge", "token", o.EntitlementToken, "sku", o.SKU())
		op = opAcknowledge
	}

	if op == opAcknowledge && o.IsAcknowledged {
		e.finish(o)
		return
	}

	e.exec.Submit(func() {
		var err error
		if op == opConsume {
			err = e.store.Consume(ctx, o)
		} else {
			err = e.store.Acknowledge(ctx, o)
		}
		e.dispatch(func() {
			if err != nil {
				e.fail(o, &iap.CompletionError{Op: op, Token: o.EntitlementToken, Err: err})
				return
			}
			o.IsAcknowledged = true
			e.finish(o)
		})
	})
}

func (e *Engine) finish(o iap.Order) {
	defer e.registry.Release(o.EntitlementToken)
	if !e.recordReceipt(o) {
		return
	}
	o = o.WithState(iap.OrderStateComplete)
	e.logger.Info("order complete", "token", o.EntitlementToken, "sku", o.SKU(), "type", o.Type)
	e.listener.OnComplete(receiptOf(o))
	e.updates.Publish(o)
}

func (e *Engine) fail(o iap.Order, err error) {
	e.registry.Release(o.EntitlementToken)
	o = o.Failed(err)
	e.logger.Warn("order failed", "key", o.Key(), "sku", o.SKU(), "error", err)
	e.listener.OnFailure(o)
	e.updates.Publish(o)
}

func (e *Engine) resolveType(o iap.Order) iap.Order {
	if p, ok := e.catalog.Product(o.SKU()); ok && p.Type.Known() {
		o.Type = p.Type
	}
	return o
}

// bindAttempt gives o the id of the open attempt for one of its skus. Live
// purchases bind to any open attempt; queried ones only to an attempt the
// backend answered with "already owned", so an older purchase of the same
// sku never takes over a flow that is still running.
func (e *Engine) bindAttempt(o iap.Order) iap.Order {
	if o.AttemptID != "" {
		return o
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sku := range o.SKUs {
		a, ok := e.attempts[sku]
		if !ok || (o.IsQueried && !a.owned) {
			continue
		}
		o.AttemptID = a.order.AttemptID
		delete(e.attempts, sku)
		break
	}
	return o
}

// settleAttempt completes the attempt answered by a purchase that needs no
// further work, so its stream does not wait forever.
func (e *Engine) settleAttempt(o iap.Order) {
	if o = e.bindAttempt(o); o.AttemptID != "" {
		e.updates.Publish(o.WithState(iap.OrderStateComplete))
	}
}

func (e *Engine) hasReceipt(token string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.receipts[token]
	return ok
}

// recordReceipt stores the receipt for o. Returns false when the token
// already has one.
func (e *Engine) recordReceipt(o iap.Order) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.receipts[o.EntitlementToken]; ok {
		return false
	}
	e.receipts[o.EntitlementToken] = receiptOf(o)
	return true
}

// Seed loads receipts completed in an earlier session. Their tokens are
// never completed again.
func (e *Engine) Seed(receipts []iap.Receipt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range receipts {
		if _, ok := e.receipts[r.EntitlementToken]; !ok {
			e.receipts[r.EntitlementToken] = r
		}
	}
}

// Receipts returns the receipt history keyed by entitlement token, limited
// to the given product types when any are passed.
func (e *Engine) Receipts(types ...iap.ProductType) map[string]iap.Receipt {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(types) == 0 {
		return maps.Clone(e.receipts)
	}
	out := make(map[string]iap.Receipt)
	for token, r := range e.receipts {
		if slices.Contains(types, r.Type) {
			out[token] = r
		}
	}
	return out
}

// Watch streams every order transition.
func (e *Engine) Watch(buffer int) (<-chan iap.Order, func()) {
	return e.updates.Subscribe(buffer)
}

func (e *Engine) watchAttempt(o iap.Order, buffer int) (<-chan iap.Order, func()) {
	match := func(u iap.Order) bool { return u.AttemptID == o.AttemptID }
	terminal := func(u iap.Order) bool { return u.State.Terminal() }
	return e.updates.SubscribeFilter(buffer, match, terminal)
}

// Close ends every order stream.
func (e *Engine) Close() {
	e.updates.Close()
}

// FromRecord converts a backend purchase record into an order.
func FromRecord(r backend.PurchaseRecord, queried bool) iap.Order {
	skus := make([]string, 0, len(r.SKUs))
	for _, s := range r.SKUs {
		skus = append(skus, iap.NormalizeSKU(s))
	}
	quantity := r.Quantity
	if quantity < 1 {
		quantity = 1
	}
	return iap.Order{
		OrderID:          r.OrderID,
		EntitlementToken: r.Token,
		SKUs:             skus,
		Quantity:         quantity,
		Type:             r.Type,
		State:            iap.OrderStateUnknown,
		PurchaseState:    r.State,
		IsCancelled:      r.Cancelled,
		IsAcknowledged:   r.Acknowledged,
		IsQueried:        queried,
		PurchaseTime:     r.PurchaseTime,
		CancelTime:       r.CancelTime,
		UserID:           r.UserID,
		RawPayload:       r.Raw,
	}
}

func receiptOf(o iap.Order) iap.Receipt {
	return iap.Receipt{
		EntitlementToken: o.EntitlementToken,
		OrderID:          o.OrderID,
		SKUs:             slices.Clone(o.SKUs),
		Type:             o.Type,
		OrderDate:        o.PurchaseTime,
		CancelDate:       o.CancelTime,
		IsCancelled:      o.IsCancelled,
		UserID:           o.UserID,
	}
}
