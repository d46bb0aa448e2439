package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/iapsync/internal/backend"
	"github.com/roach88/iapsync/internal/backend/memory"
	"github.com/roach88/iapsync/internal/iap"
	"github.com/roach88/iapsync/internal/orders"
	"github.com/roach88/iapsync/internal/reconcile"
	"github.com/roach88/iapsync/internal/testutil"
)

// Epoch is the simulated store's clock. Every purchase is made at Epoch.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ErrValidatorUnavailable is returned by the scripted validator for skus
// listed under validator.error.
var ErrValidatorUnavailable = errors.New("validator unavailable")

// traceBuffer bounds the order updates recorded between two events.
const traceBuffer = 1024

// Option configures a run.
type Option func(*runConfig)

type runConfig struct {
	logger *slog.Logger
}

// WithLogger sets the logger handed to the engine.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) { c.logger = l }
}

// Harness executes one scenario. It owns the simulated store, the manual
// clock and the coordinator, and steps the coordinator's event loop itself.
type Harness struct {
	store  *memory.Store
	clock  *testutil.ManualScheduler
	coord  *reconcile.Coordinator
	tracer *tracer
}

// Run executes a scenario and returns the result.
//
// Every run uses a fresh store, a manual clock, inline execution and fixed
// id generators, so identical scenarios produce identical traces.
//
// Execution flow:
// 1. Build the store catalogue and the coordinator
// 2. Execute steps, draining the event queue after each one
// 3. Evaluate assertions against the trace and the final state
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := newHarness(scenario, cfg)
	defer h.coord.Close()

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Action, err)
		}
		h.coord.Drain(ctx)
	}
	h.tracer.flush()

	result := NewResult(scenario.Name)
	result.Trace = slices.Clone(h.tracer.events)
	state := h.finalState()
	result.Receipts = len(state.Receipts)
	result.Connection = state.Connection.String()

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, state) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(s *Scenario, cfg runConfig) *Harness {
	products := make([]iap.Product, 0, len(s.Products))
	for _, p := range s.Products {
		products = append(products, p.product())
	}

	h := &Harness{
		store: memory.New(products,
			memory.WithIDGenerator(testutil.NewFixedGenerator("p")),
			memory.WithClock(func() time.Time { return Epoch }),
			memory.WithPageSize(s.PageSize),
		),
		clock:  testutil.NewManualScheduler(),
		tracer: &tracer{},
	}

	copts := []reconcile.Option{
		reconcile.WithScheduler(h.clock),
		reconcile.WithExecutor(testutil.InlineExecutor{}),
		reconcile.WithIDGenerator(testutil.NewFixedGenerator("id")),
		reconcile.WithListener(h.tracer),
		reconcile.WithErrorHandler(h.tracer.onError),
		reconcile.WithLogger(cfg.logger),
	}
	if s.Connection != nil {
		copts = append(copts, reconcile.WithConnectionConfig(*s.Connection))
	}
	if !s.Validator.Disabled {
		copts = append(copts, reconcile.WithValidator(s.Validator.validator()))
	}

	h.coord = reconcile.New(&tracingBackend{Backend: h.store, t: h.tracer}, copts...)
	h.tracer.orders, _ = h.coord.Orders().Watch(traceBuffer)
	return h
}

// execute runs one step. Engine errors are recorded in the trace; only
// steps the harness cannot carry out return an error.
func (h *Harness) execute(ctx context.Context, st Step) error {
	attrs := map[string]string{}
	if st.SKU != "" {
		attrs["sku"] = st.SKU
	}
	if st.Token != "" {
		attrs["token"] = st.Token
	}
	h.tracer.record("step."+st.Action, attrs)

	switch st.Action {
	case ActionStart:
		h.stepError(st, h.coord.Start(ctx))
	case ActionConnect:
		h.stepError(st, h.coord.Connect(ctx))
	case ActionDisconnect:
		h.coord.Disconnect()
	case ActionResume:
		h.coord.Resume(ctx)
	case ActionPause:
		h.coord.Pause()
	case ActionQueryInventory:
		qh := h.coord.Inventory().Query(ctx, st.Products)
		select {
		case <-qh.Done():
			_, err := qh.Result()
			h.stepError(st, err)
		default:
		}
	case ActionStartOrder:
		_, err := h.coord.Orders().Start(ctx, st.SKU, iap.OrderOptions{}, traceBuffer)
		h.stepError(st, err)
	case ActionSetOutcome:
		o, err := memory.ParseOutcome(st.Outcome)
		if err != nil {
			return err
		}
		h.store.SetOutcome(st.SKU, o)
	case ActionDeliver:
		h.store.Deliver(backend.PurchaseRecord{
			Token:        st.Token,
			SKUs:         []string{st.SKU},
			State:        st.purchaseState(),
			Acknowledged: st.Acknowledged,
		})
	case ActionSettlePending:
		if _, ok := h.store.SettlePending(st.Token, st.purchaseState()); !ok {
			return fmt.Errorf("no pending purchase with token %q", st.Token)
		}
	case ActionDropConnection:
		h.store.DropConnection()
	case ActionFailNextConnects:
		h.store.FailNextConnects(st.Count)
	case ActionAdvance:
		h.clock.Advance(st.Duration)
	case ActionSetAcknowledgeError:
		h.store.SetAcknowledgeError(st.err())
	case ActionSetConsumeError:
		h.store.SetConsumeError(st.err())
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
	return nil
}

func (h *Harness) stepError(st Step, err error) {
	if err == nil {
		return
	}
	attrs := map[string]string{"step": st.Action}
	if code := iap.CodeOf(err); code != "" {
		attrs["code"] = string(code)
	} else {
		attrs["message"] = err.Error()
	}
	h.tracer.record("error", attrs)
}

func (h *Harness) finalState() FinalState {
	return FinalState{
		Receipts:   h.coord.Orders().Receipts(),
		Connection: h.coord.Connection().Status(),
		Pending:    h.coord.Registry().Len(),
	}
}

func (p Product) product() iap.Product {
	return iap.Product{
		SKU:         p.SKU,
		Title:       p.Title,
		Price:       p.Price,
		PriceMicros: p.PriceMicros,
		Currency:    p.Currency,
		Type:        p.Type,
	}
}

func (v ValidatorSpec) validator() orders.Validator {
	listed := func(list []string, o iap.Order) bool {
		return slices.ContainsFunc(o.SKUs, func(sku string) bool { return slices.Contains(list, sku) })
	}
	return orders.ValidatorFunc(func(_ context.Context, o iap.Order) (orders.Verdict, error) {
		switch {
		case listed(v.Error, o):
			return orders.VerdictInvalidated, ErrValidatorUnavailable
		case listed(v.Reject, o):
			return orders.VerdictInvalidated, nil
		}
		return orders.VerdictValidated, nil
	})
}

func (st Step) purchaseState() iap.PurchaseState {
	if st.State == nil {
		return iap.PurchaseStatePurchased
	}
	return *st.State
}

func (st Step) err() error {
	if st.Error == "" {
		return nil
	}
	return errors.New(st.Error)
}

// tracer records events in the order they happen. Order transitions are
// published on a stream; pending ones are flushed into the trace before
// each new event, so the trace stays chronological.
//
// Thread-safety: none. The harness drives everything from one goroutine.
type tracer struct {
	events []TraceEvent
	orders <-chan iap.Order
}

func (t *tracer) record(event string, attrs map[string]string) {
	t.flush()
	t.append(event, attrs)
}

func (t *tracer) append(event string, attrs map[string]string) {
	if len(attrs) == 0 {
		attrs = nil
	}
	t.events = append(t.events, TraceEvent{Seq: len(t.events) + 1, Event: event, Attrs: attrs})
}

func (t *tracer) flush() {
	for {
		select {
		case o, ok := <-t.orders:
			if !ok {
				t.orders = nil
				return
			}
			t.append("order."+o.State.String(), orderAttrs(o))
		default:
			return
		}
	}
}

// OnComplete implements orders.CompletionListener.
func (t *tracer) OnComplete(r iap.Receipt) {
	t.record("receipt", map[string]string{
		"token": r.EntitlementToken,
		"sku":   strings.Join(r.SKUs, ","),
		"type":  r.Type.String(),
	})
}

// OnFailure implements orders.CompletionListener.
func (t *tracer) OnFailure(o iap.Order) {
	attrs := orderAttrs(o)
	if o.IsCancelled {
		attrs["cancelled"] = "true"
	}
	t.record("failure", attrs)
}

func (t *tracer) onError(err error) {
	t.record("error", map[string]string{"code": string(iap.CodeOf(err))})
}

func orderAttrs(o iap.Order) map[string]string {
	attrs := map[string]string{"sku": strings.Join(o.SKUs, ",")}
	if o.EntitlementToken != "" {
		attrs["token"] = o.EntitlementToken
	}
	if o.AttemptID != "" {
		attrs["attempt"] = o.AttemptID
	}
	if code := iap.CodeOf(o.Err); code != "" {
		attrs["code"] = string(code)
	}
	return attrs
}

// tracingBackend records every call the engine makes on the store and
// every callback the store makes on the engine.
type tracingBackend struct {
	backend.Backend
	t *tracer
}

func (b *tracingBackend) Initialize(l backend.Listener) error {
	return b.Backend.Initialize(&tracingListener{next: l, t: b.t})
}

func (b *tracingBackend) Connect(ctx context.Context) error {
	b.t.record("call.connect", nil)
	return b.Backend.Connect(ctx)
}

func (b *tracingBackend) Disconnect() {
	b.t.record("call.disconnect", nil)
	b.Backend.Disconnect()
}

func (b *tracingBackend) QueryProducts(ctx context.Context, requestID string, products map[string]iap.ProductType) error {
	skus := slices.Sorted(maps.Keys(products))
	b.t.record("call.query_products", map[string]string{"skus": strings.Join(skus, ",")})
	return b.Backend.QueryProducts(ctx, requestID, products)
}

func (b *tracingBackend) QueryPurchases(ctx context.Context, kind backend.PurchaseKind, reset bool) error {
	b.t.record("call.query_purchases", map[string]string{"kind": kind.String(), "reset": strconv.FormatBool(reset)})
	return b.Backend.QueryPurchases(ctx, kind, reset)
}

func (b *tracingBackend) LaunchPurchaseFlow(ctx context.Context, p iap.Product, opts iap.OrderOptions) error {
	b.t.record("call.launch_purchase_flow", map[string]string{"sku": p.SKU})
	return b.Backend.LaunchPurchaseFlow(ctx, p, opts)
}

func (b *tracingBackend) Acknowledge(ctx context.Context, o iap.Order) error {
	b.t.record("call.acknowledge", map[string]string{"token": o.EntitlementToken})
	return b.Backend.Acknowledge(ctx, o)
}

func (b *tracingBackend) Consume(ctx context.Context, o iap.Order) error {
	b.t.record("call.consume", map[string]string{"token": o.EntitlementToken})
	return b.Backend.Consume(ctx, o)
}

func (b *tracingBackend) MarkUnavailable(ctx context.Context, o iap.Order) error {
	b.t.record("call.mark_unavailable", map[string]string{"token": o.EntitlementToken})
	return b.Backend.MarkUnavailable(ctx, o)
}

type tracingListener struct {
	next backend.Listener
	t    *tracer
}

func (l *tracingListener) OnConnectionResult(r backend.ConnectionResult) {
	l.t.record("callback.connection", map[string]string{"status": r.Status.String()})
	l.next.OnConnectionResult(r)
}

func (l *tracingListener) OnProductData(r backend.ProductDataResult) {
	l.t.record("callback.product_data", map[string]string{
		"status":   r.Status.String(),
		"products": strconv.Itoa(len(r.Products)),
	})
	l.next.OnProductData(r)
}

func (l *tracingListener) OnPurchaseResult(r backend.PurchaseResult) {
	l.t.record("callback.purchase_result", map[string]string{
		"status":    r.Status.String(),
		"sku":       r.SKU,
		"purchases": strconv.Itoa(len(r.Purchases)),
	})
	l.next.OnPurchaseResult(r)
}

func (l *tracingListener) OnPurchaseUpdates(r backend.PurchaseUpdatesResult) {
	attrs := map[string]string{
		"status":    r.Status.String(),
		"kind":      r.Kind.String(),
		"purchases": strconv.Itoa(len(r.Purchases)),
	}
	if r.Queried {
		attrs["queried"] = "true"
	}
	if r.HasMore {
		attrs["has_more"] = "true"
	}
	l.t.record("callback.purchase_updates", attrs)
	l.next.OnPurchaseUpdates(r)
}
