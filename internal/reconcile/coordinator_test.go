package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/iapsync/internal/backend"
	"github.com/roach88/iapsync/internal/backend/memory"
	"github.com/roach88/iapsync/internal/iap"
	"github.com/roach88/iapsync/internal/inventory"
	"github.com/roach88/iapsync/internal/orders"
	"github.com/roach88/iapsync/internal/testutil"
)

var products = []iap.Product{
	{SKU: "sku_a", Title: "Coins", Price: "$0.99", Type: iap.ProductTypeConsumable},
	{SKU: "sku_b", Title: "Pro", Price: "$4.99", Type: iap.ProductTypeNonConsumable},
	{SKU: "monthly", Title: "Monthly", Price: "$2.99", Type: iap.ProductTypeSubscription},
}

type recorder struct {
	mu       sync.Mutex
	receipts []iap.Receipt
	failures []iap.Order
	errs     []error
}

func (r *recorder) OnComplete(rc iap.Receipt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, rc)
}

func (r *recorder) OnFailure(o iap.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, o)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

type fixture struct {
	c     *Coordinator
	store *memory.Store
	sched *testutil.ManualScheduler
	rec   *recorder
}

func newFixture(t *testing.T, storeOpts ...memory.Option) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(products, append([]memory.Option{
			memory.WithIDGenerator(testutil.NewFixedGenerator("tok")),
			memory.WithClock(func() time.Time { return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) }),
		}, storeOpts...)...),
		sched: testutil.NewManualScheduler(),
		rec:   &recorder{},
	}
	f.c = New(f.store,
		WithScheduler(f.sched),
		WithExecutor(testutil.InlineExecutor{}),
		WithValidator(orders.ValidatorFunc(func(context.Context, iap.Order) (orders.Verdict, error) {
			return orders.VerdictValidated, nil
		})),
		WithListener(f.rec),
		WithIDGenerator(testutil.NewFixedGenerator("req")),
		WithErrorHandler(f.rec.onError),
	)
	t.Cleanup(f.c.Close)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.c.Start(context.Background()))
	f.c.Drain(context.Background())
	require.Equal(t, iap.ConnectionConnected, f.c.Connection().Status())
}

func (f *fixture) loadInventory(t *testing.T) {
	t.Helper()
	h := f.c.Inventory().Query(context.Background(), map[string]iap.ProductType{
		"sku_a":   iap.ProductTypeConsumable,
		"sku_b":   iap.ProductTypeNonConsumable,
		"monthly": iap.ProductTypeSubscription,
	})
	f.c.Drain(context.Background())
	_, err := h.Result()
	require.NoError(t, err)
}

func TestCoordinator_ConnectQueriesHistoryOnce(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	assert.Equal(t, 2, f.store.Stats().PurchaseQueries, "in-app and subscription history")

	f.c.Resume(context.Background())
	f.c.Drain(context.Background())
	assert.Equal(t, 2, f.store.Stats().PurchaseQueries, "already refreshed in this cycle")

	f.c.Pause()
	f.c.Resume(context.Background())
	f.c.Drain(context.Background())
	assert.Equal(t, 4, f.store.Stats().PurchaseQueries)
}

func TestCoordinator_InventoryQueryPartitions(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	h := f.c.Inventory().Query(context.Background(), map[string]iap.ProductType{"sku_a": iap.ProductTypeConsumable})
	f.c.Drain(context.Background())

	got, err := h.Result()
	require.NoError(t, err)
	assert.Contains(t, got, "sku_a")
	inv := f.c.Inventory()
	assert.Contains(t, inv.Products(), "sku_a")
	assert.Contains(t, inv.Products(inventory.OfType(iap.ProductTypeConsumable)), "sku_a")
	assert.NotContains(t, inv.Products(inventory.OfType(iap.ProductTypeSubscription)), "sku_a")
	assert.True(t, inv.Ready())
}

func TestCoordinator_ReconnectRefreshesInventory(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.loadInventory(t)
	require.Equal(t, 1, f.store.Stats().ProductQueries)

	f.store.DropConnection()
	f.c.Drain(context.Background())
	require.Equal(t, 1, f.sched.Advance(5*time.Second))
	f.c.Drain(context.Background())

	assert.Equal(t, iap.ConnectionConnected, f.c.Connection().Status())
	assert.Equal(t, 2, f.store.Stats().ProductQueries, "requested skus are queried again")
	assert.Len(t, f.c.Inventory().Products(), 3)
}

func TestCoordinator_PurchaseIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.loadInventory(t)

	a, err := f.c.Orders().Start(context.Background(), "sku_b", iap.OrderOptions{}, 8)
	require.NoError(t, err)
	f.c.Drain(context.Background())

	var last iap.Order
	for o := range a.Updates {
		last = o
	}
	require.Equal(t, iap.OrderStateComplete, last.State)

	require.Len(t, f.rec.receipts, 1)
	token := f.rec.receipts[0].EntitlementToken
	stored, ok := f.store.Purchase(token)
	require.True(t, ok)
	assert.True(t, stored.Acknowledged)
	assert.Equal(t, 1, f.store.Stats().Acknowledged)
	assert.Equal(t, token, last.EntitlementToken)
}

func TestCoordinator_ConsumablePurchaseIsConsumed(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.loadInventory(t)

	_, err := f.c.Orders().Start(context.Background(), "sku_a", iap.OrderOptions{}, 8)
	require.NoError(t, err)
	f.c.Drain(context.Background())

	require.Len(t, f.rec.receipts, 1)
	assert.True(t, f.store.Consumed(f.rec.receipts[0].EntitlementToken))
}

func TestCoordinator_NoLostPurchaseAcrossDisconnect(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.loadInventory(t)

	f.store.DropConnection()
	f.c.Drain(context.Background())
	require.Equal(t, iap.ConnectionDisconnected, f.c.Connection().Status())

	delivered := f.store.Deliver(backend.PurchaseRecord{SKUs: []string{"sku_b"}, State: iap.PurchaseStatePurchased})
	f.c.Drain(context.Background())
	assert.Empty(t, f.rec.receipts, "push was lost while disconnected")

	require.Equal(t, 1, f.sched.Advance(5*time.Second))
	f.c.Drain(context.Background())

	require.Len(t, f.rec.receipts, 1)
	assert.Equal(t, delivered.Token, f.rec.receipts[0].EntitlementToken)

	f.c.Pause()
	f.c.Resume(context.Background())
	f.c.Drain(context.Background())
	assert.Len(t, f.rec.receipts, 1, "re-queried purchase is not completed twice")
	assert.Equal(t, 1, f.store.Stats().Acknowledged)
}

func TestCoordinator_RetryBound(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.store.FailNextConnects(3)
	f.store.DropConnection()
	f.c.Drain(context.Background())

	for i := 0; i < 3; i++ {
		require.Equal(t, 1, f.sched.Advance(5*time.Second))
		f.c.Drain(context.Background())
	}

	assert.Equal(t, iap.ConnectionDisconnected, f.c.Connection().Status())
	assert.Zero(t, f.sched.Pending(), "no fourth attempt")
	assert.Zero(t, f.sched.Advance(time.Minute))
	assert.Equal(t, 4, f.store.Stats().Connects)
	require.Len(t, f.rec.errs, 1)
	assert.True(t, iap.IsRetriesExhausted(f.rec.errs[0]))

	require.NoError(t, f.c.Connect(context.Background()))
	f.c.Drain(context.Background())
	assert.Equal(t, iap.ConnectionConnected, f.c.Connection().Status())
}

func TestCoordinator_HistoryPagination(t *testing.T) {
	f := newFixture(t, memory.WithPageSize(1))
	for i := 0; i < 3; i++ {
		f.store.Deliver(backend.PurchaseRecord{SKUs: []string{"monthly"}, State: iap.PurchaseStatePurchased})
	}

	f.start(t)

	assert.Len(t, f.rec.receipts, 3)
	assert.Equal(t, 3, f.store.Stats().Acknowledged)
	assert.Equal(t, 1+3, f.store.Stats().PurchaseQueries)
}

func TestCoordinator_AcknowledgedHistoryJoinsReceipts(t *testing.T) {
	f := newFixture(t)
	old := f.store.Deliver(backend.PurchaseRecord{SKUs: []string{"sku_b"}, State: iap.PurchaseStatePurchased, Acknowledged: true})

	f.start(t)

	assert.Empty(t, f.rec.receipts)
	assert.Contains(t, f.c.Orders().Receipts(), old.Token)
	assert.Zero(t, f.store.Stats().Acknowledged)
}

func TestCoordinator_ItemAlreadyOwned(t *testing.T) {
	f := newFixture(t)
	owned := f.store.Deliver(backend.PurchaseRecord{SKUs: []string{"sku_b"}, State: iap.PurchaseStatePurchased, Acknowledged: true})
	f.start(t)
	f.loadInventory(t)
	queries := f.store.Stats().PurchaseQueries

	a, err := f.c.Orders().Start(context.Background(), "sku_b", iap.OrderOptions{}, 8)
	require.NoError(t, err)
	f.c.Drain(context.Background())

	assert.Equal(t, queries+1, f.store.Stats().PurchaseQueries)
	var last iap.Order
	for o := range a.Updates {
		last = o
	}
	assert.Equal(t, iap.OrderStateComplete, last.State)
	assert.Equal(t, owned.Token, last.EntitlementToken)
	assert.Empty(t, f.rec.failures)
}

func TestCoordinator_UserCancelled(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.loadInventory(t)
	f.store.SetOutcome("sku_a", memory.OutcomeCancelled)

	a, err := f.c.Orders().Start(context.Background(), "sku_a", iap.OrderOptions{}, 8)
	require.NoError(t, err)
	f.c.Drain(context.Background())

	var last iap.Order
	for o := range a.Updates {
		last = o
	}
	assert.Equal(t, iap.OrderStateFailed, last.State)
	assert.True(t, last.IsCancelled)
	assert.Equal(t, iap.CodeUserCancelled, iap.CodeOf(last.Err))
	require.Len(t, f.rec.failures, 1)
}

func TestCoordinator_FlowErrorFailsAttempt(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.loadInventory(t)
	f.store.SetOutcome("sku_a", memory.OutcomeError)

	_, err := f.c.Orders().Start(context.Background(), "sku_a", iap.OrderOptions{}, 8)
	require.NoError(t, err)
	f.c.Drain(context.Background())

	require.Len(t, f.rec.failures, 1)
	assert.Equal(t, iap.CodePurchaseFlowFailed, iap.CodeOf(f.rec.failures[0].Err))
}

func TestCoordinator_PendingThenSettled(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.loadInventory(t)
	f.store.SetOutcome("sku_b", memory.OutcomePending)

	_, err := f.c.Orders().Start(context.Background(), "sku_b", iap.OrderOptions{}, 8)
	require.NoError(t, err)
	f.c.Drain(context.Background())

	snap := f.c.Registry().Snapshot()
	require.Len(t, snap, 1)
	assert.Empty(t, f.rec.receipts)

	_, ok := f.store.SettlePending(snap[0].EntitlementToken, iap.PurchaseStatePurchased)
	require.True(t, ok)
	f.c.Drain(context.Background())

	assert.Zero(t, f.c.Registry().Len())
	require.Len(t, f.rec.receipts, 1)
	assert.Equal(t, snap[0].OrderID, f.rec.receipts[0].OrderID)
}

func TestCoordinator_DisconnectReleasesRegistry(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.loadInventory(t)
	f.store.SetOutcome("sku_b", memory.OutcomePending)
	_, err := f.c.Orders().Start(context.Background(), "sku_b", iap.OrderOptions{}, 8)
	require.NoError(t, err)
	f.c.Drain(context.Background())
	require.Equal(t, 1, f.c.Registry().Len())

	f.store.DropConnection()
	f.c.Drain(context.Background())
	require.Equal(t, 1, f.sched.Pending())

	f.c.Disconnect()

	assert.Zero(t, f.c.Registry().Len())
	assert.Zero(t, f.sched.Pending(), "retry timer cancelled")
	assert.Equal(t, iap.ConnectionClosed, f.c.Connection().Status())
}

// offlineCompletions lets consume and acknowledge succeed after the
// connection is gone, like a server-side API would.
type offlineCompletions struct {
	*memory.Store
	mu       sync.Mutex
	consumed []string
}

func (s *offlineCompletions) Consume(_ context.Context, o iap.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed = append(s.consumed, o.EntitlementToken)
	return nil
}

func (s *offlineCompletions) consumes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumed)
}

// startConsumeInFlight drives a consumable purchase up to the point where
// its consume call is queued on exec but has not run.
func startConsumeInFlight(t *testing.T) (*Coordinator, *offlineCompletions, *testutil.DeferredExecutor, *recorder) {
	t.Helper()
	store := &offlineCompletions{Store: memory.New(products,
		memory.WithIDGenerator(testutil.NewFixedGenerator("tok")))}
	exec := &testutil.DeferredExecutor{}
	rec := &recorder{}
	c := New(store,
		WithScheduler(testutil.NewManualScheduler()),
		WithExecutor(exec),
		WithValidator(orders.ValidatorFunc(func(context.Context, iap.Order) (orders.Verdict, error) {
			return orders.VerdictValidated, nil
		})),
		WithListener(rec),
		WithIDGenerator(testutil.NewFixedGenerator("req")),
	)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	c.Drain(ctx)
	c.Inventory().Query(ctx, map[string]iap.ProductType{"sku_a": iap.ProductTypeConsumable})
	c.Drain(ctx)

	_, err := c.Orders().Start(ctx, "sku_a", iap.OrderOptions{}, 8)
	require.NoError(t, err)
	require.Equal(t, 1, exec.RunAll(), "purchase flow")
	c.Drain(ctx)
	require.Equal(t, 1, exec.RunAll(), "validation")
	c.Drain(ctx)
	require.Equal(t, 1, exec.Len(), "consume queued")
	require.Equal(t, 1, c.InFlight())
	require.Zero(t, store.consumes())
	return c, store, exec, rec
}

func TestCoordinator_CloseKeepsInFlightCompletion(t *testing.T) {
	c, store, exec, rec := startConsumeInFlight(t)

	c.Close()
	require.Equal(t, 1, exec.RunAll())
	c.Drain(context.Background())

	require.Equal(t, 1, store.consumes())
	require.Len(t, rec.receipts, 1, "consumed purchase still gets its receipt")
	token := store.consumed[0]
	assert.Equal(t, token, rec.receipts[0].EntitlementToken)
	assert.Empty(t, rec.failures)
	assert.Contains(t, c.Orders().Receipts(), token)
	assert.Zero(t, c.InFlight())
}

func TestCoordinator_CloseRefusesBackendEvents(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.c.Close()

	f.c.OnPurchaseUpdates(backend.PurchaseUpdatesResult{Status: backend.StatusOK})
	assert.Zero(t, f.c.Drain(context.Background()))
}

func TestCoordinator_RunWaitsForInFlightWorkAfterClose(t *testing.T) {
	c, _, exec, rec := startConsumeInFlight(t)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	c.Close()
	select {
	case <-done:
		t.Fatal("Run returned with a consume in flight")
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, 1, exec.RunAll())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after in-flight work finished")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.receipts, 1)
}

func TestCoordinator_PanicInEventIsRecovered(t *testing.T) {
	f := newFixture(t)
	ran := false
	f.c.post(func() { panic("malformed callback") })
	f.c.post(func() { ran = true })

	assert.NotPanics(t, func() { f.c.Drain(context.Background()) })
	assert.True(t, ran, "loop keeps going after a panic")
}

func TestCoordinator_MalformedEventsAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.c.enqueue(Event{Type: EventTypeConnection})
	f.c.enqueue(Event{Type: EventType(99)})

	assert.Equal(t, 2, f.c.Drain(context.Background()))
}

func TestCoordinator_RunStopsOnClose(t *testing.T) {
	f := newFixture(t)
	done := make(chan error, 1)
	go func() { done <- f.c.Run(context.Background()) }()

	status, cancel := f.c.Connection().Watch()
	defer cancel()
	require.NoError(t, f.c.Start(context.Background()))

	require.Eventually(t, func() bool {
		return f.c.Connection().Status() == iap.ConnectionConnected
	}, time.Second, 5*time.Millisecond)
	<-status

	f.c.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestCoordinator_RunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.c.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
