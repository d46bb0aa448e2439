package agent

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/iapsync/internal/backend"
	"github.com/roach88/iapsync/internal/backend/memory"
	"github.com/roach88/iapsync/internal/iap"
	"github.com/roach88/iapsync/internal/inventory"
	"github.com/roach88/iapsync/internal/orders"
	"github.com/roach88/iapsync/internal/receipts"
	"github.com/roach88/iapsync/internal/testutil"
)

const waitFor = 2 * time.Second

var catalog = []iap.Product{
	{SKU: "coins", Title: "Coins", Type: iap.ProductTypeConsumable},
	{SKU: "pro", Title: "Pro", Type: iap.ProductTypeNonConsumable},
	{SKU: "monthly", Title: "Monthly", Type: iap.ProductTypeSubscription, Promotion: iap.PromotionFree},
}

type countingValidator struct{ calls atomic.Int32 }

func (v *countingValidator) Validate(context.Context, iap.Order) (orders.Verdict, error) {
	v.calls.Add(1)
	return orders.VerdictValidated, nil
}

type receiptSink struct {
	mu       sync.Mutex
	receipts []iap.Receipt
}

func (s *receiptSink) OnComplete(r iap.Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
}

func (s *receiptSink) OnFailure(iap.Order) {}

func (s *receiptSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}

func newStore() *memory.Store {
	return memory.New(catalog, memory.WithIDGenerator(testutil.NewFixedGenerator("tok")))
}

func startAgent(t *testing.T, store *memory.Store, opts ...Option) *Agent {
	t.Helper()
	base := []Option{
		WithExecutor(testutil.InlineExecutor{}),
		WithScheduler(testutil.NewManualScheduler()),
	}
	a := New(store, append(base, opts...)...)
	t.Cleanup(a.Close)
	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return a.Status() == iap.ConnectionConnected }, waitFor, time.Millisecond)
	return a
}

func loadCatalog(t *testing.T, a *Agent) {
	t.Helper()
	h := a.UpdateInventory(context.Background(), map[string]iap.ProductType{
		"coins":   iap.ProductTypeConsumable,
		"pro":     iap.ProductTypeNonConsumable,
		"monthly": iap.ProductTypeSubscription,
	})
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	got, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func drainOrders(t *testing.T, ch <-chan iap.Order) iap.Order {
	t.Helper()
	var last iap.Order
	timeout := time.After(waitFor)
	for {
		select {
		case o, ok := <-ch:
			if !ok {
				return last
			}
			last = o
		case <-timeout:
			t.Fatal("order stream did not close")
		}
	}
}

func TestAgent_StartAndClose(t *testing.T) {
	a := startAgent(t, newStore(), WithValidator(&countingValidator{}))

	states, cancel := a.ConnectionState()
	defer cancel()
	assert.Equal(t, iap.ConnectionConnected, <-states)

	assert.ErrorIs(t, a.Start(context.Background()), ErrStarted)

	a.Close()
	assert.Equal(t, iap.ConnectionClosed, a.Status())
}

func TestAgent_Inventory(t *testing.T) {
	a := startAgent(t, newStore(), WithValidator(&countingValidator{}))
	assert.False(t, a.IsInventoryReady())

	loadCatalog(t, a)

	assert.True(t, a.IsInventoryReady())
	p, ok := a.Product("pro")
	require.True(t, ok)
	assert.Equal(t, "Pro", p.Title)
	assert.Len(t, a.Products(inventory.OfType(iap.ProductTypeConsumable)), 1)
	assert.Len(t, a.Products(inventory.WithPromotion(iap.PromotionFree)), 1)
}

func TestAgent_StartOrderCompletes(t *testing.T) {
	v := &countingValidator{}
	sink := &receiptSink{}
	a := startAgent(t, newStore(), WithValidator(v), WithListener(sink))
	loadCatalog(t, a)

	updates, cancel, err := a.StartOrder(context.Background(), "pro", iap.OrderOptions{})
	require.NoError(t, err)
	defer cancel()

	last := drainOrders(t, updates)
	assert.Equal(t, iap.OrderStateComplete, last.State)
	assert.EqualValues(t, 1, v.calls.Load())
	assert.Equal(t, 1, sink.count())

	got := a.QueryReceipts(iap.ProductTypeNonConsumable)
	assert.Contains(t, got, last.EntitlementToken)
	assert.Empty(t, a.QueryReceipts(iap.ProductTypeSubscription))
}

func TestAgent_StartOrderUnknownSKU(t *testing.T) {
	a := startAgent(t, newStore(), WithValidator(&countingValidator{}))

	_, _, err := a.StartOrder(context.Background(), "missing", iap.OrderOptions{})
	assert.Equal(t, iap.CodeProductNotFound, iap.CodeOf(err))
}

func TestAgent_QueryOrdersReplaysPending(t *testing.T) {
	store := newStore()
	store.SetOutcome("pro", memory.OutcomePending)
	a := startAgent(t, store, WithValidator(&countingValidator{}))
	loadCatalog(t, a)

	_, cancelOrder, err := a.StartOrder(context.Background(), "pro", iap.OrderOptions{})
	require.NoError(t, err)
	defer cancelOrder()
	require.Eventually(t, func() bool { return a.coord.Registry().Len() == 1 }, waitFor, time.Millisecond)

	held, cancel := a.QueryOrders()
	defer cancel()

	select {
	case o := <-held:
		assert.Equal(t, iap.OrderStatePending, o.State)
		assert.Equal(t, []string{"pro"}, o.SKUs)
	case <-time.After(waitFor):
		t.Fatal("pending order not replayed")
	}
}

func TestAgent_ReceiptJournal(t *testing.T) {
	journal, err := receipts.Open(filepath.Join(t.TempDir(), "receipts.db"))
	require.NoError(t, err)
	defer journal.Close()

	a := startAgent(t, newStore(), WithValidator(&countingValidator{}), WithReceiptStore(journal))
	loadCatalog(t, a)

	updates, cancel, err := a.StartOrder(context.Background(), "coins", iap.OrderOptions{})
	require.NoError(t, err)
	defer cancel()
	last := drainOrders(t, updates)
	require.Equal(t, iap.OrderStateComplete, last.State)

	stored, err := journal.Get(context.Background(), last.EntitlementToken)
	require.NoError(t, err)
	assert.Equal(t, iap.ProductTypeConsumable, stored.Type)
}

func TestAgent_JournalSeedsCompletedTokens(t *testing.T) {
	journal, err := receipts.Open(filepath.Join(t.TempDir(), "receipts.db"))
	require.NoError(t, err)
	defer journal.Close()

	store := newStore()
	done := store.Deliver(backend.PurchaseRecord{SKUs: []string{"pro"}, State: iap.PurchaseStatePurchased})
	_, err = journal.Append(context.Background(), iap.Receipt{
		EntitlementToken: done.Token,
		SKUs:             []string{"pro"},
		Type:             iap.ProductTypeNonConsumable,
	})
	require.NoError(t, err)

	v := &countingValidator{}
	a := startAgent(t, store, WithValidator(v), WithReceiptStore(journal))
	require.Eventually(t, func() bool { return store.Stats().PurchaseQueries == 2 }, waitFor, time.Millisecond)

	// Run a full round trip through the loop so the history results are
	// processed before asserting.
	loadCatalog(t, a)

	assert.Zero(t, v.calls.Load(), "journaled token is not validated again")
	assert.Zero(t, store.Stats().Acknowledged)
	assert.Contains(t, a.QueryReceipts(), done.Token)
}

func TestAgent_SteppedLoop(t *testing.T) {
	store := newStore()
	owed := store.Deliver(backend.PurchaseRecord{SKUs: []string{"pro"}, State: iap.PurchaseStatePurchased})

	v := &countingValidator{}
	a := New(store,
		WithExecutor(testutil.InlineExecutor{}),
		WithScheduler(testutil.NewManualScheduler()),
		WithValidator(v),
		WithSteppedLoop(),
	)
	t.Cleanup(a.Close)
	require.NoError(t, a.Start(context.Background()))

	assert.Empty(t, a.QueryReceipts(), "nothing runs until the host steps")

	total := 0
	for n := a.Step(context.Background()); n > 0; n = a.Step(context.Background()) {
		total += n
	}
	assert.Positive(t, total)
	assert.Zero(t, a.Step(context.Background()))

	assert.Equal(t, iap.ConnectionConnected, a.Status())
	assert.Equal(t, int32(1), v.calls.Load())
	assert.Equal(t, 1, store.Stats().Acknowledged)
	assert.Contains(t, a.QueryReceipts(), owed.Token)
}
