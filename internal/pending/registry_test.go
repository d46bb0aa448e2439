package pending

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/iapsync/internal/iap"
)

func pendingOrder(orderID, token string) iap.Order {
	return iap.Order{
		OrderID:          orderID,
		EntitlementToken: token,
		SKUs:             []string{"sku_b"},
		State:            iap.OrderStatePending,
		PurchaseState:    iap.PurchaseStatePending,
	}
}

func TestRegistry_AddPendingDedup(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.AddPending(pendingOrder("o1", "tok-1")))
	assert.False(t, r.AddPending(pendingOrder("o1", "tok-1")), "same order id is ignored")
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.IsPending("o1"))
}

func TestRegistry_AddPendingKeepsFirstEntry(t *testing.T) {
	r := NewRegistry()
	first := pendingOrder("o1", "tok-1")
	second := pendingOrder("o1", "tok-1")
	second.Quantity = 7

	r.AddPending(first)
	r.AddPending(second)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 0, snap[0].Quantity)
}

func TestRegistry_AddPendingWithoutKey(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.AddPending(iap.Order{}))
	assert.Zero(t, r.Len())
}

func TestRegistry_TokenFallbackKey(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.AddPending(pendingOrder("", "tok-9")))

	got, ok := r.ResolvePending(pendingOrder("", "tok-9"))
	require.True(t, ok)
	assert.Equal(t, "tok-9", got.EntitlementToken)
	assert.Zero(t, r.Len())
}

func TestRegistry_ResolvePending(t *testing.T) {
	r := NewRegistry()
	r.AddPending(pendingOrder("o1", "tok-1"))

	_, ok := r.ResolvePending(pendingOrder("o2", "tok-2"))
	assert.False(t, ok)

	got, ok := r.ResolvePending(pendingOrder("o1", "tok-1"))
	require.True(t, ok)
	assert.Equal(t, "o1", got.OrderID)
	assert.False(t, r.IsPending("o1"))

	_, ok = r.ResolvePending(pendingOrder("o1", "tok-1"))
	assert.False(t, ok, "resolve is one-shot")
}

func TestRegistry_Claim(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.Claim("tok-1"))
	assert.False(t, r.Claim("tok-1"))
	assert.True(t, r.Claimed("tok-1"))
	assert.False(t, r.Claim(""))

	r.Release("tok-1")
	assert.False(t, r.Claimed("tok-1"))
	assert.True(t, r.Claim("tok-1"))
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	r := NewRegistry()
	r.AddPending(pendingOrder("o3", "c"))
	r.AddPending(pendingOrder("o1", "a"))
	r.AddPending(pendingOrder("o2", "b"))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "o1", snap[0].OrderID)
	assert.Equal(t, "o2", snap[1].OrderID)
	assert.Equal(t, "o3", snap[2].OrderID)
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry()
	r.AddPending(pendingOrder("o1", "tok-1"))
	r.AddPending(pendingOrder("o2", "tok-2"))
	r.Claim("tok-3")

	assert.Equal(t, 2, r.Clear())
	assert.Zero(t, r.Len())
	assert.False(t, r.Claimed("tok-3"))
}

func TestRegistry_ConcurrentAddPending(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	added := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.AddPending(pendingOrder("o1", "tok-1")) {
				mu.Lock()
				added++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, added)
	assert.Equal(t, 1, r.Len())
}
