package receipts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/iapsync/internal/iap"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "receipts.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func receipt(token string, t iap.ProductType) iap.Receipt {
	return iap.Receipt{
		EntitlementToken: token,
		OrderID:          "GPA." + token,
		SKUs:             []string{"sku_" + token},
		Type:             t,
		OrderDate:        time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		UserID:           "acct-1",
	}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	_, path := openTestStore(t)

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receipts.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "receipts.db"))
	assert.Error(t, err)
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.Close())
}

func TestPragma_JournalMode(t *testing.T) {
	s, _ := openTestStore(t)
	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestSchema_UserVersion(t *testing.T) {
	s, _ := openTestStore(t)
	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	var name string
	err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'idx_receipts_order_id'`).Scan(&name)
	require.NoError(t, err)
}

func TestAppend_RoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	cancel := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	r := receipt("t1", iap.ProductTypeSubscription)
	r.CancelDate = &cancel
	r.IsCancelled = true

	inserted, err := s.Append(ctx, r)
	require.NoError(t, err)
	assert.True(t, inserted)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestAppend_DuplicateTokenIgnored(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	first := receipt("t1", iap.ProductTypeConsumable)
	_, err := s.Append(ctx, first)
	require.NoError(t, err)

	second := first
	second.OrderID = "GPA.other"
	inserted, err := s.Append(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "GPA.t1", got.OrderID, "first write wins")

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppend_EmptyToken(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Append(context.Background(), iap.Receipt{})
	assert.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_OrderAndFilter(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	for _, r := range []iap.Receipt{
		receipt("c1", iap.ProductTypeConsumable),
		receipt("s1", iap.ProductTypeSubscription),
		receipt("n1", iap.ProductTypeNonConsumable),
		receipt("c2", iap.ProductTypeConsumable),
	} {
		_, err := s.Append(ctx, r)
		require.NoError(t, err)
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "c1", all[0].EntitlementToken)
	assert.Equal(t, "c2", all[3].EntitlementToken)

	consumables, err := s.List(ctx, iap.ProductTypeConsumable)
	require.NoError(t, err)
	require.Len(t, consumables, 2)
	assert.Equal(t, "c1", consumables[0].EntitlementToken)
	assert.Equal(t, "c2", consumables[1].EntitlementToken)

	mixed, err := s.List(ctx, iap.ProductTypeSubscription, iap.ProductTypeNonConsumable, iap.ProductTypeSubscription)
	require.NoError(t, err)
	assert.Len(t, mixed, 2)
}

func TestList_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receipts.db")
	s1, err := Open(path)
	require.NoError(t, err)
	_, err = s1.Append(context.Background(), receipt("t1", iap.ProductTypeNonConsumable))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.List(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, iap.ProductTypeNonConsumable, got[0].Type)
}
