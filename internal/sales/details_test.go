package sales

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerpulse/ledgerpulse/internal/ledger"
)

func newTestDetailStore(t *testing.T) (*DetailStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewDetailStore(client, time.Hour), mr
}

func TestDetailStoreRoundTrip(t *testing.T) {
	store, mr := newTestDetailStore(t)
	ctx := context.Background()

	detail := TransactionDetail{
		Receipts: []ledger.Transaction{receipt("r1", "100", nil)},
		Invoices: []ledger.Transaction{invoice("i1", "50", nil)},
		CachedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveDetail(ctx, "t1", "03/2024", detail))

	// Keys flip MM/YYYY to YYYY_MM so a tenant's periods sort by time.
	assert.True(t, mr.Exists("sales:detail:t1:2024_03"))

	loaded, err := store.LoadDetail(ctx, "t1", "03/2024")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, detailCacheVersion, loaded.Version)
	require.Len(t, loaded.Receipts, 1)
	assert.True(t, loaded.Receipts[0].TotalAmt.Equal(dec("100")))
	require.Len(t, loaded.Invoices, 1)
}

func TestDetailStoreMissReturnsNil(t *testing.T) {
	store, _ := newTestDetailStore(t)

	loaded, err := store.LoadDetail(context.Background(), "t1", "01/2020")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestDetailStoreBlobsExpire(t *testing.T) {
	store, mr := newTestDetailStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveDetail(ctx, "t1", "03/2024", TransactionDetail{CachedAt: time.Now().UTC()}))
	mr.FastForward(2 * time.Hour)

	loaded, err := store.LoadDetail(ctx, "t1", "03/2024")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestAnnualDocRoundTripAndDrop(t *testing.T) {
	store, mr := newTestDetailStore(t)
	ctx := context.Background()

	doc := AnnualSummary{TenantID: "t1", Year: 2024, TotalAnnual: dec("1200"), MonthsWithSales: 3}
	require.NoError(t, store.SaveAnnual(ctx, doc))
	assert.True(t, mr.Exists("sales:annual:t1:2024"))

	loaded, err := store.LoadAnnual(ctx, "t1", 2024)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.TotalAnnual.Equal(dec("1200")))
	assert.Equal(t, 3, loaded.MonthsWithSales)

	require.NoError(t, store.DropAnnual(ctx, "t1", 2024))
	loaded, err = store.LoadAnnual(ctx, "t1", 2024)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestNilDetailStoreIsInert(t *testing.T) {
	var store *DetailStore
	ctx := context.Background()

	require.NoError(t, store.SaveDetail(ctx, "t1", "03/2024", TransactionDetail{}))
	loaded, err := store.LoadDetail(ctx, "t1", "03/2024")
	require.NoError(t, err)
	assert.Nil(t, loaded)
	require.NoError(t, store.SaveAnnual(ctx, AnnualSummary{}))
	require.NoError(t, store.DropAnnual(ctx, "t1", 2024))
}
