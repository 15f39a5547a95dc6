// internal/inventory/ledger_test.go
package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_GetStockUnknownProduct(t *testing.T) {
	ledger := NewMemoryLedger()

	_, err := ledger.GetStock(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestMemoryLedger_RestockCreatesRecord(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, ledger.Restock(ctx, "p1", 10, "initial-load"))

	view, err := ledger.GetStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), view.Available)
	assert.Equal(t, int64(0), view.Reserved)

	txs, err := ledger.Transactions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, TxRestock, txs[0].Type)
	assert.Equal(t, int64(10), txs[0].QuantityChange)
}

func TestMemoryLedger_ApplyDeltaReserve(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 10, "load"))

	view, err := ledger.GetStock(ctx, "p1")
	require.NoError(t, err)

	newVersion, err := ledger.ApplyDelta(ctx, Delta{
		ProductID:       "p1",
		AvailableDelta:  -3,
		ReservedDelta:   +3,
		ExpectedVersion: view.Version,
		Type:            TxReserve,
		ReferenceID:     "order-1",
	})
	require.NoError(t, err)
	assert.Equal(t, view.Version+1, newVersion)

	after, err := ledger.GetStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), after.Available)
	assert.Equal(t, int64(3), after.Reserved)

	txs, err := ledger.Transactions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, TxReserve, txs[1].Type)
	assert.Equal(t, "order-1", txs[1].ReferenceID)
}

func TestMemoryLedger_VersionConflict(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 5, "load"))

	view, err := ledger.GetStock(ctx, "p1")
	require.NoError(t, err)

	// 第一次 CAS 成功，版本前进
	_, err = ledger.ApplyDelta(ctx, Delta{
		ProductID: "p1", AvailableDelta: -1, ReservedDelta: +1,
		ExpectedVersion: view.Version, Type: TxReserve, ReferenceID: "o1",
	})
	require.NoError(t, err)

	// 用过期版本再试，必须拿到 ConflictError
	_, err = ledger.ApplyDelta(ctx, Delta{
		ProductID: "p1", AvailableDelta: -1, ReservedDelta: +1,
		ExpectedVersion: view.Version, Type: TxReserve, ReferenceID: "o2",
	})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "p1", conflict.ProductID)
	assert.Equal(t, view.Version, conflict.ExpectedVersion)
	assert.Equal(t, view.Version+1, conflict.ActualVersion)
}

func TestMemoryLedger_InsufficientStock(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 2, "load"))

	view, err := ledger.GetStock(ctx, "p1")
	require.NoError(t, err)

	_, err = ledger.ApplyDelta(ctx, Delta{
		ProductID: "p1", AvailableDelta: -3, ReservedDelta: +3,
		ExpectedVersion: view.Version, Type: TxReserve, ReferenceID: "o1",
	})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(3), insufficient.Requested)
	assert.Equal(t, int64(2), insufficient.Available)

	// 失败的变更不产生流水，计数器原封不动
	after, err := ledger.GetStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), after.Available)
	assert.Equal(t, view.Version, after.Version)

	txs, err := ledger.Transactions(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestMemoryLedger_ConservationAcrossReserveRelease(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 8, "load"))

	before, err := ledger.GetStock(ctx, "p1")
	require.NoError(t, err)
	sumBefore := before.Available + before.Reserved

	v, err := ledger.ApplyDelta(ctx, Delta{
		ProductID: "p1", AvailableDelta: -5, ReservedDelta: +5,
		ExpectedVersion: before.Version, Type: TxReserve, ReferenceID: "o1",
	})
	require.NoError(t, err)

	_, err = ledger.ApplyDelta(ctx, Delta{
		ProductID: "p1", AvailableDelta: +5, ReservedDelta: -5,
		ExpectedVersion: v, Type: TxRelease, ReferenceID: "o1",
	})
	require.NoError(t, err)

	after, err := ledger.GetStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, sumBefore, after.Available+after.Reserved)
	assert.Equal(t, before.Available, after.Available)
}

func TestMemoryLedger_CommitShrinksPool(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 8, "load"))

	view, _ := ledger.GetStock(ctx, "p1")
	v, err := ledger.ApplyDelta(ctx, Delta{
		ProductID: "p1", AvailableDelta: -5, ReservedDelta: +5,
		ExpectedVersion: view.Version, Type: TxReserve, ReferenceID: "o1",
	})
	require.NoError(t, err)

	// 确认售出：reserved 永久离开资源池
	_, err = ledger.ApplyDelta(ctx, Delta{
		ProductID: "p1", AvailableDelta: 0, ReservedDelta: -5,
		ExpectedVersion: v, Type: TxConfirm, ReferenceID: "o1",
	})
	require.NoError(t, err)

	after, err := ledger.GetStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), after.Available)
	assert.Equal(t, int64(0), after.Reserved)
}

func TestMemoryLedger_ConcurrentCASOnlyOneWins(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 5, "load"))

	view, err := ledger.GetStock(ctx, "p1")
	require.NoError(t, err)

	// 两个调用方都读到了同一个版本，只有一个 CAS 能落地
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(ref string) {
			_, err := ledger.ApplyDelta(ctx, Delta{
				ProductID: "p1", AvailableDelta: -3, ReservedDelta: +3,
				ExpectedVersion: view.Version, Type: TxReserve, ReferenceID: ref,
			})
			results <- err
		}("order-" + string(rune('a'+i)))
	}

	var okCount, conflictCount int
	for i := 0; i < 2; i++ {
		err := <-results
		if err == nil {
			okCount++
			continue
		}
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		conflictCount++
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, 1, conflictCount)

	after, err := ledger.GetStock(ctx, "p1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after.Available, int64(0))
	assert.Equal(t, int64(2), after.Available)
	assert.Equal(t, int64(3), after.Reserved)
}

func TestMemoryLedger_AdjustCorrectsAvailable(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 10, "load"))

	// 盘亏 3 件
	require.NoError(t, ledger.Adjust(ctx, "p1", -3, "stocktake-2026w35"))

	view, err := ledger.GetStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), view.Available)

	txs, err := ledger.Transactions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, TxAdjustment, txs[1].Type)
	assert.Equal(t, int64(-3), txs[1].QuantityChange)
}

func TestMemoryLedger_AdjustCannotGoNegative(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 2, "load"))

	err := ledger.Adjust(ctx, "p1", -5, "stocktake")
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)

	view, err := ledger.GetStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), view.Available)
}

func TestMemoryLedger_AdjustUnknownProduct(t *testing.T) {
	ledger := NewMemoryLedger()

	err := ledger.Adjust(context.Background(), "ghost", 1, "stocktake")
	assert.ErrorIs(t, err, ErrProductNotFound)
}
