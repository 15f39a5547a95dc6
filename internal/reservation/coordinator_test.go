// internal/reservation/coordinator_test.go
package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"orderflow/internal/idempotency"
	"orderflow/internal/inventory"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *inventory.MemoryLedger) {
	t.Helper()
	ledger := inventory.NewMemoryLedger()
	repo := NewMemoryRepository()
	idem := idempotency.NewMemoryStore()
	coord := NewCoordinator(ledger, repo, idem, otel.Tracer("test"), 5, time.Millisecond, 20*time.Minute)
	return coord, ledger
}

func mustStock(t *testing.T, ledger *inventory.MemoryLedger, productID string) inventory.StockView {
	t.Helper()
	view, err := ledger.GetStock(context.Background(), productID)
	require.NoError(t, err)
	return view
}

func TestReserve_HappyPath(t *testing.T) {
	coord, ledger := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 10, "load"))

	res, err := coord.Reserve(ctx, "order-1", "key-1", []Line{{ProductID: "p1", Quantity: 4}})
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, res.Status)
	assert.Equal(t, "order-1", res.OrderID)

	view := mustStock(t, ledger, "p1")
	assert.Equal(t, int64(6), view.Available)
	assert.Equal(t, int64(4), view.Reserved)
}

func TestReserve_AllOrNothingRollsBackFirstLine(t *testing.T) {
	coord, ledger := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 10, "load"))
	require.NoError(t, ledger.Restock(ctx, "p2", 1, "load"))

	_, err := coord.Reserve(ctx, "order-1", "key-1", []Line{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 5}, // 不足
	})
	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "p2", insufficient.ProductID)

	// 第一条的预占必须已回滚
	p1 := mustStock(t, ledger, "p1")
	assert.Equal(t, int64(10), p1.Available)
	assert.Equal(t, int64(0), p1.Reserved)
	p2 := mustStock(t, ledger, "p2")
	assert.Equal(t, int64(1), p2.Available)
}

func TestReserve_IdempotentReplay(t *testing.T) {
	coord, ledger := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 10, "load"))

	first, err := coord.Reserve(ctx, "order-1", "key-1", []Line{{ProductID: "p1", Quantity: 3}})
	require.NoError(t, err)

	// 同一幂等键的重复调用不再扣减，返回同一个预占
	second, err := coord.Reserve(ctx, "order-1", "key-1", []Line{{ProductID: "p1", Quantity: 3}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	view := mustStock(t, ledger, "p1")
	assert.Equal(t, int64(7), view.Available)
	assert.Equal(t, int64(3), view.Reserved)
}

func TestReserve_InsufficientOutcomeIsRecorded(t *testing.T) {
	coord, ledger := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 1, "load"))

	_, err := coord.Reserve(ctx, "order-1", "key-1", []Line{{ProductID: "p1", Quantity: 5}})
	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(5), insufficient.Requested)
	require.Equal(t, int64(1), insufficient.Available)

	// 重放同样返回业务失败，错误内容和第一次一致，且不触碰台账
	before := mustStock(t, ledger, "p1")
	_, err = coord.Reserve(ctx, "order-1", "key-1", []Line{{ProductID: "p1", Quantity: 5}})
	var replayed *inventory.InsufficientStockError
	require.ErrorAs(t, err, &replayed)
	assert.Equal(t, insufficient.ProductID, replayed.ProductID)
	assert.Equal(t, insufficient.Requested, replayed.Requested)
	assert.Equal(t, insufficient.Available, replayed.Available)
	after := mustStock(t, ledger, "p1")
	assert.Equal(t, before.Version, after.Version)
}

func TestReserve_ConcurrentContention_NoOverselling(t *testing.T) {
	coord, ledger := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 5, "load"))

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = coord.Reserve(ctx, "order-"+string(rune('a'+i)), "key-"+string(rune('a'+i)),
				[]Line{{ProductID: "p1", Quantity: 3}})
		}(i)
	}
	wg.Wait()

	var okCount, insufficientCount int
	for _, err := range results {
		if err == nil {
			okCount++
			continue
		}
		var insufficient *inventory.InsufficientStockError
		require.ErrorAs(t, err, &insufficient)
		insufficientCount++
	}
	assert.Equal(t, 1, okCount, "exactly one reservation may win")
	assert.Equal(t, 1, insufficientCount)

	view := mustStock(t, ledger, "p1")
	assert.Equal(t, int64(2), view.Available)
	assert.Equal(t, int64(3), view.Reserved)
	assert.GreaterOrEqual(t, view.Available, int64(0))
}

func TestReserve_ManyConcurrentNeverOversell(t *testing.T) {
	coord, ledger := newTestCoordinator(t)
	ctx := context.Background()
	const stock = 10
	require.NoError(t, ledger.Restock(ctx, "p1", stock, "load"))

	const callers = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	var reservedTotal int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := coord.Reserve(ctx, "order", "key-"+itoa(i), []Line{{ProductID: "p1", Quantity: 2}})
			if err == nil {
				mu.Lock()
				reservedTotal += res.Lines[0].Quantity
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, reservedTotal, int64(stock))
	view := mustStock(t, ledger, "p1")
	assert.GreaterOrEqual(t, view.Available, int64(0))
	assert.Equal(t, reservedTotal, view.Reserved)
	assert.Equal(t, int64(stock), view.Available+view.Reserved)
}

func itoa(i int) string {
	return string(rune('0'+i/10)) + string(rune('0'+i%10))
}

func TestCommit_MovesReservedOutOfPool(t *testing.T) {
	coord, ledger := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 10, "load"))

	res, err := coord.Reserve(ctx, "order-1", "key-1", []Line{{ProductID: "p1", Quantity: 4}})
	require.NoError(t, err)
	require.NoError(t, coord.Commit(ctx, res.ID))

	view := mustStock(t, ledger, "p1")
	assert.Equal(t, int64(6), view.Available)
	assert.Equal(t, int64(0), view.Reserved)
}

func TestCommit_IdempotentNoExtraMutation(t *testing.T) {
	coord, ledger := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 10, "load"))

	res, err := coord.Reserve(ctx, "order-1", "key-1", []Line{{ProductID: "p1", Quantity: 4}})
	require.NoError(t, err)
	require.NoError(t, coord.Commit(ctx, res.ID))

	before := mustStock(t, ledger, "p1")
	require.NoError(t, coord.Commit(ctx, res.ID)) // 第二次是 no-op
	after := mustStock(t, ledger, "p1")
	assert.Equal(t, before.Version, after.Version)
}

func TestRelease_OnCommittedIsRejectedWithoutMutation(t *testing.T) {
	coord, ledger := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 10, "load"))

	res, err := coord.Reserve(ctx, "order-1", "key-1", []Line{{ProductID: "p1", Quantity: 4}})
	require.NoError(t, err)
	require.NoError(t, coord.Commit(ctx, res.ID))

	before := mustStock(t, ledger, "p1")
	err = coord.Release(ctx, res.ID)
	assert.True(t, errors.Is(err, ErrAlreadyCommitted))
	after := mustStock(t, ledger, "p1")
	assert.Equal(t, before.Version, after.Version)
}

func TestRelease_RestoresAvailable(t *testing.T) {
	coord, ledger := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 10, "load"))

	res, err := coord.Reserve(ctx, "order-1", "key-1", []Line{{ProductID: "p1", Quantity: 4}})
	require.NoError(t, err)
	require.NoError(t, coord.Release(ctx, res.ID))

	view := mustStock(t, ledger, "p1")
	assert.Equal(t, int64(10), view.Available)
	assert.Equal(t, int64(0), view.Reserved)

	// 重复释放是 no-op
	require.NoError(t, coord.Release(ctx, res.ID))
}

func TestExpireDue_SweepReleasesAndLateCommitIsRejected(t *testing.T) {
	ledger := inventory.NewMemoryLedger()
	repo := NewMemoryRepository()
	idem := idempotency.NewMemoryStore()
	// holdTTL 为 0：预占立刻视为超时
	coord := NewCoordinator(ledger, repo, idem, otel.Tracer("test"), 5, time.Millisecond, 0)
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 10, "load"))

	res, err := coord.Reserve(ctx, "order-1", "key-1", []Line{{ProductID: "p1", Quantity: 4}})
	require.NoError(t, err)

	released, err := coord.ExpireDue(ctx, time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	// 库存回到预占前
	view := mustStock(t, ledger, "p1")
	assert.Equal(t, int64(10), view.Available)
	assert.Equal(t, int64(0), view.Reserved)

	// 迟到的回调尝试 Commit：预占已 RELEASED，必须拒绝且不动台账
	before := mustStock(t, ledger, "p1")
	err = coord.Commit(ctx, res.ID)
	assert.True(t, errors.Is(err, ErrAlreadyReleased))
	after := mustStock(t, ledger, "p1")
	assert.Equal(t, before.Version, after.Version)

	// 第二轮清扫没有可释放的内容
	released, err = coord.ExpireDue(ctx, time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}
