// internal/sweeper/sweeper_test.go
package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"orderflow/internal/idempotency"
	"orderflow/internal/inventory"
	"orderflow/internal/reservation"
)

func newTestSweeper(t *testing.T, holdTTL time.Duration) (*Sweeper, *reservation.Coordinator, *inventory.MemoryLedger) {
	t.Helper()
	tracer := otel.Tracer("test")
	ledger := inventory.NewMemoryLedger()
	coord := reservation.NewCoordinator(
		ledger, reservation.NewMemoryRepository(), idempotency.NewMemoryStore(),
		tracer, 5, time.Millisecond, holdTTL,
	)
	return NewSweeper(coord, time.Minute, tracer), coord, ledger
}

func TestSweepOnce_ReleasesExpiredHolds(t *testing.T) {
	sw, coord, ledger := newTestSweeper(t, 0) // 预占立刻到期
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 10, "seed"))

	_, err := coord.Reserve(ctx, "o1", "o1:reserve", []reservation.Line{{ProductID: "p1", Quantity: 4}})
	require.NoError(t, err)

	view, _ := ledger.GetStock(ctx, "p1")
	require.Equal(t, int64(6), view.Available)

	released := sw.SweepOnce(ctx)
	assert.Equal(t, 1, released)

	view, _ = ledger.GetStock(ctx, "p1")
	assert.Equal(t, int64(10), view.Available)
	assert.Equal(t, int64(0), view.Reserved)

	// 没有新到期的预占时清扫是空转
	assert.Zero(t, sw.SweepOnce(ctx))
}

func TestSweepOnce_LeavesUnexpiredHoldsAlone(t *testing.T) {
	sw, coord, ledger := newTestSweeper(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, ledger.Restock(ctx, "p1", 10, "seed"))

	_, err := coord.Reserve(ctx, "o1", "o1:reserve", []reservation.Line{{ProductID: "p1", Quantity: 4}})
	require.NoError(t, err)

	assert.Zero(t, sw.SweepOnce(ctx))

	view, _ := ledger.GetStock(ctx, "p1")
	assert.Equal(t, int64(6), view.Available)
	assert.Equal(t, int64(4), view.Reserved)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	sw, _, _ := newTestSweeper(t, time.Hour)
	sw.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after context cancellation")
	}
}
