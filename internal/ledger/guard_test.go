package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cimillas/stockroom/internal/domain"
	"github.com/cimillas/stockroom/internal/ledger"
	"github.com/cimillas/stockroom/internal/storage/memory"
)

func TestLocalGuard(t *testing.T) {
	ctx := context.Background()
	g := ledger.NewLocalGuard()

	first, err := g.Share(ctx, []string{"b", "a", "b"})
	require.NoError(t, err)
	second, err := g.Share(ctx, []string{"a"})
	require.NoError(t, err, "shared holders do not block each other")

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = g.Exclusive(waitCtx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := g.Exclusive(ctx, "c")
	require.NoError(t, err)
	other()

	first()
	second()
	excl, err := g.Exclusive(ctx, "a")
	require.NoError(t, err)

	waitCtx, cancel = context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = g.Share(waitCtx, []string{"a"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	excl()
}

func TestLedger_ResyncWaitsForHeldItems(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateItem(ctx, domain.Item{ID: "x", SKU: "X", PhysicalStock: 10}))
	l := ledger.New(store, store, ledger.WithRetryInterval(time.Millisecond))

	release, err := l.Hold(ctx, []string{"x"})
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "x", 5)
	require.NoError(t, err)

	done := make(chan ledger.ResyncResult, 1)
	go func() {
		res, err := l.Resync(ctx, "x")
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("resync ran while the item was held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, store.CreateOrder(ctx, domain.Order{
		ID:     "order-1",
		Status: domain.OrderStatusReserved,
		Lines:  []domain.OrderLine{{ItemID: "x", Quantity: 5}},
	}))
	release()

	select {
	case res := <-done:
		assert.Equal(t, 0, res.Delta)
		assert.Equal(t, 5, res.Item.ReservedStock)
	case <-time.After(time.Second):
		t.Fatal("resync did not run after release")
	}
}
