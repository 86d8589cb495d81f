package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cimillas/stockroom/internal/domain"
)

func seedItem(t *testing.T, s *Store, id, sku string, physical int) {
	t.Helper()
	require.NoError(t, s.CreateItem(context.Background(), domain.Item{
		ID:            id,
		SKU:           sku,
		Name:          sku,
		PhysicalStock: physical,
	}))
}

func TestStore_ApplyDelta(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedItem(t, s, "item-1", "SKU-1", 10)

	item, err := s.ApplyDelta(ctx, "item-1", 0, domain.StockDelta{Reserved: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, item.ReservedStock)
	assert.Equal(t, int64(1), item.Version)

	_, err = s.ApplyDelta(ctx, "item-1", 0, domain.StockDelta{Reserved: 1})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = s.ApplyDelta(ctx, "item-1", 1, domain.StockDelta{Reserved: -5})
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	_, err = s.ApplyDelta(ctx, "missing", 0, domain.StockDelta{Reserved: 1})
	assert.ErrorIs(t, err, domain.ErrItemNotFound)

	stored, err := s.GetItem(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, 4, stored.ReservedStock)
}

func TestStore_CreateItemDuplicateSKU(t *testing.T) {
	s := New()
	seedItem(t, s, "item-1", "SKU-1", 1)

	err := s.CreateItem(context.Background(), domain.Item{ID: "item-2", SKU: "SKU-1"})
	assert.ErrorIs(t, err, domain.ErrSKUAlreadyExists)
}

func TestStore_Orders(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedItem(t, s, "item-1", "SKU-1", 10)
	seedItem(t, s, "item-2", "SKU-2", 10)

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	first := domain.Order{
		ID:        "order-1",
		CompanyID: "acme",
		Status:    domain.OrderStatusReserved,
		Lines:     []domain.OrderLine{{ItemID: "item-1", Quantity: 3}},
		Version:   1,
		CreatedAt: now,
	}
	second := domain.Order{
		ID:        "order-2",
		CompanyID: "acme",
		Status:    domain.OrderStatusCompleted,
		Lines:     []domain.OrderLine{{ItemID: "item-1", Quantity: 2}, {ItemID: "item-2", Quantity: 1}},
		Version:   1,
		CreatedAt: now.Add(time.Minute),
	}
	require.NoError(t, s.CreateOrder(ctx, first))
	require.NoError(t, s.CreateOrder(ctx, second))

	t.Run("unknown line item is rejected", func(t *testing.T) {
		err := s.CreateOrder(ctx, domain.Order{ID: "order-x", Lines: []domain.OrderLine{{ItemID: "nope", Quantity: 1}}})
		assert.ErrorIs(t, err, domain.ErrItemNotFound)
	})

	t.Run("list is newest first and filters by status", func(t *testing.T) {
		all, err := s.ListOrders(ctx, domain.OrderFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "order-2", all[0].ID)

		reserved, err := s.ListOrders(ctx, domain.OrderFilter{Status: domain.OrderStatusReserved})
		require.NoError(t, err)
		require.Len(t, reserved, 1)
		assert.Equal(t, "order-1", reserved[0].ID)
	})

	t.Run("sum counts reserved orders only", func(t *testing.T) {
		sum, err := s.SumReservedQuantity(ctx, "item-1")
		require.NoError(t, err)
		assert.Equal(t, 3, sum)
	})

	t.Run("returned orders do not alias stored lines", func(t *testing.T) {
		got, err := s.GetOrder(ctx, "order-1")
		require.NoError(t, err)
		got.Lines[0].Quantity = 99

		again, err := s.GetOrder(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, 3, again.Lines[0].Quantity)
	})

	t.Run("update checks version", func(t *testing.T) {
		next := first
		next.Status = domain.OrderStatusCancelled
		next.Version = 2
		assert.ErrorIs(t, s.UpdateOrder(ctx, next, 5), domain.ErrConflict)
		require.NoError(t, s.UpdateOrder(ctx, next, 1))

		got, err := s.GetOrder(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCancelled, got.Status)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("item in use cannot be deleted", func(t *testing.T) {
		assert.ErrorIs(t, s.DeleteItem(ctx, "item-2"), domain.ErrItemInUse)
	})

	t.Run("delete order then item", func(t *testing.T) {
		assert.ErrorIs(t, s.DeleteOrder(ctx, "order-2", 7), domain.ErrConflict)
		require.NoError(t, s.DeleteOrder(ctx, "order-2", 1))
		require.NoError(t, s.DeleteItem(ctx, "item-2"))
		_, err := s.GetOrder(ctx, "order-2")
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})
}
