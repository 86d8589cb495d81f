package ledger_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cimillas/stockroom/internal/domain"
	"github.com/cimillas/stockroom/internal/ledger"
	"github.com/cimillas/stockroom/internal/metrics"
	"github.com/cimillas/stockroom/internal/storage/memory"
)

type LedgerSuite struct {
	suite.Suite
	ctx    context.Context
	store  *memory.Store
	ledger *ledger.Ledger
	logs   *observer.ObservedLogs
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.New()
	core, logs := observer.New(zap.DebugLevel)
	s.logs = logs
	s.ledger = ledger.New(s.store, s.store,
		ledger.WithLogger(zap.New(core)),
		ledger.WithRetryInterval(time.Millisecond),
	)
}

func (s *LedgerSuite) seed(id string, physical, reserved int) {
	s.Require().NoError(s.store.CreateItem(s.ctx, domain.Item{
		ID:            id,
		SKU:           "SKU-" + id,
		Name:          id,
		PhysicalStock: physical,
		ReservedStock: reserved,
	}))
}

func (s *LedgerSuite) item(id string) domain.Item {
	item, err := s.store.GetItem(s.ctx, id)
	s.Require().NoError(err)
	return item
}

func (s *LedgerSuite) TestReserveWithinStock() {
	s.seed("x", 10, 0)

	entry, err := s.ledger.Reserve(s.ctx, "x", 4)
	s.Require().NoError(err)
	s.Equal(domain.StockDelta{Reserved: 4}, entry.Applied)
	s.Equal(4, entry.Item.ReservedStock)
	s.Equal(4, s.item("x").ReservedStock)
}

func (s *LedgerSuite) TestReserveBeyondAvailableFails() {
	s.seed("x", 10, 7)

	_, err := s.ledger.Reserve(s.ctx, "x", 4)
	s.Require().ErrorIs(err, domain.ErrInsufficientStock)

	var stockErr *domain.InsufficientStockError
	s.Require().ErrorAs(err, &stockErr)
	s.Equal([]domain.Shortage{{ItemID: "x", Requested: 4, Available: 3}}, stockErr.Shortages)
	s.Equal(7, s.item("x").ReservedStock)
}

func (s *LedgerSuite) TestPermissivePolicyAllowsOvercommit() {
	s.seed("x", 2, 0)
	l := ledger.New(s.store, s.store, ledger.WithPolicy(ledger.PolicyPermissive))

	_, err := l.Reserve(s.ctx, "x", 5)
	s.Require().NoError(err)
	s.Equal(5, s.item("x").ReservedStock)
}

func (s *LedgerSuite) TestReleaseClampsAtZero() {
	s.seed("x", 10, 2)

	entry, err := s.ledger.Release(s.ctx, "x", 5)
	s.Require().NoError(err)
	s.Equal(domain.StockDelta{Reserved: -2}, entry.Applied)
	s.Equal(0, s.item("x").ReservedStock)
	s.Equal(1, s.logs.FilterMessage("release clamped at zero reserved stock").Len())
}

func (s *LedgerSuite) TestReleaseOfNothingIsNoop() {
	s.seed("x", 10, 0)
	before := s.item("x")

	entry, err := s.ledger.Release(s.ctx, "x", 3)
	s.Require().NoError(err)
	s.True(entry.Applied.IsZero())
	s.Equal(before.Version, s.item("x").Version)
}

func (s *LedgerSuite) TestConsume() {
	s.seed("x", 10, 6)

	entry, err := s.ledger.Consume(s.ctx, "x", 6)
	s.Require().NoError(err)
	s.Equal(domain.StockDelta{Physical: -6, Reserved: -6}, entry.Applied)

	item := s.item("x")
	s.Equal(4, item.PhysicalStock)
	s.Equal(0, item.ReservedStock)
}

func (s *LedgerSuite) TestConsumeRequiresPhysicalStock() {
	s.seed("y", 1, 0)

	_, err := s.ledger.Consume(s.ctx, "y", 2)
	s.Require().ErrorIs(err, domain.ErrInsufficientStock)
	s.Equal(1, s.item("y").PhysicalStock)
}

func (s *LedgerSuite) TestRestock() {
	s.seed("x", 4, 0)

	_, err := s.ledger.Restock(s.ctx, "x", 6)
	s.Require().NoError(err)
	s.Equal(10, s.item("x").PhysicalStock)
}

func (s *LedgerSuite) TestRevertUndoesEntry() {
	s.seed("x", 10, 0)

	entry, err := s.ledger.Reserve(s.ctx, "x", 4)
	s.Require().NoError(err)
	_, err = s.ledger.Revert(s.ctx, entry)
	s.Require().NoError(err)
	s.Equal(0, s.item("x").ReservedStock)

	consumed, err := s.ledger.Consume(s.ctx, "x", 3)
	s.Require().NoError(err)
	_, err = s.ledger.Revert(s.ctx, consumed)
	s.Require().NoError(err)
	s.Equal(10, s.item("x").PhysicalStock)
	s.Equal(0, s.item("x").ReservedStock)
}

func (s *LedgerSuite) TestRevertIgnoresCeiling() {
	s.seed("x", 5, 5)

	released, err := s.ledger.Release(s.ctx, "x", 5)
	s.Require().NoError(err)
	_, err = s.ledger.Reserve(s.ctx, "x", 5)
	s.Require().NoError(err)

	_, err = s.ledger.Revert(s.ctx, released)
	s.Require().NoError(err)
	s.Equal(10, s.item("x").ReservedStock)
	s.Equal(1, s.logs.FilterMessage("revert leaves item over-committed").Len())
}

func (s *LedgerSuite) TestInvalidArguments() {
	s.seed("x", 5, 0)

	_, err := s.ledger.Reserve(s.ctx, "x", 0)
	s.ErrorIs(err, domain.ErrInvalidQuantity)
	_, err = s.ledger.Release(s.ctx, "", 1)
	s.ErrorIs(err, domain.ErrInvalidID)
	_, err = s.ledger.Reserve(s.ctx, "missing", 1)
	s.ErrorIs(err, domain.ErrItemNotFound)
}

func (s *LedgerSuite) TestOversizedQuantitiesLeaveItemUntouched() {
	s.seed("x", 10, 1)

	_, err := s.ledger.Reserve(s.ctx, "x", math.MaxInt)
	s.ErrorIs(err, domain.ErrInvalidQuantity)

	_, err = s.ledger.Reserve(s.ctx, "x", domain.MaxQuantity)
	var short *domain.InsufficientStockError
	s.Require().ErrorAs(err, &short)
	s.Equal(9, short.Shortages[0].Available)

	_, err = s.ledger.Restock(s.ctx, "x", math.MaxInt)
	s.ErrorIs(err, domain.ErrInvalidQuantity)
	_, err = s.ledger.Restock(s.ctx, "x", domain.MaxQuantity)
	s.ErrorIs(err, domain.ErrInvalidQuantity)

	item := s.item("x")
	s.Equal(10, item.PhysicalStock)
	s.Equal(1, item.ReservedStock)
	s.Equal(int64(0), item.Version)
}

func (s *LedgerSuite) TestResync() {
	s.seed("x", 10, 9)
	s.Require().NoError(s.store.CreateOrder(s.ctx, domain.Order{
		ID:     "order-1",
		Status: domain.OrderStatusReserved,
		Lines:  []domain.OrderLine{{ItemID: "x", Quantity: 4}},
	}))
	s.Require().NoError(s.store.CreateOrder(s.ctx, domain.Order{
		ID:     "order-2",
		Status: domain.OrderStatusCompleted,
		Lines:  []domain.OrderLine{{ItemID: "x", Quantity: 3}},
	}))

	res, err := s.ledger.Resync(s.ctx, "x")
	s.Require().NoError(err)
	s.Equal(9, res.Previous)
	s.Equal(4, res.Corrected)
	s.Equal(-5, res.Delta)
	s.Equal(4, s.item("x").ReservedStock)

	again, err := s.ledger.Resync(s.ctx, "x")
	s.Require().NoError(err)
	s.Equal(0, again.Delta)
}

// conflictingStore loses the version race a fixed number of times.
type conflictingStore struct {
	*memory.Store
	conflicts atomic.Int32
}

func (c *conflictingStore) ApplyDelta(ctx context.Context, id string, expectedVersion int64, delta domain.StockDelta) (domain.Item, error) {
	if c.conflicts.Add(-1) >= 0 {
		return domain.Item{}, domain.ErrConflict
	}
	return c.Store.ApplyDelta(ctx, id, expectedVersion, delta)
}

func TestLedger_RetriesConflicts(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{Store: memory.New()}
	require.NoError(t, store.CreateItem(ctx, domain.Item{ID: "x", SKU: "X", PhysicalStock: 10}))

	reg := prometheus.NewRegistry()
	l := ledger.New(store, store,
		ledger.WithRetryInterval(time.Millisecond),
		ledger.WithMetrics(metrics.New(reg)),
	)

	t.Run("succeeds within attempts", func(t *testing.T) {
		store.conflicts.Store(2)
		entry, err := l.Reserve(ctx, "x", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, entry.Item.ReservedStock)
	})

	t.Run("gives up with conflict", func(t *testing.T) {
		store.conflicts.Store(3)
		_, err := l.Reserve(ctx, "x", 1)
		require.ErrorIs(t, err, domain.ErrConflict)

		item, err := store.GetItem(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, 1, item.ReservedStock)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		store.conflicts.Store(100)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := l.Reserve(cctx, "x", 1)
		require.Error(t, err)
	})
}

func TestLedger_ConcurrentReservesNeverOvercommit(t *testing.T) {
	ctx := context.Background()

	t.Run("two orders racing for the last units", func(t *testing.T) {
		store := memory.New()
		require.NoError(t, store.CreateItem(ctx, domain.Item{ID: "x", SKU: "X", PhysicalStock: 10}))
		l := ledger.New(store, store, ledger.WithRetryInterval(time.Millisecond))

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = l.Reserve(ctx, "x", 6)
			}(i)
		}
		wg.Wait()

		var ok, short int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrInsufficientStock):
				short++
			default:
				t.Fatalf("unexpected error %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, short)

		item, err := store.GetItem(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, 6, item.ReservedStock)
	})

	t.Run("many small reservations", func(t *testing.T) {
		store := memory.New()
		require.NoError(t, store.CreateItem(ctx, domain.Item{ID: "x", SKU: "X", PhysicalStock: 5}))
		l := ledger.New(store, store,
			ledger.WithRetryInterval(time.Millisecond),
			ledger.WithMaxAttempts(100),
		)

		var wg sync.WaitGroup
		var ok atomic.Int32
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.Reserve(ctx, "x", 1); err == nil {
					ok.Add(1)
				}
			}()
		}
		wg.Wait()

		item, err := store.GetItem(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, int(ok.Load()), item.ReservedStock)
		assert.LessOrEqual(t, item.ReservedStock, item.PhysicalStock)
	})
}

func TestParsePolicy(t *testing.T) {
	p, err := ledger.ParsePolicy("permissive")
	require.NoError(t, err)
	assert.Equal(t, ledger.PolicyPermissive, p)

	p, err = ledger.ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, ledger.PolicyEnforce, p)

	_, err = ledger.ParsePolicy("sometimes")
	assert.Error(t, err)
}
