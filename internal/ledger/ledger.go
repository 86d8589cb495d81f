package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cimillas/stockroom/internal/domain"
	"github.com/cimillas/stockroom/internal/metrics"
)

// ItemStore is the persistence the ledger needs. ApplyDelta must be a
// conditional write: it succeeds only while the stored version still equals
// expectedVersion and returns domain.ErrConflict otherwise.
type ItemStore interface {
	GetItem(ctx context.Context, id string) (domain.Item, error)
	ApplyDelta(ctx context.Context, id string, expectedVersion int64, delta domain.StockDelta) (domain.Item, error)
}

// ReservationCounter sums line quantities of reserved orders for an item.
type ReservationCounter interface {
	SumReservedQuantity(ctx context.Context, itemID string) (int, error)
}

// Policy decides whether reservations may exceed physical stock.
type Policy int

const (
	// PolicyEnforce rejects reservations that would over-commit an item.
	PolicyEnforce Policy = iota
	// PolicyPermissive lets reserved stock exceed physical stock.
	PolicyPermissive
)

func (p Policy) String() string {
	if p == PolicyPermissive {
		return "permissive"
	}
	return "enforce"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "enforce", "enforcing":
		return PolicyEnforce, nil
	case "permissive", "legacy":
		return PolicyPermissive, nil
	}
	return PolicyEnforce, fmt.Errorf("unknown stock policy %q", s)
}

type Op string

const (
	OpReserve Op = "reserve"
	OpRelease Op = "release"
	OpConsume Op = "consume"
	OpRestock Op = "restock"
	OpResync  Op = "resync"
	OpRevert  Op = "revert"
)

// Entry records one committed ledger operation. Applied is the delta that
// actually reached the store, which can be smaller than Quantity when a
// release is clamped at zero.
type Entry struct {
	Op       Op
	ItemID   string
	Quantity int
	Applied  domain.StockDelta
	Item     domain.Item
}

// ResyncResult reports a drift repair on one item.
type ResyncResult struct {
	ItemID    string
	Previous  int
	Corrected int
	Delta     int
	Item      domain.Item
}

const (
	defaultMaxAttempts   = 3
	defaultRetryInterval = 10 * time.Millisecond
)

// Ledger is the only writer of item stock counters.
type Ledger struct {
	items    ItemStore
	counter  ReservationCounter
	policy   Policy
	attempts int
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	guard    Guard
	tracer   trace.Tracer
}

type Option func(*Ledger)

func WithPolicy(p Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

// WithMaxAttempts bounds how many times a conflicting update is tried.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.attempts = n
		}
	}
}

// WithRetryInterval sets the first backoff delay after a conflict.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.interval = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithGuard replaces the in-process guard, e.g. with one shared by every
// process on the same database.
func WithGuard(g Guard) Option {
	return func(l *Ledger) {
		if g != nil {
			l.guard = g
		}
	}
}

func New(items ItemStore, counter ReservationCounter, opts ...Option) *Ledger {
	l := &Ledger{
		items:    items,
		counter:  counter,
		policy:   PolicyEnforce,
		attempts: defaultMaxAttempts,
		interval: defaultRetryInterval,
		logger:   zap.NewNop(),
		guard:    NewLocalGuard(),
		tracer:   otel.Tracer("github.com/cimillas/stockroom/internal/ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Policy() Policy {
	return l.policy
}

// Hold keeps resync off the given items until release is called. Callers
// take it before their first ledger call and release it once the order
// referencing those items has been written.
func (l *Ledger) Hold(ctx context.Context, itemIDs []string) (release func(), err error) {
	if len(itemIDs) == 0 {
		return func() {}, nil
	}
	return l.guard.Share(ctx, itemIDs)
}

// Reserve commits qty units of the item to an active order.
func (l *Ledger) Reserve(ctx context.Context, itemID string, qty int) (Entry, error) {
	return l.mutate(ctx, OpReserve, itemID, qty, func(item domain.Item) (domain.StockDelta, error) {
		if l.policy == PolicyEnforce && qty > item.Available() {
			return domain.StockDelta{}, &domain.InsufficientStockError{Shortages: []domain.Shortage{{
				ItemID:    item.ID,
				Requested: qty,
				Available: max(item.Available(), 0),
			}}}
		}
		return domain.StockDelta{Reserved: qty}, nil
	})
}

// Release returns up to qty reserved units, never taking reserved below zero.
func (l *Ledger) Release(ctx context.Context, itemID string, qty int) (Entry, error) {
	return l.mutate(ctx, OpRelease, itemID, qty, func(item domain.Item) (domain.StockDelta, error) {
		n := min(qty, item.ReservedStock)
		if n < qty {
			l.logger.Warn("release clamped at zero reserved stock",
				zap.String("item_id", item.ID),
				zap.Int("requested", qty),
				zap.Int("released", n),
			)
		}
		return domain.StockDelta{Reserved: -n}, nil
	})
}

// Consume turns a reservation into a permanent physical deduction.
func (l *Ledger) Consume(ctx context.Context, itemID string, qty int) (Entry, error) {
	return l.mutate(ctx, OpConsume, itemID, qty, func(item domain.Item) (domain.StockDelta, error) {
		if item.PhysicalStock < qty {
			return domain.StockDelta{}, &domain.InsufficientStockError{Shortages: []domain.Shortage{{
				ItemID:    item.ID,
				Requested: qty,
				Available: item.PhysicalStock,
			}}}
		}
		n := min(qty, item.ReservedStock)
		if n < qty {
			l.logger.Warn("consume found less reserved stock than ordered",
				zap.String("item_id", item.ID),
				zap.Int("requested", qty),
				zap.Int("reserved", item.ReservedStock),
			)
		}
		return domain.StockDelta{Physical: -qty, Reserved: -n}, nil
	})
}

// Restock adds qty units to physical stock. It undoes a consume and also
// serves goods-in.
func (l *Ledger) Restock(ctx context.Context, itemID string, qty int) (Entry, error) {
	return l.mutate(ctx, OpRestock, itemID, qty, func(item domain.Item) (domain.StockDelta, error) {
		if item.PhysicalStock > domain.MaxQuantity-qty {
			return domain.StockDelta{}, fmt.Errorf("restock item %s beyond %d units: %w", item.ID, domain.MaxQuantity, domain.ErrInvalidQuantity)
		}
		return domain.StockDelta{Physical: qty}, nil
	})
}

// Revert undoes a previously committed entry. The ceiling check is skipped
// because the units being restored belonged to the caller a moment ago;
// reserved stock is still floored at zero.
func (l *Ledger) Revert(ctx context.Context, e Entry) (Entry, error) {
	undo := e.Applied.Negate()
	if undo.IsZero() {
		return Entry{Op: OpRevert, ItemID: e.ItemID, Item: e.Item}, nil
	}
	return l.mutate(ctx, OpRevert, e.ItemID, e.Quantity, func(item domain.Item) (domain.StockDelta, error) {
		d := undo
		if d.Reserved < 0 {
			d.Reserved = -min(-d.Reserved, item.ReservedStock)
		}
		if item.ReservedStock+d.Reserved > item.PhysicalStock+d.Physical {
			l.logger.Warn("revert leaves item over-committed",
				zap.String("item_id", item.ID),
				zap.String("reverted_op", string(e.Op)),
				zap.Int("physical", item.PhysicalStock+d.Physical),
				zap.Int("reserved", item.ReservedStock+d.Reserved),
			)
		}
		return d, nil
	})
}

// Resync recomputes reserved stock from the reserved orders that reference
// the item. It waits for in-flight transitions on the item to finish, and the
// sum is re-read on every attempt so a lost race never writes a stale total.
func (l *Ledger) Resync(ctx context.Context, itemID string) (ResyncResult, error) {
	if itemID == "" {
		return ResyncResult{}, domain.ErrInvalidID
	}
	release, err := l.guard.Exclusive(ctx, itemID)
	if err != nil {
		return ResyncResult{}, err
	}
	defer release()

	var res ResyncResult
	entry, err := l.mutate(ctx, OpResync, itemID, 0, func(item domain.Item) (domain.StockDelta, error) {
		sum, err := l.counter.SumReservedQuantity(ctx, item.ID)
		if err != nil {
			return domain.StockDelta{}, err
		}
		res = ResyncResult{
			ItemID:    item.ID,
			Previous:  item.ReservedStock,
			Corrected: sum,
			Delta:     sum - item.ReservedStock,
		}
		if sum > item.PhysicalStock {
			l.logger.Warn("resync found reserved stock above physical stock",
				zap.String("item_id", item.ID),
				zap.Int("physical", item.PhysicalStock),
				zap.Int("reserved", sum),
			)
		}
		return domain.StockDelta{Reserved: res.Delta}, nil
	})
	if err != nil {
		return ResyncResult{}, err
	}
	res.Item = entry.Item
	if res.Delta != 0 {
		l.logger.Info("resynced reserved stock",
			zap.String("item_id", itemID),
			zap.Int("previous", res.Previous),
			zap.Int("corrected", res.Corrected),
		)
	}
	return res, nil
}

type planFunc func(item domain.Item) (domain.StockDelta, error)

// mutate runs read, plan and conditional write as one unit, retrying with
// backoff while another writer keeps winning the version race.
func (l *Ledger) mutate(ctx context.Context, op Op, itemID string, qty int, plan planFunc) (entry Entry, err error) {
	ctx, span := l.tracer.Start(ctx, "ledger."+string(op), trace.WithAttributes(
		attribute.String("item.id", itemID),
		attribute.Int("ledger.quantity", qty),
	))
	defer func() {
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		l.metrics.LedgerOp(string(op), outcome)
		span.End()
	}()

	if itemID == "" {
		return Entry{}, domain.ErrInvalidID
	}
	if op != OpResync && !domain.ValidQuantity(qty) {
		return Entry{}, domain.ErrInvalidQuantity
	}

	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			l.metrics.ConflictRetry()
		}
		item, err := l.items.GetItem(ctx, itemID)
		if err != nil {
			return backoff.Permanent(err)
		}
		delta, err := plan(item)
		if err != nil {
			return backoff.Permanent(err)
		}
		if delta.IsZero() {
			entry = Entry{Op: op, ItemID: itemID, Quantity: qty, Item: item}
			return nil
		}
		updated, err := l.items.ApplyDelta(ctx, itemID, item.Version, delta)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		entry = Entry{Op: op, ItemID: itemID, Quantity: qty, Applied: delta, Item: updated}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.interval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.attempts-1)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return Entry{}, fmt.Errorf("%s item %s: gave up after %d attempts: %w", op, itemID, attempt, err)
		}
		if errors.Is(err, domain.ErrItemNotFound) {
			return Entry{}, fmt.Errorf("item %s: %w", itemID, err)
		}
		return Entry{}, err
	}
	span.SetAttributes(
		attribute.Int("ledger.attempts", attempt),
		attribute.Int("item.physical_stock", entry.Item.PhysicalStock),
		attribute.Int("item.reserved_stock", entry.Item.ReservedStock),
	)
	return entry, nil
}
