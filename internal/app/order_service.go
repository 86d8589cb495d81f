package app

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cimillas/stockroom/internal/audit"
	"github.com/cimillas/stockroom/internal/clock"
	"github.com/cimillas/stockroom/internal/domain"
	"github.com/cimillas/stockroom/internal/ledger"
	"github.com/cimillas/stockroom/internal/metrics"
)

// OrderRepository persists orders. UpdateOrder and DeleteOrder are
// conditional on the stored version and return domain.ErrConflict when it
// moved.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order domain.Order) error
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	UpdateOrder(ctx context.Context, order domain.Order, expectedVersion int64) error
	DeleteOrder(ctx context.Context, id string, expectedVersion int64) error
}

// StockLedger applies stock effects. Hold keeps resync away from the items
// of a transition until its order write has landed.
type StockLedger interface {
	Hold(ctx context.Context, itemIDs []string) (release func(), err error)
	Reserve(ctx context.Context, itemID string, qty int) (ledger.Entry, error)
	Release(ctx context.Context, itemID string, qty int) (ledger.Entry, error)
	Consume(ctx context.Context, itemID string, qty int) (ledger.Entry, error)
	Restock(ctx context.Context, itemID string, qty int) (ledger.Entry, error)
	Revert(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
}

// OrderService drives orders through the lifecycle table. Each transition
// applies its ledger effects line by line, then writes the order; any
// failure undoes the ledger effects already applied.
type OrderService struct {
	orders OrderRepository
	ledger StockLedger
	clock  clock.Clock
	locks  *orderLocks
	opts   options
}

func NewOrderService(orders OrderRepository, l StockLedger, clk clock.Clock, opts ...Option) *OrderService {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &OrderService{
		orders: orders,
		ledger: l,
		clock:  clk,
		locks:  newOrderLocks(),
		opts:   o,
	}
}

type CreateOrderInput struct {
	CompanyID          string
	TransportCompanyID *string
	Notes              string
	Lines              []domain.OrderLine
}

type EditOrderInput struct {
	OrderID string
	Lines   []domain.OrderLine
}

func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (order domain.Order, err error) {
	now := s.clock.Now()
	order = domain.Order{
		ID:                 newUUID(),
		CompanyID:          strings.TrimSpace(in.CompanyID),
		TransportCompanyID: normalizeRef(in.TransportCompanyID),
		Notes:              in.Notes,
		Lines:              append([]domain.OrderLine(nil), in.Lines...),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	ctx, end := s.start(ctx, domain.TransitionCreate, order.ID)
	defer func() { end(err, false) }()

	if order.CompanyID == "" {
		return domain.Order{}, s.fail(ctx, domain.TransitionCreate, order.ID, nil, nil, domain.ErrCompanyRequired)
	}
	if err := domain.ValidateLines(order.Lines); err != nil {
		return domain.Order{}, s.fail(ctx, domain.TransitionCreate, order.ID, nil, nil, err)
	}
	rule, err := domain.NextRule("", domain.TransitionCreate)
	if err != nil {
		return domain.Order{}, s.fail(ctx, domain.TransitionCreate, order.ID, nil, nil, err)
	}
	order.Status = rule.To

	release, err := s.ledger.Hold(ctx, lineItemIDs(order.Lines))
	if err != nil {
		return domain.Order{}, s.fail(ctx, domain.TransitionCreate, order.ID, nil, nil, err)
	}
	defer release()

	steps := effectSteps(rule.Effect, order.Lines)
	applied, touched, err := s.apply(ctx, steps)
	if err != nil {
		return domain.Order{}, s.fail(ctx, domain.TransitionCreate, order.ID, touched, applied, err)
	}
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return domain.Order{}, s.fail(ctx, domain.TransitionCreate, order.ID, touched, applied, err)
	}

	s.record(ctx, audit.OrderCreated, order)
	return order, nil
}

// EditOrder replaces the line set of a reserved order, reserving only the
// net increases and releasing the net decreases.
func (s *OrderService) EditOrder(ctx context.Context, in EditOrderInput) (order domain.Order, err error) {
	ctx, end := s.start(ctx, domain.TransitionEdit, in.OrderID)
	defer func() { end(err, false) }()

	lines := append([]domain.OrderLine(nil), in.Lines...)
	if err := domain.ValidateLines(lines); err != nil {
		return domain.Order{}, s.fail(ctx, domain.TransitionEdit, in.OrderID, nil, nil, err)
	}
	unlock, err := s.locks.acquire(ctx, in.OrderID)
	if err != nil {
		return domain.Order{}, s.fail(ctx, domain.TransitionEdit, in.OrderID, nil, nil, err)
	}
	defer unlock()

	current, err := s.orders.GetOrder(ctx, in.OrderID)
	if err != nil {
		return domain.Order{}, s.fail(ctx, domain.TransitionEdit, in.OrderID, nil, nil, err)
	}
	rule, err := domain.NextRule(current.Status, domain.TransitionEdit)
	if err != nil {
		return domain.Order{}, s.fail(ctx, domain.TransitionEdit, in.OrderID, nil, nil, err)
	}

	release, err := s.ledger.Hold(ctx, lineItemIDs(current.Lines, lines))
	if err != nil {
		return domain.Order{}, s.fail(ctx, domain.TransitionEdit, in.OrderID, nil, nil, err)
	}
	defer release()

	steps := diffSteps(domain.DiffLines(current.Lines, lines))
	applied, touched, err := s.apply(ctx, steps)
	if err != nil {
		return domain.Order{}, s.fail(ctx, domain.TransitionEdit, in.OrderID, touched, applied, err)
	}

	next := current
	next.Lines = lines
	next.Status = rule.To
	next.Version = current.Version + 1
	next.UpdatedAt = s.clock.Now()
	if err := s.orders.UpdateOrder(ctx, next, current.Version); err != nil {
		return domain.Order{}, s.fail(ctx, domain.TransitionEdit, in.OrderID, touched, applied, err)
	}

	s.record(ctx, audit.OrderEdited, next)
	return next, nil
}

func (s *OrderService) CompleteOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, _, err := s.move(ctx, domain.TransitionComplete, orderID, audit.OrderCompleted)
	return order, err
}

// ReopenOrder moves a completed order back to reserved. Physical stock is
// left as it is and each line is reserved again, so the reopen fails when
// stock has since been consumed elsewhere.
func (s *OrderService) ReopenOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, _, err := s.move(ctx, domain.TransitionReopen, orderID, audit.OrderReopened)
	return order, err
}

// CancelOrder releases a reserved order. Cancelling a cancelled order
// returns it unchanged.
func (s *OrderService) CancelOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, _, err := s.move(ctx, domain.TransitionCancel, orderID, audit.OrderCancelled)
	return order, err
}

// DeleteOrder removes an order in any status, releasing a reservation or
// restocking a completed order first.
func (s *OrderService) DeleteOrder(ctx context.Context, orderID string) error {
	_, _, err := s.move(ctx, domain.TransitionDelete, orderID, audit.OrderDeleted)
	return err
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, domain.ErrInvalidID
	}
	return s.orders.GetOrder(ctx, orderID)
}

func (s *OrderService) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	return s.orders.ListOrders(ctx, filter)
}

// move runs a status-only transition. The returned bool is true when the
// transition was a no-op.
func (s *OrderService) move(ctx context.Context, t domain.Transition, orderID, eventType string) (order domain.Order, noop bool, err error) {
	ctx, end := s.start(ctx, t, orderID)
	defer func() { end(err, noop) }()

	if orderID == "" {
		return domain.Order{}, false, s.fail(ctx, t, orderID, nil, nil, domain.ErrInvalidID)
	}
	unlock, err := s.locks.acquire(ctx, orderID)
	if err != nil {
		return domain.Order{}, false, s.fail(ctx, t, orderID, nil, nil, err)
	}
	defer unlock()

	current, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, false, s.fail(ctx, t, orderID, nil, nil, err)
	}
	rule, err := domain.NextRule(current.Status, t)
	if err != nil {
		return domain.Order{}, false, s.fail(ctx, t, orderID, nil, nil, err)
	}
	if rule.NoOp {
		return current, true, nil
	}

	steps := effectSteps(rule.Effect, current.Lines)
	if len(steps) > 0 {
		release, err := s.ledger.Hold(ctx, lineItemIDs(current.Lines))
		if err != nil {
			return domain.Order{}, false, s.fail(ctx, t, orderID, nil, nil, err)
		}
		defer release()
	}
	applied, touched, err := s.apply(ctx, steps)
	if err != nil {
		return domain.Order{}, false, s.fail(ctx, t, orderID, touched, applied, err)
	}

	next := current
	if rule.Removed {
		err = s.orders.DeleteOrder(ctx, orderID, current.Version)
	} else {
		next.Status = rule.To
		next.Version = current.Version + 1
		next.UpdatedAt = s.clock.Now()
		err = s.orders.UpdateOrder(ctx, next, current.Version)
	}
	if err != nil {
		return domain.Order{}, false, s.fail(ctx, t, orderID, touched, applied, err)
	}

	s.record(ctx, eventType, next)
	return next, false, nil
}

// step is one ledger call of a transition.
type step struct {
	effect domain.StockEffect
	itemID string
	qty    int
}

func effectSteps(effect domain.StockEffect, lines []domain.OrderLine) []step {
	if effect == domain.EffectNone {
		return nil
	}
	steps := make([]step, 0, len(lines))
	for _, l := range lines {
		steps = append(steps, step{effect: effect, itemID: l.ItemID, qty: l.Quantity})
	}
	return steps
}

// diffSteps reserves every increase before releasing any decrease, so a
// shortage is found before reservations held by the order are given up.
func diffSteps(deltas []domain.LineDelta) []step {
	steps := make([]step, 0, len(deltas))
	for _, d := range deltas {
		if d.Delta > 0 {
			steps = append(steps, step{effect: domain.EffectReserve, itemID: d.ItemID, qty: d.Delta})
		}
	}
	for _, d := range deltas {
		if d.Delta < 0 {
			steps = append(steps, step{effect: domain.EffectRelease, itemID: d.ItemID, qty: -d.Delta})
		}
	}
	return steps
}

func (s *OrderService) call(ctx context.Context, st step) (ledger.Entry, error) {
	switch st.effect {
	case domain.EffectReserve:
		return s.ledger.Reserve(ctx, st.itemID, st.qty)
	case domain.EffectRelease:
		return s.ledger.Release(ctx, st.itemID, st.qty)
	case domain.EffectConsume:
		return s.ledger.Consume(ctx, st.itemID, st.qty)
	case domain.EffectRestock:
		return s.ledger.Restock(ctx, st.itemID, st.qty)
	}
	return ledger.Entry{}, domain.ErrInvalidTransition
}

// apply runs steps in order. Stock shortages do not stop reservation steps
// so the caller learns every short item at once; any other error stops at
// once. The entries that did commit are returned either way.
func (s *OrderService) apply(ctx context.Context, steps []step) ([]ledger.Entry, []string, error) {
	var (
		applied   []ledger.Entry
		touched   []string
		shortages []domain.Shortage
	)
	for _, st := range steps {
		if len(shortages) > 0 && st.effect != domain.EffectReserve && st.effect != domain.EffectConsume {
			break
		}
		if err := ctx.Err(); err != nil {
			return applied, touched, err
		}
		touched = append(touched, st.itemID)
		entry, err := s.call(ctx, st)
		if err != nil {
			var stockErr *domain.InsufficientStockError
			if errors.As(err, &stockErr) {
				shortages = append(shortages, stockErr.Shortages...)
				continue
			}
			return applied, touched, err
		}
		applied = append(applied, entry)
	}
	if len(shortages) > 0 {
		return applied, touched, &domain.InsufficientStockError{Shortages: shortages}
	}
	return applied, touched, nil
}

// compensate reverts applied entries newest first on a context detached from
// the caller's cancellation. It reports whether every revert succeeded.
func (s *OrderService) compensate(ctx context.Context, t domain.Transition, orderID string, applied []ledger.Entry) bool {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.compensationTimeout)
	defer cancel()

	ok := true
	for i := len(applied) - 1; i >= 0; i-- {
		e := applied[i]
		if e.Applied.IsZero() {
			continue
		}
		if _, err := s.ledger.Revert(cctx, e); err != nil {
			ok = false
			s.opts.metrics.Compensation(metrics.OutcomeError)
			s.opts.logger.Error("compensation failed",
				zap.String("transition", string(t)),
				zap.String("order_id", orderID),
				zap.String("item_id", e.ItemID),
				zap.String("op", string(e.Op)),
				zap.Int("physical_delta", e.Applied.Physical),
				zap.Int("reserved_delta", e.Applied.Reserved),
				zap.Error(err),
			)
			continue
		}
		s.opts.metrics.Compensation(metrics.OutcomeSuccess)
	}
	return ok
}

// fail compensates whatever was applied and wraps err with the transition
// context callers need to decide on a retry.
func (s *OrderService) fail(ctx context.Context, t domain.Transition, orderID string, touched []string, applied []ledger.Entry, err error) error {
	compensated := false
	partial := false
	if len(applied) > 0 {
		compensated = s.compensate(ctx, t, orderID, applied)
		partial = !compensated
	}

	itemIDs := uniqueIDs(touched)
	var stockErr *domain.InsufficientStockError
	if errors.As(err, &stockErr) {
		itemIDs = stockErr.ItemIDs()
	}

	if len(applied) > 0 {
		s.opts.logger.Warn("transition failed",
			zap.String("transition", string(t)),
			zap.String("order_id", orderID),
			zap.Strings("item_ids", itemIDs),
			zap.Bool("compensated", compensated),
			zap.Error(err),
		)
	}
	return &domain.TransitionError{
		Transition:    t,
		OrderID:       orderID,
		ItemIDs:       itemIDs,
		Compensated:   compensated,
		PartialEffect: partial,
		Err:           err,
	}
}

func (s *OrderService) start(ctx context.Context, t domain.Transition, orderID string) (context.Context, func(err error, noop bool)) {
	ctx, span := s.opts.tracer.Start(ctx, "order."+string(t), trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	return ctx, func(err error, noop bool) {
		switch {
		case err != nil:
			s.opts.metrics.Transition(string(t), metrics.OutcomeError)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case noop:
			s.opts.metrics.Transition(string(t), metrics.OutcomeNoop)
			span.SetAttributes(attribute.Bool("order.noop", true))
		default:
			s.opts.metrics.Transition(string(t), metrics.OutcomeSuccess)
		}
		span.End()
	}
}

func (s *OrderService) record(ctx context.Context, eventType string, o domain.Order) {
	s.opts.audit.Publish(ctx, audit.Event{
		Type:       eventType,
		Entity:     audit.EntityOrder,
		EntityID:   o.ID,
		OccurredAt: s.clock.Now(),
		Data: map[string]any{
			"status":         o.Status,
			"company_id":     o.CompanyID,
			"lines":          len(o.Lines),
			"total_quantity": o.TotalQuantity(),
			"total_value":    o.TotalValue().String(),
			"version":        o.Version,
		},
	})
}

func normalizeRef(ref *string) *string {
	if ref == nil {
		return nil
	}
	v := strings.TrimSpace(*ref)
	if v == "" {
		return nil
	}
	return &v
}

func lineItemIDs(sets ...[]domain.OrderLine) []string {
	var ids []string
	for _, lines := range sets {
		for _, l := range lines {
			ids = append(ids, l.ItemID)
		}
	}
	return uniqueIDs(ids)
}

func uniqueIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
