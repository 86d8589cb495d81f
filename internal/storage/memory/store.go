// Package memory keeps items and orders in process memory. It backs unit
// tests and the STORE_DRIVER=memory mode and honours the same conditional
// update contract as the SQL stores.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/cimillas/stockroom/internal/domain"
)

type Store struct {
	mu     sync.RWMutex
	items  map[string]domain.Item
	skus   map[string]string
	orders map[string]domain.Order
}

func New() *Store {
	return &Store{
		items:  make(map[string]domain.Item),
		skus:   make(map[string]string),
		orders: make(map[string]domain.Order),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) CreateItem(ctx context.Context, item domain.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[item.ID]; ok {
		return domain.ErrSKUAlreadyExists
	}
	if _, ok := s.skus[item.SKU]; ok {
		return domain.ErrSKUAlreadyExists
	}
	if item.PhysicalStock < 0 || item.ReservedStock < 0 {
		return domain.ErrInvariantViolation
	}
	s.items[item.ID] = item
	s.skus[item.SKU] = item.ID
	return nil
}

func (s *Store) GetItem(ctx context.Context, id string) (domain.Item, error) {
	if err := ctx.Err(); err != nil {
		return domain.Item{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return domain.Item{}, domain.ErrItemNotFound
	}
	return item, nil
}

// ListItems returns all items ordered by SKU.
func (s *Store) ListItems(ctx context.Context) ([]domain.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

// ApplyDelta adds delta to the item counters if the stored version still
// equals expectedVersion.
func (s *Store) ApplyDelta(ctx context.Context, id string, expectedVersion int64, delta domain.StockDelta) (domain.Item, error) {
	if err := ctx.Err(); err != nil {
		return domain.Item{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return domain.Item{}, domain.ErrItemNotFound
	}
	if item.Version != expectedVersion {
		return domain.Item{}, domain.ErrConflict
	}
	updated, err := item.Apply(delta)
	if err != nil {
		return domain.Item{}, err
	}
	updated.Version++
	s.items[id] = updated
	return updated, nil
}

// DeleteItem removes an item no order references.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return domain.ErrItemNotFound
	}
	for _, o := range s.orders {
		for _, l := range o.Lines {
			if l.ItemID == id {
				return domain.ErrItemInUse
			}
		}
	}
	delete(s.items, id)
	delete(s.skus, item.SKU)
	return nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.ID]; ok {
		return domain.ErrConflict
	}
	if err := s.checkLineItems(order.Lines); err != nil {
		return err
	}
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

// ListOrders returns matching orders, newest first.
func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if filter.Match(o) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateOrder replaces the stored order when its version still equals
// expectedVersion. The stored version becomes order.Version.
func (s *Store) UpdateOrder(ctx context.Context, order domain.Order, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != expectedVersion {
		return domain.ErrConflict
	}
	if err := s.checkLineItems(order.Lines); err != nil {
		return err
	}
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *Store) DeleteOrder(ctx context.Context, id string, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != expectedVersion {
		return domain.ErrConflict
	}
	delete(s.orders, id)
	return nil
}

// SumReservedQuantity totals the item's quantity across reserved orders.
func (s *Store) SumReservedQuantity(ctx context.Context, itemID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, o := range s.orders {
		if o.Status != domain.OrderStatusReserved {
			continue
		}
		for _, l := range o.Lines {
			if l.ItemID == itemID {
				total += l.Quantity
			}
		}
	}
	return total, nil
}

// checkLineItems mirrors the foreign key from order lines to items.
func (s *Store) checkLineItems(lines []domain.OrderLine) error {
	for _, l := range lines {
		if _, ok := s.items[l.ItemID]; !ok {
			return domain.ErrItemNotFound
		}
	}
	return nil
}

func cloneOrder(o domain.Order) domain.Order {
	o.Lines = o.LineItems()
	if o.TransportCompanyID != nil {
		v := *o.TransportCompanyID
		o.TransportCompanyID = &v
	}
	return o
}
