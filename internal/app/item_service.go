package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cimillas/stockroom/internal/audit"
	"github.com/cimillas/stockroom/internal/clock"
	"github.com/cimillas/stockroom/internal/domain"
	"github.com/cimillas/stockroom/internal/ledger"
)

type ItemRepository interface {
	CreateItem(ctx context.Context, item domain.Item) error
	GetItem(ctx context.Context, id string) (domain.Item, error)
	ListItems(ctx context.Context) ([]domain.Item, error)
	DeleteItem(ctx context.Context, id string) error
}

// ItemLedger is the part of the stock ledger inventory management uses.
type ItemLedger interface {
	Restock(ctx context.Context, itemID string, qty int) (ledger.Entry, error)
	Resync(ctx context.Context, itemID string) (ledger.ResyncResult, error)
}

type ItemService struct {
	items  ItemRepository
	ledger ItemLedger
	clock  clock.Clock
	opts   options
}

func NewItemService(items ItemRepository, l ItemLedger, clk clock.Clock, opts ...Option) *ItemService {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &ItemService{
		items:  items,
		ledger: l,
		clock:  clk,
		opts:   o,
	}
}

const defaultUnit = "unit"

type CreateItemInput struct {
	SKU           string
	Name          string
	Unit          string
	PhysicalStock int
}

func (s *ItemService) CreateItem(ctx context.Context, in CreateItemInput) (domain.Item, error) {
	sku := strings.TrimSpace(in.SKU)
	name := strings.TrimSpace(in.Name)
	unit := strings.TrimSpace(in.Unit)
	if sku == "" {
		return domain.Item{}, domain.ErrSKURequired
	}
	if name == "" {
		return domain.Item{}, domain.ErrItemNameRequired
	}
	if in.PhysicalStock < 0 || in.PhysicalStock > domain.MaxQuantity {
		return domain.Item{}, domain.ErrInvalidInitialStock
	}
	if unit == "" {
		unit = defaultUnit
	}

	now := s.clock.Now()
	item := domain.Item{
		ID:            newUUID(),
		SKU:           sku,
		Name:          name,
		Unit:          unit,
		PhysicalStock: in.PhysicalStock,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.items.CreateItem(ctx, item); err != nil {
		return domain.Item{}, err
	}

	s.record(ctx, audit.ItemCreated, item.ID, map[string]any{
		"sku":            item.SKU,
		"physical_stock": item.PhysicalStock,
	})
	return item, nil
}

func (s *ItemService) GetItem(ctx context.Context, id string) (domain.Item, error) {
	if id == "" {
		return domain.Item{}, domain.ErrInvalidID
	}
	return s.items.GetItem(ctx, id)
}

func (s *ItemService) ListItems(ctx context.Context) ([]domain.Item, error) {
	return s.items.ListItems(ctx)
}

// ReceiveStock books goods-in against physical stock.
func (s *ItemService) ReceiveStock(ctx context.Context, id string, qty int) (domain.Item, error) {
	if !domain.ValidQuantity(qty) {
		return domain.Item{}, domain.ErrInvalidQuantity
	}
	entry, err := s.ledger.Restock(ctx, id, qty)
	if err != nil {
		return domain.Item{}, err
	}
	s.record(ctx, audit.ItemReceived, id, map[string]any{
		"quantity":       qty,
		"physical_stock": entry.Item.PhysicalStock,
	})
	return entry.Item, nil
}

// DeleteItem removes an item no order references.
func (s *ItemService) DeleteItem(ctx context.Context, id string) error {
	if id == "" {
		return domain.ErrInvalidID
	}
	if err := s.items.DeleteItem(ctx, id); err != nil {
		return err
	}
	s.record(ctx, audit.ItemDeleted, id, nil)
	return nil
}

func (s *ItemService) Resync(ctx context.Context, id string) (ledger.ResyncResult, error) {
	res, err := s.ledger.Resync(ctx, id)
	if err != nil {
		return ledger.ResyncResult{}, err
	}
	if res.Delta != 0 {
		s.record(ctx, audit.ItemResynced, id, map[string]any{
			"previous":  res.Previous,
			"corrected": res.Corrected,
			"delta":     res.Delta,
		})
	}
	return res, nil
}

// ResyncAll repairs every item. A failing item does not stop the sweep; the
// failures are joined into the returned error.
func (s *ItemService) ResyncAll(ctx context.Context) ([]ledger.ResyncResult, error) {
	items, err := s.items.ListItems(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]ledger.ResyncResult, 0, len(items))
	var errs []error
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.Resync(ctx, item.ID)
		if err != nil {
			s.opts.logger.Warn("resync failed", zap.String("item_id", item.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("item %s: %w", item.ID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (s *ItemService) record(ctx context.Context, eventType, itemID string, data map[string]any) {
	e := audit.Event{
		Type:       eventType,
		Entity:     audit.EntityItem,
		EntityID:   itemID,
		OccurredAt: s.clock.Now(),
	}
	if data != nil {
		e.Data = data
	}
	s.opts.audit.Publish(ctx, e)
}
