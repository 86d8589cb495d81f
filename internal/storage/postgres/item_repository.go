package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/stockroom/internal/domain"
)

type ItemRepository struct {
	conn
}

func NewItemRepository(pool *pgxpool.Pool) *ItemRepository {
	return &ItemRepository{conn{pool: pool}}
}

const itemColumns = `id, sku, name, unit, physical_stock, reserved_stock, version, created_at, updated_at`

func scanItem(row pgx.Row) (domain.Item, error) {
	var it domain.Item
	err := row.Scan(&it.ID, &it.SKU, &it.Name, &it.Unit, &it.PhysicalStock, &it.ReservedStock, &it.Version, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

func (r *ItemRepository) CreateItem(ctx context.Context, item domain.Item) error {
	const stmt = `
INSERT INTO items (id, sku, name, unit, physical_stock, reserved_stock, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.exec(ctx, stmt,
		item.ID,
		item.SKU,
		item.Name,
		item.Unit,
		item.PhysicalStock,
		item.ReservedStock,
		item.Version,
		item.CreatedAt,
		item.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrSKUAlreadyExists
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isCheckViolation(err) {
			return domain.ErrInvariantViolation
		}
		return domain.Upstream("create item", err)
	}
	return nil
}

func (r *ItemRepository) GetItem(ctx context.Context, id string) (domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE id = $1`
	it, err := scanItem(r.queryRow(ctx, query, id))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Item{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Item{}, domain.ErrItemNotFound
		}
		return domain.Item{}, domain.Upstream("get item", err)
	}
	return it, nil
}

func (r *ItemRepository) ListItems(ctx context.Context) ([]domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items ORDER BY sku`
	rows, err := r.query(ctx, query)
	if err != nil {
		return nil, domain.Upstream("list items", err)
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, domain.Upstream("scan item", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Upstream("list items", err)
	}
	return items, nil
}

// ApplyDelta is a single conditional UPDATE keyed on the version the caller
// read. The CHECK constraints on the counters reject negative results.
func (r *ItemRepository) ApplyDelta(ctx context.Context, id string, expectedVersion int64, delta domain.StockDelta) (domain.Item, error) {
	query := `
UPDATE items
SET physical_stock = physical_stock + $3,
    reserved_stock = reserved_stock + $4,
    version = version + 1,
    updated_at = now()
WHERE id = $1 AND version = $2
RETURNING ` + itemColumns

	it, err := scanItem(r.queryRow(ctx, query, id, expectedVersion, delta.Physical, delta.Reserved))
	if err == nil {
		return it, nil
	}
	switch {
	case isInvalidUUID(err):
		return domain.Item{}, domain.ErrInvalidID
	case isCheckViolation(err), isOutOfRange(err):
		return domain.Item{}, domain.ErrInvariantViolation
	case errors.Is(err, pgx.ErrNoRows):
		if _, getErr := r.GetItem(ctx, id); getErr != nil {
			return domain.Item{}, getErr
		}
		return domain.Item{}, domain.ErrConflict
	}
	return domain.Item{}, domain.Upstream("apply stock delta", err)
}

func (r *ItemRepository) DeleteItem(ctx context.Context, id string) error {
	tag, err := r.exec(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrItemInUse
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return domain.Upstream("delete item", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}
