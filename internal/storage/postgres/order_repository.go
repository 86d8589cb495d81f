package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cimillas/stockroom/internal/domain"
)

type OrderRepository struct {
	conn
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{conn{pool: pool}}
}

// WithTx runs fn in one transaction; repository calls made with the
// context fn receives join it.
func (r *OrderRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

const orderColumns = `id, company_id, transport_company_id, notes, status, version, created_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.CompanyID, &o.TransportCompanyID, &o.Notes, &o.Status, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// CreateOrder writes the order row and its lines atomically.
func (r *OrderRepository) CreateOrder(ctx context.Context, order domain.Order) error {
	const stmt = `
INSERT INTO orders (id, company_id, transport_company_id, notes, status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	return r.WithTx(ctx, func(txCtx context.Context) error {
		_, err := r.exec(txCtx, stmt,
			order.ID,
			order.CompanyID,
			order.TransportCompanyID,
			order.Notes,
			string(order.Status),
			order.Version,
			order.CreatedAt,
			order.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConflict
			}
			if isInvalidUUID(err) {
				return domain.ErrInvalidID
			}
			return domain.Upstream("create order", err)
		}
		return r.insertLines(txCtx, order.ID, order.Lines)
	})
}

func (r *OrderRepository) insertLines(ctx context.Context, orderID string, lines []domain.OrderLine) error {
	const stmt = `
INSERT INTO order_lines (order_id, position, item_id, quantity, unit_price)
VALUES ($1, $2, $3, $4, $5::numeric)`

	for i, l := range lines {
		_, err := r.exec(ctx, stmt, orderID, i, l.ItemID, l.Quantity, l.UnitPrice.String())
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("item %s: %w", l.ItemID, domain.ErrItemNotFound)
			}
			if isInvalidUUID(err) {
				return domain.ErrInvalidID
			}
			return domain.Upstream("insert order line", err)
		}
	}
	return nil
}

func (r *OrderRepository) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	o, err := scanOrder(r.queryRow(ctx, query, id))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Order{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, domain.Upstream("get order", err)
	}

	lines, err := r.loadLines(ctx, []string{o.ID})
	if err != nil {
		return domain.Order{}, err
	}
	o.Lines = lines[o.ID]
	return o, nil
}

// ListOrders returns matching orders newest first with their lines.
func (r *OrderRepository) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.CompanyID != "" {
		args = append(args, filter.CompanyID)
		where = append(where, fmt.Sprintf("company_id = $%d", len(args)))
	}
	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, domain.Upstream("list orders", err)
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return nil, domain.Upstream("list orders", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	lines, err := r.loadLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Lines = lines[orders[i].ID]
	}
	return orders, nil
}

func (r *OrderRepository) loadLines(ctx context.Context, orderIDs []string) (map[string][]domain.OrderLine, error) {
	const query = `
SELECT order_id, item_id, quantity, unit_price::text
FROM order_lines
WHERE order_id = ANY($1::uuid[])
ORDER BY order_id, position`

	rows, err := r.query(ctx, query, orderIDs)
	if err != nil {
		return nil, domain.Upstream("load order lines", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.OrderLine, len(orderIDs))
	for rows.Next() {
		var (
			orderID string
			price   string
			l       domain.OrderLine
		)
		if err := rows.Scan(&orderID, &l.ItemID, &l.Quantity, &price); err != nil {
			return nil, domain.Upstream("scan order line", err)
		}
		if l.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse unit price %q: %w", price, err)
		}
		out[orderID] = append(out[orderID], l)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Upstream("load order lines", err)
	}
	return out, nil
}

// UpdateOrder rewrites the order and its lines if the stored version is
// still expectedVersion.
func (r *OrderRepository) UpdateOrder(ctx context.Context, order domain.Order, expectedVersion int64) error {
	const stmt = `
UPDATE orders
SET company_id = $3, transport_company_id = $4, notes = $5, status = $6, version = $7, updated_at = $8
WHERE id = $1 AND version = $2`

	return r.WithTx(ctx, func(txCtx context.Context) error {
		tag, err := r.exec(txCtx, stmt,
			order.ID,
			expectedVersion,
			order.CompanyID,
			order.TransportCompanyID,
			order.Notes,
			string(order.Status),
			order.Version,
			order.UpdatedAt,
		)
		if err != nil {
			if isInvalidUUID(err) {
				return domain.ErrInvalidID
			}
			return domain.Upstream("update order", err)
		}
		if tag.RowsAffected() == 0 {
			return r.missingOrConflict(txCtx, order.ID)
		}
		if _, err := r.exec(txCtx, `DELETE FROM order_lines WHERE order_id = $1`, order.ID); err != nil {
			return domain.Upstream("replace order lines", err)
		}
		return r.insertLines(txCtx, order.ID, order.Lines)
	})
}

func (r *OrderRepository) DeleteOrder(ctx context.Context, id string, expectedVersion int64) error {
	tag, err := r.exec(ctx, `DELETE FROM orders WHERE id = $1 AND version = $2`, id, expectedVersion)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return domain.Upstream("delete order", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

// SumReservedQuantity totals the item's quantity across reserved orders.
func (r *OrderRepository) SumReservedQuantity(ctx context.Context, itemID string) (int, error) {
	const query = `
SELECT COALESCE(SUM(l.quantity), 0)
FROM order_lines l
JOIN orders o ON o.id = l.order_id
WHERE l.item_id = $1 AND o.status = 'reserved'`

	var total int
	if err := r.queryRow(ctx, query, itemID).Scan(&total); err != nil {
		if isInvalidUUID(err) {
			return 0, domain.ErrInvalidID
		}
		return 0, domain.Upstream("sum reserved quantity", err)
	}
	return total, nil
}

func (r *OrderRepository) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := r.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return domain.Upstream("check order", err)
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return domain.ErrConflict
}
