// Package sqlite is a single-file store with the same conditional update
// semantics as the Postgres repositories.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/cimillas/stockroom/internal/domain"
)

//go:embed schema.sql
var schema string

// Fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

// Open creates the file and schema if needed. Writes go through one
// connection so the file lock is never contended inside the process.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "stockroom.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type txKey struct{}

func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Upstream("begin tx", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.Upstream("commit tx", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func constraintKind(err error) int {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return 0
	}
	switch code := se.Code(); code {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
		sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY, sqlite3.SQLITE_CONSTRAINT_CHECK:
		return code
	}
	msg := se.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return sqlite3.SQLITE_CONSTRAINT_UNIQUE
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
	case strings.Contains(msg, "CHECK constraint failed"):
		return sqlite3.SQLITE_CONSTRAINT_CHECK
	}
	return 0
}

func isUniqueViolation(err error) bool {
	k := constraintKind(err)
	return k == sqlite3.SQLITE_CONSTRAINT_UNIQUE || k == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isForeignKeyViolation(err error) bool {
	return constraintKind(err) == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}

func isCheckViolation(err error) bool {
	return constraintKind(err) == sqlite3.SQLITE_CONSTRAINT_CHECK
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

const itemColumns = `id, sku, name, unit, physical_stock, reserved_stock, version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (domain.Item, error) {
	var (
		it               domain.Item
		created, updated string
	)
	if err := row.Scan(&it.ID, &it.SKU, &it.Name, &it.Unit, &it.PhysicalStock, &it.ReservedStock, &it.Version, &created, &updated); err != nil {
		return domain.Item{}, err
	}
	var err error
	if it.CreatedAt, err = parseTime(created); err != nil {
		return domain.Item{}, fmt.Errorf("parse created_at: %w", err)
	}
	if it.UpdatedAt, err = parseTime(updated); err != nil {
		return domain.Item{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return it, nil
}

func (s *Store) CreateItem(ctx context.Context, item domain.Item) error {
	const stmt = `
INSERT INTO items (id, sku, name, unit, physical_stock, reserved_stock, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.q(ctx).ExecContext(ctx, stmt,
		item.ID,
		item.SKU,
		item.Name,
		item.Unit,
		item.PhysicalStock,
		item.ReservedStock,
		item.Version,
		formatTime(item.CreatedAt),
		formatTime(item.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrSKUAlreadyExists
		}
		if isCheckViolation(err) {
			return domain.ErrInvariantViolation
		}
		return domain.Upstream("create item", err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, id string) (domain.Item, error) {
	it, err := scanItem(s.q(ctx).QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Item{}, domain.ErrItemNotFound
		}
		return domain.Item{}, domain.Upstream("get item", err)
	}
	return it, nil
}

func (s *Store) ListItems(ctx context.Context) ([]domain.Item, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY sku`)
	if err != nil {
		return nil, domain.Upstream("list items", err)
	}
	defer func() { _ = rows.Close() }()

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

func (s *Store) ApplyDelta(ctx context.Context, id string, expectedVersion int64, delta domain.StockDelta) (domain.Item, error) {
	const stmt = `
UPDATE items
SET physical_stock = physical_stock + ?,
    reserved_stock = reserved_stock + ?,
    version = version + 1,
    updated_at = ?
WHERE id = ? AND version = ?
RETURNING ` + itemColumns

	row := s.q(ctx).QueryRowContext(ctx, stmt, delta.Physical, delta.Reserved, formatTime(time.Now()), id, expectedVersion)
	it, err := scanItem(row)
	if err == nil {
		return it, nil
	}
	switch {
	case isCheckViolation(err):
		return domain.Item{}, domain.ErrInvariantViolation
	case errors.Is(err, sql.ErrNoRows):
		if _, getErr := s.GetItem(ctx, id); getErr != nil {
			return domain.Item{}, getErr
		}
		return domain.Item{}, domain.ErrConflict
	}
	return domain.Item{}, domain.Upstream("apply stock delta", err)
}

func (s *Store) DeleteItem(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrItemInUse
		}
		return domain.Upstream("delete item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

const orderColumns = `id, company_id, transport_company_id, notes, status, version, created_at, updated_at`

func scanOrder(row scanner) (domain.Order, error) {
	var (
		o                domain.Order
		transport        sql.NullString
		status           string
		created, updated string
	)
	if err := row.Scan(&o.ID, &o.CompanyID, &transport, &o.Notes, &status, &o.Version, &created, &updated); err != nil {
		return domain.Order{}, err
	}
	if transport.Valid {
		o.TransportCompanyID = &transport.String
	}
	o.Status = domain.OrderStatus(status)
	var err error
	if o.CreatedAt, err = parseTime(created); err != nil {
		return domain.Order{}, fmt.Errorf("parse created_at: %w", err)
	}
	if o.UpdatedAt, err = parseTime(updated); err != nil {
		return domain.Order{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return o, nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) error {
	const stmt = `
INSERT INTO orders (id, company_id, transport_company_id, notes, status, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	return s.withTx(ctx, func(txCtx context.Context) error {
		_, err := s.q(txCtx).ExecContext(txCtx, stmt,
			order.ID,
			order.CompanyID,
			nullable(order.TransportCompanyID),
			order.Notes,
			string(order.Status),
			order.Version,
			formatTime(order.CreatedAt),
			formatTime(order.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConflict
			}
			return domain.Upstream("create order", err)
		}
		return s.insertLines(txCtx, order.ID, order.Lines)
	})
}

func (s *Store) insertLines(ctx context.Context, orderID string, lines []domain.OrderLine) error {
	const stmt = `INSERT INTO order_lines (order_id, position, item_id, quantity, unit_price) VALUES (?, ?, ?, ?, ?)`
	for i, l := range lines {
		if _, err := s.q(ctx).ExecContext(ctx, stmt, orderID, i, l.ItemID, l.Quantity, l.UnitPrice.String()); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("item %s: %w", l.ItemID, domain.ErrItemNotFound)
			}
			return domain.Upstream("insert order line", err)
		}
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(s.q(ctx).QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, domain.Upstream("get order", err)
	}
	if o.Lines, err = s.loadLines(ctx, o.ID); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, filter.CompanyID)
	}
	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Upstream("list orders", err)
	}
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, domain.Upstream("scan order", err)
		}
		orders = append(orders, o)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, domain.Upstream("list orders", err)
	}

	// Lines are loaded after the cursor is closed; the store has a single
	// connection.
	for i := range orders {
		if orders[i].Lines, err = s.loadLines(ctx, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (s *Store) loadLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
SELECT item_id, quantity, unit_price FROM order_lines WHERE order_id = ? ORDER BY position`, orderID)
	if err != nil {
		return nil, domain.Upstream("load order lines", err)
	}
	defer func() { _ = rows.Close() }()

	var lines []domain.OrderLine
	for rows.Next() {
		var (
			l     domain.OrderLine
			price string
		)
		if err := rows.Scan(&l.ItemID, &l.Quantity, &price); err != nil {
			return nil, domain.Upstream("scan order line", err)
		}
		if l.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse unit price %q: %w", price, err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Upstream("load order lines", err)
	}
	return lines, nil
}

func (s *Store) UpdateOrder(ctx context.Context, order domain.Order, expectedVersion int64) error {
	const stmt = `
UPDATE orders
SET company_id = ?, transport_company_id = ?, notes = ?, status = ?, version = ?, updated_at = ?
WHERE id = ? AND version = ?`

	return s.withTx(ctx, func(txCtx context.Context) error {
		res, err := s.q(txCtx).ExecContext(txCtx, stmt,
			order.CompanyID,
			nullable(order.TransportCompanyID),
			order.Notes,
			string(order.Status),
			order.Version,
			formatTime(order.UpdatedAt),
			order.ID,
			expectedVersion,
		)
		if err != nil {
			return domain.Upstream("update order", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.missingOrConflict(txCtx, order.ID)
		}
		if _, err := s.q(txCtx).ExecContext(txCtx, `DELETE FROM order_lines WHERE order_id = ?`, order.ID); err != nil {
			return domain.Upstream("replace order lines", err)
		}
		return s.insertLines(txCtx, order.ID, order.Lines)
	})
}

func (s *Store) DeleteOrder(ctx context.Context, id string, expectedVersion int64) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM orders WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return domain.Upstream("delete order", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

func (s *Store) SumReservedQuantity(ctx context.Context, itemID string) (int, error) {
	const query = `
SELECT COALESCE(SUM(l.quantity), 0)
FROM order_lines l
JOIN orders o ON o.id = l.order_id
WHERE l.item_id = ? AND o.status = 'reserved'`

	var total int
	if err := s.q(ctx).QueryRowContext(ctx, query, itemID).Scan(&total); err != nil {
		return 0, domain.Upstream("sum reserved quantity", err)
	}
	return total, nil
}

func (s *Store) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = ?)`, id).Scan(&exists); err != nil {
		return domain.Upstream("check order", err)
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return domain.ErrConflict
}
