package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusReserved  OrderStatus = "reserved"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusReserved, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status holds no reservation.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// OrderLine is one item on an order. It has no identity outside its order.
type OrderLine struct {
	ItemID    string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Order is the aggregate the lifecycle transitions act on. It holds no
// reference to stock; the order service applies ledger effects around it.
type Order struct {
	ID                 string
	CompanyID          string
	TransportCompanyID *string
	Notes              string
	Status             OrderStatus
	Lines              []OrderLine
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// LineItems returns a copy of the order lines in their stored order.
func (o Order) LineItems() []OrderLine {
	out := make([]OrderLine, len(o.Lines))
	copy(out, o.Lines)
	return out
}

func (o Order) CurrentStatus() OrderStatus {
	return o.Status
}

// TotalValue is the sum of quantity * unit price over all lines.
func (o Order) TotalValue() decimal.Decimal {
	total := decimal.Zero
	for _, l := range o.Lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return total
}

func (o Order) TotalQuantity() int {
	total := 0
	for _, l := range o.Lines {
		total += l.Quantity
	}
	return total
}

// QuantitiesByItem sums line quantities per item id.
func (o Order) QuantitiesByItem() map[string]int {
	return SumByItem(o.Lines)
}

// ValidateLines checks a line set before it is attached to an order.
// An item may appear at most once so diffs stay unambiguous.
func ValidateLines(lines []OrderLine) error {
	if len(lines) == 0 {
		return ErrNoLines
	}
	seen := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		if l.ItemID == "" {
			return ErrInvalidID
		}
		if !ValidQuantity(l.Quantity) {
			return ErrInvalidQuantity
		}
		if l.UnitPrice.IsNegative() {
			return ErrInvalidPrice
		}
		if _, dup := seen[l.ItemID]; dup {
			return ErrDuplicateLine
		}
		seen[l.ItemID] = struct{}{}
	}
	return nil
}

func SumByItem(lines []OrderLine) map[string]int {
	out := make(map[string]int, len(lines))
	for _, l := range lines {
		out[l.ItemID] += l.Quantity
	}
	return out
}

// LineDelta is the net change in reserved quantity for one item when an
// order's line set is replaced.
type LineDelta struct {
	ItemID string
	Delta  int
}

// DiffLines computes the per-item net change from old to new. Items are
// reported in the order they first appear in next, then items only in prev.
// Unchanged items are omitted.
func DiffLines(prev, next []OrderLine) []LineDelta {
	oldQty := SumByItem(prev)
	newQty := SumByItem(next)

	var out []LineDelta
	seen := make(map[string]struct{}, len(next)+len(prev))
	for _, l := range next {
		if _, ok := seen[l.ItemID]; ok {
			continue
		}
		seen[l.ItemID] = struct{}{}
		if d := newQty[l.ItemID] - oldQty[l.ItemID]; d != 0 {
			out = append(out, LineDelta{ItemID: l.ItemID, Delta: d})
		}
	}
	for _, l := range prev {
		if _, ok := seen[l.ItemID]; ok {
			continue
		}
		seen[l.ItemID] = struct{}{}
		out = append(out, LineDelta{ItemID: l.ItemID, Delta: -oldQty[l.ItemID]})
	}
	return out
}

// OrderFilter narrows ListOrders. Zero fields match everything.
type OrderFilter struct {
	Status    OrderStatus
	CompanyID string
}

func (f OrderFilter) Match(o Order) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.CompanyID != "" && o.CompanyID != f.CompanyID {
		return false
	}
	return true
}
