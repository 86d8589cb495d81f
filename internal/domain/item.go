package domain

import (
	"math"
	"time"
)

// MaxQuantity bounds every stock counter and quantity. It matches the
// 32-bit INTEGER columns the stores keep counters in.
const MaxQuantity = math.MaxInt32

// Item is a stocked article with its physical and reserved counters.
// Version increases on every counter change and guards conditional updates.
type Item struct {
	ID            string
	SKU           string
	Name          string
	Unit          string
	PhysicalStock int
	ReservedStock int
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Available is the quantity that may still be promised to new orders.
func (i Item) Available() int {
	return i.PhysicalStock - i.ReservedStock
}

// StockDelta is a signed change to an item's counters.
type StockDelta struct {
	Physical int `json:"physical"`
	Reserved int `json:"reserved"`
}

func (d StockDelta) IsZero() bool {
	return d.Physical == 0 && d.Reserved == 0
}

// Negate returns the delta that undoes d.
func (d StockDelta) Negate() StockDelta {
	return StockDelta{Physical: -d.Physical, Reserved: -d.Reserved}
}

// Apply returns a copy of the item with the delta added to its counters.
// It fails with ErrInvariantViolation when a counter would leave
// [0, MaxQuantity].
func (i Item) Apply(d StockDelta) (Item, error) {
	out := i
	out.PhysicalStock += d.Physical
	out.ReservedStock += d.Reserved
	if !inRange(out.PhysicalStock) || !inRange(out.ReservedStock) {
		return i, ErrInvariantViolation
	}
	return out, nil
}

func inRange(n int) bool {
	return n >= 0 && n <= MaxQuantity
}

// ValidQuantity reports whether qty is a usable line or ledger quantity.
func ValidQuantity(qty int) bool {
	return qty > 0 && qty <= MaxQuantity
}
