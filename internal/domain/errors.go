package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrItemNotFound        = errors.New("item not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrConflict            = errors.New("concurrent update conflict")
	ErrUpstream            = errors.New("upstream unavailable")
	ErrInvariantViolation  = errors.New("stock invariant violation")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrInvalidPrice        = errors.New("invalid unit price")
	ErrInvalidID           = errors.New("invalid id")
	ErrNoLines             = errors.New("order has no lines")
	ErrDuplicateLine       = errors.New("duplicate item in order lines")
	ErrCompanyRequired     = errors.New("company reference required")
	ErrSKURequired         = errors.New("sku required")
	ErrItemNameRequired    = errors.New("item name required")
	ErrSKUAlreadyExists    = errors.New("sku already exists")
	ErrItemInUse           = errors.New("item referenced by orders")
	ErrInvalidInitialStock = errors.New("initial stock out of range")
	ErrInvalidStatus       = errors.New("invalid order status")
)

// Shortage describes one item that could not cover a requested quantity.
type Shortage struct {
	ItemID    string `json:"item_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// InsufficientStockError lists every item that was short during a transition.
type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", s.ItemID, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ItemIDs returns the ids of the short items in report order.
func (e *InsufficientStockError) ItemIDs() []string {
	ids := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		ids = append(ids, s.ItemID)
	}
	return ids
}

// TransitionError is returned by every failed lifecycle transition. PartialEffect
// is only true when compensation itself failed and some ledger effect remains.
type TransitionError struct {
	Transition    Transition
	OrderID       string
	ItemIDs       []string
	Compensated   bool
	PartialEffect bool
	Err           error
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s order %s: %v", e.Transition, e.OrderID, e.Err)
	if e.PartialEffect {
		msg += " (partial effect remains)"
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// Upstream tags an infrastructure failure so callers can match ErrUpstream
// while the original cause stays reachable through errors.As.
func Upstream(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUpstream, err))
}
