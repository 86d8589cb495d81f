package domain

import "fmt"

// Transition names a lifecycle operation on an order.
type Transition string

const (
	TransitionCreate   Transition = "create"
	TransitionEdit     Transition = "edit"
	TransitionComplete Transition = "complete"
	TransitionReopen   Transition = "reopen"
	TransitionCancel   Transition = "cancel"
	TransitionDelete   Transition = "delete"
)

// StockEffect is the ledger operation a transition applies to each line.
type StockEffect string

const (
	EffectNone    StockEffect = "none"
	EffectReserve StockEffect = "reserve"
	EffectRelease StockEffect = "release"
	EffectConsume StockEffect = "consume"
	EffectRestock StockEffect = "restock"
	// EffectDiff reserves increases and releases decreases between two line sets.
	EffectDiff StockEffect = "diff"
)

// Rule is one row of the lifecycle table. Removed means the order row is
// deleted instead of moving to To.
type Rule struct {
	To      OrderStatus
	Effect  StockEffect
	Removed bool
	NoOp    bool
}

type ruleKey struct {
	from OrderStatus
	t    Transition
}

// statusNone is the pseudo status of an order that does not exist yet.
const statusNone OrderStatus = ""

var lifecycle = map[ruleKey]Rule{
	{statusNone, TransitionCreate}:            {To: OrderStatusReserved, Effect: EffectReserve},
	{OrderStatusReserved, TransitionEdit}:     {To: OrderStatusReserved, Effect: EffectDiff},
	{OrderStatusReserved, TransitionComplete}: {To: OrderStatusCompleted, Effect: EffectConsume},
	{OrderStatusCompleted, TransitionReopen}:  {To: OrderStatusReserved, Effect: EffectReserve},
	{OrderStatusReserved, TransitionCancel}:   {To: OrderStatusCancelled, Effect: EffectRelease},
	{OrderStatusCancelled, TransitionCancel}:  {To: OrderStatusCancelled, Effect: EffectNone, NoOp: true},
	{OrderStatusReserved, TransitionDelete}:   {Effect: EffectRelease, Removed: true},
	{OrderStatusCompleted, TransitionDelete}:  {Effect: EffectRestock, Removed: true},
	{OrderStatusCancelled, TransitionDelete}:  {Effect: EffectNone, Removed: true},
}

// NextRule looks up the lifecycle rule for applying t to an order in status
// from. Pass an empty status for create.
func NextRule(from OrderStatus, t Transition) (Rule, error) {
	rule, ok := lifecycle[ruleKey{from: from, t: t}]
	if !ok {
		if from == statusNone {
			from = "new"
		}
		return Rule{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, t, from)
	}
	return rule, nil
}
