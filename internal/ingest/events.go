// Package ingest implements the ingestion half of the facade in spec §4.7
// (C7): applying inbound trade executions, order updates, and balance
// updates, with duplicate suppression and out-of-order resolution. The
// streaming (egress) half lives in internal/stream.
package ingest

import "time"

// Side is the direction of a trade execution.
type Side int

const (
	Buy Side = iota
	Sell
)

// TradeExecution is the wire shape of an inbound fill event (spec §6).
type TradeExecution struct {
	ExecutionID string
	Symbol      string
	Venue       string
	Side        Side
	Quantity    float64
	Price       float64
	Fee         float64
	Sequence    uint64
	Timestamp   time.Time // UTC milliseconds precision per the wire contract
}

// DeltaQuantity applies the side convention named in spec §6.
func (t TradeExecution) DeltaQuantity() float64 {
	if t.Side == Sell {
		return -t.Quantity
	}
	return t.Quantity
}

// OrderStatus is one of {new, partially_filled, filled, canceled, rejected}.
type OrderStatus int

const (
	OrderNew OrderStatus = iota
	OrderPartiallyFilled
	OrderFilled
	OrderCanceled
	OrderRejected
)

// OrderUpdate is informational; it updates per-venue open-order counts used
// by rate-limit decisions (spec §4.7) but does not itself mutate positions.
type OrderUpdate struct {
	OrderID      string
	Symbol       string
	Venue        string
	Status       OrderStatus
	FilledQty    float64
	RemainingQty float64
	Sequence     uint64
	Timestamp    time.Time
}

// BalanceUpdate is the wire shape of an inbound balance event (spec §6).
type BalanceUpdate struct {
	Venue     string
	Asset     string
	Free      float64
	Locked    float64
	Sequence  uint64
	Timestamp time.Time
}

// isOpen reports whether the order status still counts against the
// per-venue open-order count.
func (s OrderStatus) isOpen() bool {
	switch s {
	case OrderNew, OrderPartiallyFilled:
		return true
	default:
		return false
	}
}
