// Package position implements the authoritative position & P&L engine of
// spec §4.3 (C3), grounded on original_source's
// risk_manager_service/include/enhanced_risk_manager.hpp
// (RealTimePnLCalculator / RealTimePosition) — rebuilt with per-shard
// mutexes instead of a single shared_mutex, so readers of one symbol/venue
// never contend with writers of another.
package position

import "time"

// Key identifies a position by (symbol, venue), spec §3.
type Key struct {
	Symbol string
	Venue  string
}

// Position is the authoritative record for one (symbol, venue).
//
// Invariants (spec §3):
//   - Unrealized = Quantity * (Mark - AverageEntry)
//   - RealizedPnL is monotone in magnitude of closed flow
//   - a zero-quantity position keeps RealizedPnL but AverageEntry is
//     undefined and must not be read (HasAverageEntry reports this)
type Position struct {
	Symbol        string
	Venue         string
	Quantity      float64 // signed: long positive, short negative
	AverageEntry  float64
	hasEntry      bool
	Mark          float64
	hasMark       bool
	RealizedPnL   float64
	LastUpdate    time.Time
}

// HasAverageEntry reports whether AverageEntry is meaningful. It is false
// for a flat (zero-quantity) position that has never been assigned a fresh
// entry price.
func (p Position) HasAverageEntry() bool { return p.hasEntry }

// HasMark reports whether a mark price has ever been recorded for this
// symbol.
func (p Position) HasMark() bool { return p.hasMark }

// Unrealized returns the mark-to-market P&L. It is zero for a flat position
// or one with no mark yet.
func (p Position) Unrealized() float64 {
	if p.Quantity == 0 || !p.hasMark {
		return 0
	}
	return p.Quantity * (p.Mark - p.AverageEntry)
}

// Exposure returns |quantity * mark|, zero if no mark is known.
func (p Position) Exposure() float64 {
	if !p.hasMark {
		return 0
	}
	v := p.Quantity * p.Mark
	if v < 0 {
		return -v
	}
	return v
}

// Fill is an atomically-applied delta to a position, spec §3.
type Fill struct {
	Symbol      string
	Venue       string
	DeltaQty    float64// signed
	Price       float64
	Timestamp   time.Time
}

// MarkUpdate is one symbol's latest reference price.
type MarkUpdate struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// Balance is a per-(venue, asset) free/locked amount, informational for
// exposure checks (spec §3).
type Balance struct {
	Venue     string
	Asset     string
	Free      float64
	Locked    float64
	Timestamp time.Time
}
