// Package risk implements the pre-trade risk evaluator of spec §4.4 (C4),
// grounded on original_source's enhanced_risk_manager.hpp
// (assess_opportunity_realtime, check_exposure_limits_realtime,
// check_concentration_limits, calculate_portfolio_var,
// calculate_portfolio_stress_test).
package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackholedex/riskctl/internal/config"
	"github.com/blackholedex/riskctl/internal/position"
	"github.com/rs/zerolog"
)

// HaltStatusProvider is the narrow capability the evaluator needs from the
// halt controller (C6). Declaring it here — rather than importing the
// monitor package — breaks the cyclic reference the design notes (spec §9)
// call out between the evaluator and the rest of the control plane: the
// evaluator never navigates back through a pointer to its host.
type HaltStatusProvider interface {
	IsHalted() bool
}

// Direction is the side of a candidate trade.
type Direction int

const (
	Buy Direction = iota
	Sell
)

// Opportunity is the pre-trade assessment input (spec §4.4).
type Opportunity struct {
	Symbol          string
	Venue           string
	Direction       Direction
	Quantity        float64
	ExpectedPrice   float64
	AssumedAdverseMove float64 // fractional adverse price move assumed for single-trade-risk
	ExpectedSpread  float64
}

// Decision is the verdict of a pre-trade assessment.
type Decision int

const (
	Approve Decision = iota
	ApproveWithWarnings
	Reject
)

func (d Decision) String() string {
	switch d {
	case Approve:
		return "approve"
	case ApproveWithWarnings:
		return "approve_with_warnings"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Assessment is the evaluator's verdict plus the names of every check that
// failed or warned.
type Assessment struct {
	Decision Decision
	Warnings []string
	Reasons  []string // failing check names, populated on Reject
}

// hardCheckNames are the risk checks that spec §4.4's policy table lists as
// rejecting. Assess also rejects on single_trade_risk and profitability
// failures, which are not in this set.
var hardCheckNames = map[string]bool{
	"halt":        true,
	"exposure":    true,
	"leverage":    true,
	"var":         true,
	"concentration":     true,
	"daily_trade_count": true,
}

// Evaluator assesses candidate opportunities against the current position
// state and a versioned RiskLimits snapshot.
type Evaluator struct {
	engine *position.Engine
	halt   HaltStatusProvider
	log    zerolog.Logger

	limits atomic.Pointer[config.RiskLimits]

	mu          sync.Mutex
	dailyCounts map[string]int // date (YYYY-MM-DD) -> approved trade count
	equity      float64
}

// New constructs an Evaluator. Equity starts at zero, which skips the
// leverage check until SetEquity supplies the account equity.
func New(engine *position.Engine, halt HaltStatusProvider, limits *config.RiskLimits, log zerolog.Logger) *Evaluator {
	e := &Evaluator{
		engine:      engine,
		halt:        halt,
		dailyCounts: make(map[string]int),
		log:         log.With().Str("component", "risk").Logger(),
	}
	e.limits.Store(limits)
	return e
}

// UpdateLimits atomically replaces the limits snapshot (spec §3 "Risk
// limits ... Versioned: updates bump a generation counter").
func (e *Evaluator) UpdateLimits(l *config.RiskLimits) {
	e.limits.Store(l)
}

// Limits returns the current limits snapshot.
func (e *Evaluator) Limits() *config.RiskLimits {
	return e.limits.Load()
}

// SetEquity updates the account equity used by the leverage check.
func (e *Evaluator) SetEquity(equity float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.equity = equity
}

// notional returns the candidate trade's absolute notional value.
func (o Opportunity) notional() float64 {
	return o.Quantity * o.ExpectedPrice
}

func (o Opportunity) signedDelta() float64 {
	if o.Direction == Sell {
		return -o.Quantity
	}
	return o.Quantity
}

// Assess runs every named check against a consistent snapshot taken at
// entry (spec §4.4: "All checks are pure functions of a consistent
// snapshot ... must not observe a mid-update position set").
func (e *Evaluator) Assess(opp Opportunity, at time.Time) Assessment {
	limits := e.limits.Load()
	positions := e.engine.GetAllPositions()

	var warnings, reasons []string
	reject := func(name string) { reasons = append(reasons, name) }
	warn := func(name string) { warnings = append(warnings, name) }

	// halt
	if e.halt != nil && e.halt.IsHalted() {
		reject("halt")
	}

	// exposure: total exposure after the hypothetical fill
	postExposure := hypotheticalTotalExposure(positions, opp)
	if limits.MaxTotalExposure > 0 {
		if postExposure > limits.MaxTotalExposure {
			reject("exposure")
		} else if postExposure > 0.9*limits.MaxTotalExposure {
			warn("exposure")
		}
	}

	// concentration: share of exposure in this symbol after the fill
	if limits.MaxConcentrationRatio > 0 && postExposure > 0 {
		postSymbolExposure := hypotheticalSymbolExposure(positions, opp)
		ratio := postSymbolExposure / postExposure
		if ratio > limits.MaxConcentrationRatio {
			reject("concentration")
		} else if ratio > 0.9*limits.MaxConcentrationRatio {
			warn("concentration")
		}
	}

	// single-trade-risk: notional * assumed_adverse_move <= max_single_trade_risk
	if limits.MaxSingleTradeRisk > 0 {
		riskAmt := opp.notional() * opp.AssumedAdverseMove
		if riskAmt > limits.MaxSingleTradeRisk {
			reject("single_trade_risk")
		} else if riskAmt > 0.9*limits.MaxSingleTradeRisk {
			warn("single_trade_risk")
		}
	}

	// leverage: total gross exposure <= max_leverage_ratio * equity
	e.mu.Lock()
	equity := e.equity
	e.mu.Unlock()
	if limits.MaxLeverageRatio > 0 && equity > 0 {
		maxExposure := limits.MaxLeverageRatio * equity
		if postExposure > maxExposure {
			reject("leverage")
		} else if postExposure > 0.9*maxExposure {
			warn("leverage")
		}
	}

	// VaR
	if limits.MaxPortfolioVaR > 0 {
		projected := e.engine.VaR(0.95, 30)
		if projected.Value > limits.MaxPortfolioVaR {
			reject("var")
		} else if projected.Value > 0.9*limits.MaxPortfolioVaR {
			warn("var")
		}
	}

	// daily-trade-count
	if limits.MaxDailyTrades > 0 {
		day := at.Format("2006-01-02")
		e.mu.Lock()
		count := e.dailyCounts[day]
		e.mu.Unlock()
		if count >= limits.MaxDailyTrades {
			reject("daily_trade_count")
		} else if count >= int(0.9*float64(limits.MaxDailyTrades)) {
			warn("daily_trade_count")
		}
	}

	// spread/profitability: failing produces reject without a warning path
	// (spec §4.4: "not a risk error").
	profitabilityFailed := limits.MinSpreadThreshold > 0 && opp.ExpectedSpread < limits.MinSpreadThreshold
	if profitabilityFailed {
		reject("profitability")
	}

	assessment := Assessment{Warnings: warnings}
	switch {
	case len(reasons) > 0:
		assessment.Decision = Reject
		assessment.Reasons = reasons
	case len(warnings) > 0:
		assessment.Decision = ApproveWithWarnings
	default:
		assessment.Decision = Approve
	}

	if assessment.Decision != Reject {
		day := at.Format("2006-01-02")
		e.mu.Lock()
		e.dailyCounts[day]++
		e.mu.Unlock()
	}

	e.log.Debug().
		Str("symbol", opp.Symbol).Str("venue", opp.Venue).
		Str("decision", assessment.Decision.String()).
		Strs("reasons", assessment.Reasons).
		Strs("warnings", assessment.Warnings).
		Msg("pre-trade assessment")

	return assessment
}

func hypotheticalTotalExposure(positions []position.Position, opp Opportunity) float64 {
	var total float64
	matched := false
	for _, p := range positions {
		if p.Symbol == opp.Symbol && p.Venue == opp.Venue {
			total += hypotheticalExposure(p, opp)
			matched = true
			continue
		}
		total += p.Exposure()
	}
	if !matched {
		total += opp.Quantity * opp.ExpectedPrice
	}
	return total
}

func hypotheticalSymbolExposure(positions []position.Position, opp Opportunity) float64 {
	var total float64
	matched := false
	for _, p := range positions {
		if p.Symbol != opp.Symbol {
			continue
		}
		if p.Venue == opp.Venue {
			total += hypotheticalExposure(p, opp)
			matched = true
			continue
		}
		total += p.Exposure()
	}
	if !matched {
		total += opp.Quantity * opp.ExpectedPrice
	}
	return total
}

func hypotheticalExposure(p position.Position, opp Opportunity) float64 {
	mark := p.Mark
	if !p.HasMark() {
		mark = opp.ExpectedPrice
	}
	newQty := p.Quantity + opp.signedDelta()
	v := newQty * mark
	if v < 0 {
		return -v
	}
	return v
}

// StressTest delegates to the position engine's stress test (spec §4.4,
// used by the monitoring loop for stress_test_threshold).
func (e *Evaluator) StressTest(shockPct float64) float64 {
	return e.engine.StressTest(shockPct)
}

// IsHardCheck reports whether name is in hardCheckNames. It returns false
// for single_trade_risk and profitability, although Assess rejects when
// either of those fails.
func IsHardCheck(name string) bool { return hardCheckNames[name] }

// ResetDailyCounts clears daily trade counters, intended to be called once
// per day by an external scheduler; kept separate from Assess so tests can
// drive the day boundary deterministically.
func (e *Evaluator) ResetDailyCounts() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyCounts = make(map[string]int)
}

// FormatReasons renders check names as the user-visible rejection summary
// named in spec §7 ("pre-trade rejections enumerate failing check names").
func FormatReasons(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += ", " + r
	}
	return fmt.Sprintf("failed checks: %s", out)
}
