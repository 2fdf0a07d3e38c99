package risk

import (
	"context"
	"testing"
	"time"

	"github.com/blackholedex/riskctl/internal/config"
	"github.com/blackholedex/riskctl/internal/position"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alwaysRunning struct{}

func (alwaysRunning) IsHalted() bool { return false }

type alwaysHalted struct{}

func (alwaysHalted) IsHalted() bool { return true }

func buildEngineWithExposure(t *testing.T, totalExposure, ethExposure float64) *position.Engine {
	t.Helper()
	e := position.New(zerolog.Nop())
	ctx := context.Background()

	// ETH position worth ethExposure at mark 1.
	_, err := e.ApplyFill(ctx, position.Fill{Symbol: "ETH", Venue: "binance", DeltaQty: ethExposure, Price: 1, Timestamp: time.Now()})
	require.NoError(t, err)

	// Remainder in some other symbol.
	remainder := totalExposure - ethExposure
	if remainder > 0 {
		_, err = e.ApplyFill(ctx, position.Fill{Symbol: "BTC", Venue: "binance", DeltaQty: remainder, Price: 1, Timestamp: time.Now()})
		require.NoError(t, err)
	}
	e.UpdateMarks(map[string]float64{"ETH": 1, "BTC": 1}, time.Now())
	return e
}

// TestEvaluator_ConcentrationScenario exercises spec §8 scenario 2 verbatim.
func TestEvaluator_ConcentrationScenario(t *testing.T) {
	limits := &config.RiskLimits{MaxConcentrationRatio: 0.25}

	t.Run("approved at ~24.5%", func(t *testing.T) {
		e := buildEngineWithExposure(t, 100000, 20000)
		ev := New(e, alwaysRunning{}, limits, zerolog.Nop())
		assessment := ev.Assess(Opportunity{Symbol: "ETH", Venue: "binance", Direction: Buy, Quantity: 6000, ExpectedPrice: 1}, time.Now())
		assert.NotEqual(t, Reject, assessment.Decision)
	})

	t.Run("rejected at ~33%", func(t *testing.T) {
		e := buildEngineWithExposure(t, 100000, 20000)
		ev := New(e, alwaysRunning{}, limits, zerolog.Nop())
		assessment := ev.Assess(Opportunity{Symbol: "ETH", Venue: "binance", Direction: Buy, Quantity: 20000, ExpectedPrice: 1}, time.Now())
		assert.Equal(t, Reject, assessment.Decision)
		assert.Contains(t, assessment.Reasons, "concentration")
	})
}

func TestEvaluator_HaltCheckAlwaysRejects(t *testing.T) {
	e := position.New(zerolog.Nop())
	ev := New(e, alwaysHalted{}, &config.RiskLimits{}, zerolog.Nop())

	assessment := ev.Assess(Opportunity{Symbol: "BTC", Venue: "binance", Direction: Buy, Quantity: 1, ExpectedPrice: 100, ExpectedSpread: 1}, time.Now())
	assert.Equal(t, Reject, assessment.Decision)
	assert.Contains(t, assessment.Reasons, "halt")
}

func TestEvaluator_ProfitabilityFailsWithoutWarning(t *testing.T) {
	e := position.New(zerolog.Nop())
	limits := &config.RiskLimits{MinSpreadThreshold: 0.01}
	ev := New(e, alwaysRunning{}, limits, zerolog.Nop())

	assessment := ev.Assess(Opportunity{Symbol: "BTC", Venue: "binance", Direction: Buy, Quantity: 1, ExpectedPrice: 100, ExpectedSpread: 0.001}, time.Now())
	assert.Equal(t, Reject, assessment.Decision)
	assert.Contains(t, assessment.Reasons, "profitability")
	assert.Empty(t, assessment.Warnings)
}

func TestEvaluator_DailyTradeCountRejectsAfterLimit(t *testing.T) {
	e := position.New(zerolog.Nop())
	limits := &config.RiskLimits{MaxDailyTrades: 2}
	ev := New(e, alwaysRunning{}, limits, zerolog.Nop())

	now := time.Now()
	opp := Opportunity{Symbol: "BTC", Venue: "binance", Direction: Buy, Quantity: 1, ExpectedPrice: 100, ExpectedSpread: 1}

	first := ev.Assess(opp, now)
	second := ev.Assess(opp, now)
	third := ev.Assess(opp, now)

	assert.NotEqual(t, Reject, first.Decision)
	assert.NotEqual(t, Reject, second.Decision)
	assert.Equal(t, Reject, third.Decision)
	assert.Contains(t, third.Reasons, "daily_trade_count")
}

func TestEvaluator_LeverageCheck(t *testing.T) {
	e := buildEngineWithExposure(t, 100000, 100000)
	limits := &config.RiskLimits{MaxLeverageRatio: 1.0}
	ev := New(e, alwaysRunning{}, limits, zerolog.Nop())
	ev.SetEquity(50000) // exposure 100k > 1x*50k equity

	assessment := ev.Assess(Opportunity{Symbol: "ETH", Venue: "binance", Direction: Buy, Quantity: 1, ExpectedPrice: 1, ExpectedSpread: 1}, time.Now())
	assert.Equal(t, Reject, assessment.Decision)
	assert.Contains(t, assessment.Reasons, "leverage")
}

func TestEvaluator_UpdateLimitsTakesEffectImmediately(t *testing.T) {
	e := position.New(zerolog.Nop())
	limits := &config.RiskLimits{MinSpreadThreshold: 0, Generation: 1}
	ev := New(e, alwaysRunning{}, limits, zerolog.Nop())

	opp := Opportunity{Symbol: "BTC", Venue: "binance", Direction: Buy, Quantity: 1, ExpectedPrice: 100, ExpectedSpread: 0.001}
	first := ev.Assess(opp, time.Now())
	assert.NotEqual(t, Reject, first.Decision)

	ev.UpdateLimits(&config.RiskLimits{MinSpreadThreshold: 0.01, Generation: 2})
	second := ev.Assess(opp, time.Now())
	assert.Equal(t, Reject, second.Decision)
	assert.Equal(t, uint64(2), ev.Limits().Generation)
}
