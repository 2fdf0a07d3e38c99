package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blackholedex/riskctl/internal/alert"
	"github.com/blackholedex/riskctl/internal/config"
	"github.com/blackholedex/riskctl/internal/position"
	"github.com/blackholedex/riskctl/internal/risk"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingEnqueuer) Enqueue(a alert.Alert) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return true
}

func (r *recordingEnqueuer) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.alerts))
	for i, a := range r.alerts {
		out[i] = a.Kind
	}
	return out
}

type spySink struct {
	mu      sync.Mutex
	metrics []Metrics
}

func (s *spySink) WriteMetrics(m Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *spySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.metrics)
}

func TestHaltController_TriggerThenResumeLifecycle(t *testing.T) {
	var transitions []State
	c := NewController(func(s State) { transitions = append(transitions, s) })

	assert.False(t, c.IsHalted())
	assert.True(t, c.TriggerHalt("exposure_breach", time.Now()))
	assert.True(t, c.IsHalted())

	// idempotent: already halted, trigger_halt is a no-op.
	assert.False(t, c.TriggerHalt("again", time.Now()))

	assert.True(t, c.Resume(time.Now()))
	assert.False(t, c.IsHalted())

	// idempotent from running.
	assert.False(t, c.Resume(time.Now()))

	require.Len(t, transitions, 2)
	assert.True(t, transitions[0].Halted)
	assert.Equal(t, Automatic, transitions[0].Source)
	assert.False(t, transitions[1].Halted)
}

// TestHaltController_ResumeGuardScenario exercises spec §8 scenario 6:
// resume is rejected while an emergency violation is active; force_resume
// overrides it.
func TestHaltController_ResumeGuardScenario(t *testing.T) {
	c := NewController(nil)
	c.TriggerHalt("pnl_breach", time.Now())
	c.SetEmergencyActive(true)

	assert.False(t, c.Resume(time.Now()))
	assert.True(t, c.IsHalted())

	assert.True(t, c.ForceResume(time.Now()))
	assert.False(t, c.IsHalted())
}

func TestHaltController_ManualHalt(t *testing.T) {
	c := NewController(nil)
	assert.True(t, c.ManualHalt("operator request", time.Now()))
	s := c.State()
	assert.Equal(t, Manual, s.Source)
}

func buildLoop(t *testing.T, limits *config.RiskLimits) (*Loop, *recordingEnqueuer, *Controller, *position.Engine) {
	t.Helper()
	engine := position.New(zerolog.Nop())
	eval := risk.New(engine, nil, limits, zerolog.Nop())
	halt := NewController(nil)
	enq := &recordingEnqueuer{}
	loop := New(engine, eval, halt, enq, nil, func() time.Duration { return time.Second }, func() *config.RiskLimits { return limits }, zerolog.Nop())
	return loop, enq, halt, engine
}

// TestLoop_AutomaticHaltScenario exercises spec §8 scenario 3: a
// realtime_pnl_threshold breach of 1.52x triggers an automatic halt.
func TestLoop_AutomaticHaltScenario(t *testing.T) {
	limits := &config.RiskLimits{RealtimePnLThreshold: 5000}
	loop, enq, halt, engine := buildLoop(t, limits)
	ctx := context.Background()

	_, err := engine.ApplyFill(ctx, position.Fill{Symbol: "BTC", Venue: "binance", DeltaQty: 1, Price: 20000, Timestamp: time.Now()})
	require.NoError(t, err)
	engine.UpdateMarks(map[string]float64{"BTC": 12400}, time.Now()) // unrealized -7600

	loop.tick(time.Now())

	assert.True(t, halt.IsHalted())
	s := halt.State()
	assert.Equal(t, "pnl_breach", s.Reason)
	assert.Contains(t, enq.kinds(), "halt")
}

func TestLoop_PersistsMetricsToSink(t *testing.T) {
	limits := &config.RiskLimits{}
	engine := position.New(zerolog.Nop())
	eval := risk.New(engine, nil, limits, zerolog.Nop())
	halt := NewController(nil)
	sink := &spySink{}
	loop := New(engine, eval, halt, &recordingEnqueuer{}, sink, func() time.Duration { return time.Second }, func() *config.RiskLimits { return limits }, zerolog.Nop())

	loop.tick(time.Now())
	assert.Equal(t, 1, sink.count())
}

func TestLoop_TickOverrunRaisesDegradedAlertAfterTwoConsecutive(t *testing.T) {
	limits := &config.RiskLimits{}
	engine := position.New(zerolog.Nop())
	eval := risk.New(engine, nil, limits, zerolog.Nop())
	halt := NewController(nil)
	enq := &recordingEnqueuer{}
	// interval of 0 guarantees every tick "overruns".
	loop := New(engine, eval, halt, enq, nil, func() time.Duration { return 0 }, func() *config.RiskLimits { return limits }, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	loop.Stop()

	assert.Contains(t, enq.kinds(), "monitoring_degraded")
}

func TestLoop_ConcentrationViolationRaisesAlert(t *testing.T) {
	limits := &config.RiskLimits{MaxConcentrationRatio: 0.25}
	loop, enq, _, engine := buildLoop(t, limits)
	ctx := context.Background()

	_, _ = engine.ApplyFill(ctx, position.Fill{Symbol: "ETH", Venue: "binance", DeltaQty: 33000, Price: 1, Timestamp: time.Now()})
	_, _ = engine.ApplyFill(ctx, position.Fill{Symbol: "BTC", Venue: "binance", DeltaQty: 67000, Price: 1, Timestamp: time.Now()})
	engine.UpdateMarks(map[string]float64{"ETH": 1, "BTC": 1}, time.Now())

	loop.tick(time.Now())
	assert.Contains(t, enq.kinds(), "concentration")
}
