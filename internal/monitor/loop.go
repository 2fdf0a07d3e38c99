package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/blackholedex/riskctl/internal/alert"
	"github.com/blackholedex/riskctl/internal/config"
	"github.com/blackholedex/riskctl/internal/position"
	"github.com/blackholedex/riskctl/internal/risk"
	"github.com/rs/zerolog"
)

// AlertEnqueuer is the narrow capability the loop needs from the alert
// pipeline (C5); declared here rather than importing a concrete *alert.Queue
// type reference into the exported API to keep the same consumer-defined-
// interface discipline used for HaltStatusProvider.
type AlertEnqueuer interface {
	Enqueue(a alert.Alert) bool
}

// Metrics is one tick's computed snapshot, persisted to a time-series sink.
type Metrics struct {
	At              time.Time
	TotalPnL        float64
	TotalExposure   float64
	VaR             float64
	StressPnL       float64
	OpenViolations  int
}

// MetricsSink is the narrow capability needed to persist a tick's metrics;
// the store package's InfluxSink implements it.
type MetricsSink interface {
	WriteMetrics(m Metrics) error
}

// violation is one threshold breach identified during a tick.
type violation struct {
	name     string
	severity alert.Severity
	message  string
}

// Loop runs the periodic risk scan and drives the halt controller (spec
// §4.6). It is a single dedicated goroutine, not a worker-pool task,
// because its cadence must not be delayed by unrelated work (spec §4.2
// design note).
type Loop struct {
	engine  *position.Engine
	eval    *risk.Evaluator
	halt    *Controller
	alerts  AlertEnqueuer
	sink    MetricsSink
	log     zerolog.Logger

	interval func() time.Duration // reads the live config so interval changes take effect next tick
	limits   func() *config.RiskLimits

	consecutiveOverruns atomic.Int32
	stopCh              chan struct{}
	doneCh              chan struct{}
}

// New constructs a monitoring Loop. interval and limits are read fresh on
// every tick so configuration reloads take effect without restarting the
// loop.
func New(engine *position.Engine, eval *risk.Evaluator, halt *Controller, alerts AlertEnqueuer, sink MetricsSink, interval func() time.Duration, limits func() *config.RiskLimits, log zerolog.Logger) *Loop {
	return &Loop{
		engine:   engine,
		eval:     eval,
		halt:     halt,
		alerts:   alerts,
		sink:     sink,
		interval: interval,
		limits:   limits,
		log:      log.With().Str("component", "monitor").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run ticks until Stop is called. It checks a shutdown flag between ticks
// rather than being cancellable mid-tick (spec §7 "Cancellation and
// timeouts").
func (l *Loop) Run(ctx context.Context) {
	defer close(l.doneCh)
	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		l.tick(start)
		elapsed := time.Since(start)

		interval := l.interval()
		if elapsed > interval {
			l.log.Warn().Dur("elapsed", elapsed).Dur("interval", interval).Msg("tick_overrun")
			n := l.consecutiveOverruns.Add(1)
			if n >= 2 {
				l.raise(alert.Warning, "monitoring_degraded", "monitoring loop has overrun two consecutive ticks", nil)
			}
			continue // run the next tick immediately with a fresh snapshot, no catch-up
		}
		l.consecutiveOverruns.Store(0)

		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(interval - elapsed):
		}
	}
}

// Stop requests the loop exit after its current tick and blocks until it
// has. Called as part of the documented shutdown order (spec §7).
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

// tick performs one scan-and-trigger pass (spec §4.6 steps 1-4). Any panic
// from a check predicate is recovered, recorded as an internal_error
// alert, and the tick continues rather than taking down the loop (spec §7
// propagation policy).
func (l *Loop) tick(at time.Time) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("internal_error during monitoring tick")
			l.raise(alert.Critical, "internal_error", fmt.Sprintf("monitoring tick recovered from panic: %v", r), nil)
		}
	}()

	limits := l.limits()
	totalPnL := l.engine.TotalPnL()
	totalExposure := l.engine.TotalExposure()
	l.engine.RecordPnLSample(at, totalPnL)
	varResult := l.engine.VaR(0.95, 30)
	stressPnL := l.engine.StressTest(limits.StressTestThreshold)

	violations := l.evaluateThresholds(limits, totalPnL, totalExposure, varResult.Value)

	emergencyActive := false
	for _, v := range violations {
		l.raise(v.severity, v.name, v.message, map[string]string{"value": fmt.Sprintf("%.4f", totalPnL)})
		if v.severity == alert.Emergency {
			emergencyActive = true
		}
	}
	l.halt.SetEmergencyActive(emergencyActive)

	pnlBreach := limits.RealtimePnLThreshold > 0 && totalPnL < 0 && -totalPnL >= 1.5*limits.RealtimePnLThreshold

	if emergencyActive || pnlBreach {
		reason := "risk_limit_breach"
		if pnlBreach {
			reason = "pnl_breach"
		}
		if l.halt.TriggerHalt(reason, at) {
			l.raise(alert.Critical, "halt", fmt.Sprintf("trading halted automatically: %s", reason), nil)
		}
	}

	if l.sink != nil {
		m := Metrics{At: at, TotalPnL: totalPnL, TotalExposure: totalExposure, VaR: varResult.Value, StressPnL: stressPnL, OpenViolations: len(violations)}
		if err := l.sink.WriteMetrics(m); err != nil {
			l.log.Warn().Err(err).Msg("could not persist monitoring metrics")
		}
	}
}

// evaluateThresholds checks each monitored metric against its limit,
// classifying the exceedance magnitude into warning/critical/emergency
// per spec §4.6 step 3.
func (l *Loop) evaluateThresholds(limits *config.RiskLimits, totalPnL, totalExposure, varValue float64) []violation {
	var out []violation

	if limits.MaxTotalExposure > 0 {
		if sev, ok := severityForExceedance(totalExposure, limits.MaxTotalExposure); ok {
			out = append(out, violation{name: "exposure", severity: sev, message: "total exposure over limit"})
		}
	}

	positions := l.engine.GetAllPositions()
	if limits.MaxConcentrationRatio > 0 && totalExposure > 0 {
		bySymbol := make(map[string]float64)
		for _, p := range positions {
			bySymbol[p.Symbol] += p.Exposure()
		}
		for symbol, exp := range bySymbol {
			ratio := exp / totalExposure
			if sev, ok := severityForExceedance(ratio, limits.MaxConcentrationRatio); ok {
				out = append(out, violation{name: "concentration", severity: sev, message: fmt.Sprintf("concentration over limit for %s", symbol)})
			}
		}
	}

	if limits.MaxPortfolioVaR > 0 {
		if sev, ok := severityForExceedance(varValue, limits.MaxPortfolioVaR); ok {
			out = append(out, violation{name: "var", severity: sev, message: "portfolio VaR over limit"})
		}
	}

	if limits.RealtimePnLThreshold > 0 && totalPnL < 0 {
		if sev, ok := severityForExceedance(-totalPnL, limits.RealtimePnLThreshold); ok {
			out = append(out, violation{name: "pnl", severity: sev, message: "total P&L loss over threshold"})
		}
	}

	return out
}

// severityForExceedance classifies how far value exceeds limit: <=10% over
// is a warning, <=25% is critical, beyond that is emergency. Returns ok=
// false if value does not exceed limit at all.
func severityForExceedance(value, limit float64) (alert.Severity, bool) {
	if limit <= 0 || value <= limit {
		return alert.Info, false
	}
	exceedance := (value - limit) / limit
	switch {
	case exceedance <= 0.10:
		return alert.Warning, true
	case exceedance <= 0.25:
		return alert.Critical, true
	default:
		return alert.Emergency, true
	}
}

func (l *Loop) raise(severity alert.Severity, kind, message string, metadata map[string]string) {
	if l.alerts == nil {
		return
	}
	l.alerts.Enqueue(alert.New(severity, kind, message, metadata))
}
