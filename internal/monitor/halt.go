// Package monitor implements the monitoring loop and halt controller of
// spec §4.6 (C6), grounded on original_source's enhanced_risk_manager.hpp
// (check_and_trigger_halt, the dual-declared entry point the spec's open
// question resolves to a single operation; automatic_halt_triggered_,
// monitoring thread) and, for the overrun-counting pattern, the teacher's
// specs/001-liquidity-repositioning/contracts/strategy_api.go
// CircuitBreaker (trip-after-N-consecutive-failures) adapted here to count
// consecutive tick overruns instead of consecutive request failures.
package monitor

import (
	"sync/atomic"
	"time"
)

// Source identifies who initiated a halt.
type Source int

const (
	Automatic Source = iota
	Manual
)

func (s Source) String() string {
	if s == Manual {
		return "manual"
	}
	return "automatic"
}

// State is one of {running, halted(reason, since, source)} per spec §3.
// It is always replaced wholesale — never mutated in place — so readers
// loading it through an atomic.Pointer never observe a torn record.
type State struct {
	Halted bool
	Reason string
	Since  time.Time
	Source Source
}

var runningState = &State{Halted: false}

// Controller owns halt state (spec §3 "C6 owns halt state") as an atomic
// pointer to an immutable record; writers CAS through the controller
// (spec §7 "Shared-resource policy").
type Controller struct {
	state atomic.Pointer[State]

	// emergencyActive tracks whether any emergency-level violation is
	// currently open; resume() consults it without needing the monitor
	// loop to reach back in (spec §4.6 "resume is rejected while any
	// emergency-level violation remains active").
	emergencyActive atomic.Bool

	onTransition func(State)
}

// NewController constructs a Controller starting in the running state.
// onTransition, if non-nil, is invoked after every accepted transition so
// the alert pipeline can be notified (spec §4.6 "every transition emits
// an alert").
func NewController(onTransition func(State)) *Controller {
	c := &Controller{onTransition: onTransition}
	c.state.Store(runningState)
	return c
}

// IsHalted satisfies risk.HaltStatusProvider.
func (c *Controller) IsHalted() bool {
	return c.state.Load().Halted
}

// State returns the current halt record.
func (c *Controller) State() State {
	return *c.state.Load()
}

// SetEmergencyActive records whether any emergency-severity violation is
// currently open, consulted by Resume.
func (c *Controller) SetEmergencyActive(active bool) {
	c.emergencyActive.Store(active)
}

// TriggerHalt transitions running -> halted(automatic, reason) or is a
// no-op if already halted (spec §4.6 state diagram: halted states have no
// outgoing trigger_halt edge).
func (c *Controller) TriggerHalt(reason string, at time.Time) bool {
	return c.transitionToHalted(reason, at, Automatic)
}

// ManualHalt transitions running -> halted(manual, reason).
func (c *Controller) ManualHalt(reason string, at time.Time) bool {
	return c.transitionToHalted(reason, at, Manual)
}

func (c *Controller) transitionToHalted(reason string, at time.Time, source Source) bool {
	for {
		cur := c.state.Load()
		if cur.Halted {
			return false
		}
		next := &State{Halted: true, Reason: reason, Since: at, Source: source}
		if c.state.CompareAndSwap(cur, next) {
			c.notify(*next)
			return true
		}
	}
}

// Resume transitions halted -> running, unless an emergency violation is
// still active, in which case it is a no-op (spec §4.6 "resume guard").
// From running it is idempotent and returns false (no transition to
// report).
func (c *Controller) Resume(at time.Time) bool {
	if c.emergencyActive.Load() {
		return false
	}
	for {
		cur := c.state.Load()
		if !cur.Halted {
			return false
		}
		if c.state.CompareAndSwap(cur, runningState) {
			c.notify(State{Halted: false})
			return true
		}
	}
}

// ForceResume transitions halted -> running regardless of any active
// emergency violation (spec §4.6 "operators can override with
// force_resume"). Callers are expected to raise the accompanying critical
// alert recording the override; ForceResume itself only performs the
// state transition.
func (c *Controller) ForceResume(at time.Time) bool {
	for {
		cur := c.state.Load()
		if !cur.Halted {
			return false
		}
		if c.state.CompareAndSwap(cur, runningState) {
			c.notify(State{Halted: false})
			return true
		}
	}
}

func (c *Controller) notify(s State) {
	if c.onTransition != nil {
		c.onTransition(s)
	}
}
