// Package alert implements the alert pipeline of spec §4.5 (C5), grounded
// on original_source's enhanced_risk_manager.hpp (RiskAlert, alert_queue_,
// send_risk_alert/get_recent_alerts/acknowledge_alert) — rebuilt with a
// bounded in-memory queue and the priority worker pool for delivery
// instead of a std::queue guarded by a condition_variable.
package alert

import (
	"time"

	"github.com/google/uuid"
)

// Severity is one of {info, warning, critical, emergency}, spec §3.
type Severity int

const (
	Info Severity = iota
	Warning
	Critical
	Emergency
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Emergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a lowercase severity name to its Severity value.
func ParseSeverity(s string) (Severity, bool) {
	switch s {
	case "info":
		return Info, true
	case "warning":
		return Warning, true
	case "critical":
		return Critical, true
	case "emergency":
		return Emergency, true
	default:
		return Info, false
	}
}

// Alert is immutable once created except for the Acknowledged flag (spec
// §3). IDs are UUIDv7 — time-ordered, satisfying "within a kind, ids are
// monotone in creation time" without a bespoke sequence scheme (SPEC_FULL
// §11).
type Alert struct {
	ID            string
	Severity      Severity
	Kind          string
	Message       string
	Metadata      map[string]string
	CreatedAt     time.Time
	Acknowledged  bool
}

// newID returns a time-ordered UUIDv7 string, falling back to a random
// UUIDv4 if NewV7 errors (google/uuid's NewV7 only fails on an entropy
// read error).
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// New stamps a fresh alert with an id and creation timestamp.
func New(severity Severity, kind, message string, metadata map[string]string) Alert {
	return Alert{
		ID:        newID(),
		Severity:  severity,
		Kind:      kind,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
}

// Sink is the narrow capability the pipeline needs to deliver an alert,
// per design note "Polymorphism for alert sinks" (spec §9): concrete sinks
// (key/value cache, time-series, websocket stream) are independent
// implementers of this one method.
type Sink interface {
	Name() string
	Write(alert Alert) error
}
