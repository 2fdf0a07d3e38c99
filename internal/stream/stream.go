// Package stream implements the egress half of the facade in spec §4.7/§6
// (C7): push streams of position updates and alert events to subscribers,
// each assigned a per-subscriber monotonic sequence and the same bounded-
// buffer/disconnect-on-overflow policy as the alert pipeline. Transport
// (gorilla/websocket) is wired in server.go; this file holds the
// transport-agnostic fan-out core so it can be unit tested without a
// socket.
package stream

import (
	"sync"
	"time"

	"github.com/blackholedex/riskctl/internal/alert"
)

const defaultBufferSize = 256

// debounceThreshold is the minimum fractional change in a displayed field
// required to emit a new PositionUpdate (spec §6: "> 0.01 of the prior
// value").
const debounceThreshold = 0.01

// PositionUpdate is the egress wire shape for a position change (spec §6).
type PositionUpdate struct {
	Sequence     uint64
	Symbol       string
	Venue        string
	Quantity     float64
	AveragePrice float64
	Mark         float64
	Unrealized   float64
	Realized     float64
	Timestamp    time.Time
}

// AlertEvent is the egress wire shape for an alert (spec §6: "full alert
// record").
type AlertEvent struct {
	Sequence uint64
	Alert    alert.Alert
}

// Event is the envelope delivered to subscribers; exactly one of the
// pointer fields is set. A GapMarker is sent as the first event of a
// SubscribeResume subscription so subscribers can resync (spec §7
// "sequence_gap marker").
type Event struct {
	Position *PositionUpdate
	Alert    *AlertEvent
	GapMarker bool
}

type sub struct {
	ch       chan Event
	closed   bool
	nextSeq  uint64
}

// Hub fans out position and alert events to subscribers, applying the
// debounce rule to position updates and the slow-consumer disconnect
// policy shared with the alert pipeline (spec §4.5/§4.7).
type Hub struct {
	mu   sync.Mutex
	subs map[int]*sub
	next int

	bufferSize int

	lastMu sync.Mutex
	last   map[string]PositionUpdate // "symbol:venue" -> last emitted snapshot
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize overrides the default 256-entry subscriber buffer.
func WithBufferSize(n int) Option {
	return func(h *Hub) { h.bufferSize = n }
}

// NewHub constructs an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:       make(map[int]*sub),
		bufferSize: defaultBufferSize,
		last:       make(map[string]PositionUpdate),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe returns a channel of events and an unsubscribe function. Each
// subscriber's deliveries are sequenced starting at 1, independent of
// other subscribers.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	s := &sub{ch: make(chan Event, h.bufferSize)}
	h.subs[id] = s
	return s.ch, func() { h.unsubscribe(id) }
}

// SubscribeResume is used by a reconnecting client that last saw
// lastSeenSeq. Since the hub retains no history, any resume after the
// first subscription cannot guarantee no events were missed; a GapMarker
// is sent first so the client knows to re-fetch a fresh snapshot via the
// control surface (spec §7 "alert stream gaps are signaled by a
// sequence_gap marker so subscribers can resync").
func (h *Hub) SubscribeResume(lastSeenSeq uint64) (<-chan Event, func()) {
	ch, unsubscribe := h.Subscribe()
	if lastSeenSeq > 0 {
		gapCh := make(chan Event, h.bufferSize+1)
		gapCh <- Event{GapMarker: true}
		go func() {
			for ev := range ch {
				gapCh <- ev
			}
			close(gapCh)
		}()
		return gapCh, unsubscribe
	}
	return ch, unsubscribe
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok && !s.closed {
		close(s.ch)
		s.closed = true
	}
	delete(h.subs, id)
}

// PublishPosition emits a PositionUpdate if any displayed field changed by
// more than the debounce threshold relative to the last emitted value for
// this (symbol, venue); the very first update for a key is always emitted.
func (h *Hub) PublishPosition(u PositionUpdate) {
	key := u.Symbol + ":" + u.Venue

	h.lastMu.Lock()
	prev, ok := h.last[key]
	significant := !ok || changedSignificantly(prev, u)
	if significant {
		h.last[key] = u
	}
	h.lastMu.Unlock()

	if !significant {
		return
	}
	h.broadcast(func(seq uint64) Event {
		u.Sequence = seq
		return Event{Position: &u}
	})
}

// PublishAlert emits an alert event unconditionally (no debounce for
// alerts, spec §6).
func (h *Hub) PublishAlert(a alert.Alert) {
	h.broadcast(func(seq uint64) Event {
		return Event{Alert: &AlertEvent{Sequence: seq, Alert: a}}
	})
}

func (h *Hub) broadcast(build func(seq uint64) Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		if s.closed {
			continue
		}
		s.nextSeq++
		ev := build(s.nextSeq)
		select {
		case s.ch <- ev:
		default:
			// slow consumer: disconnect rather than block the fan-out
			// (spec §4.5 policy, reused verbatim for streaming).
			close(s.ch)
			s.closed = true
			delete(h.subs, id)
		}
	}
}

func changedSignificantly(prev, next PositionUpdate) bool {
	return relChange(prev.Quantity, next.Quantity) ||
		relChange(prev.AveragePrice, next.AveragePrice) ||
		relChange(prev.Mark, next.Mark) ||
		relChange(prev.Unrealized, next.Unrealized) ||
		relChange(prev.Realized, next.Realized)
}

func relChange(prev, next float64) bool {
	if prev == next {
		return false
	}
	base := prev
	if base == 0 {
		base = next
	}
	if base == 0 {
		return false
	}
	delta := next - prev
	if delta < 0 {
		delta = -delta
	}
	if base < 0 {
		base = -base
	}
	return delta/base > debounceThreshold
}
