package alert

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blackholedex/riskctl/internal/workerpool"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

// rateKey groups alerts for drop accounting and the hourly "alert_drops"
// meta-alert (spec §4.5), which is reported per (kind, severity) even though
// the admission cap itself (capEntry/rateTimes below) is scoped by kind
// alone.
type rateKey struct {
	kind     string
	severity Severity
}

// capEntry records one admitted alert's accounting info within the hourly
// window for its kind: when it was admitted, its severity (so a later
// critical+ alert can find an evictable entry), and its stored id (so
// eviction actually removes it from q.alerts, not just its accounting
// timestamp).
type capEntry struct {
	at       time.Time
	severity Severity
	id       string
}

// subscriber is a bounded fan-out channel; a slow reader is disconnected
// rather than allowed to backpressure the pipeline (spec §4.5, and the same
// policy reused by the streaming facade).
type subscriber struct {
	ch     chan Alert
	closed bool
}

// Queue is the bounded, rate-capped alert pipeline (spec §4.5/§8 scenario
// 5), grounded on enhanced_risk_manager.hpp's alert_queue_ + alert
// delivery loop, rebuilt around the priority worker pool (C2) for
// concurrent, panic-safe sink delivery with bounded retry.
type Queue struct {
	mu      sync.Mutex
	alerts  []Alert // append-only ring, newest last, trimmed to capacity
	byID    map[string]int
	capacity int

	rateMu    sync.Mutex
	rateTimes map[string][]capEntry // keyed by kind alone, spec §4.5
	maxPerHour int
	drops      map[rateKey]int
	lastDropAlertAt map[rateKey]time.Time

	subMu sync.Mutex
	subs  map[int]*subscriber
	nextSubID int

	pool  *workerpool.Pool
	sinks []Sink
	log   zerolog.Logger
}

const defaultCapacity = 10000
const defaultSubscriberBuffer = 256

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity bounds the number of retained alerts (oldest trimmed first).
func WithCapacity(n int) Option {
	return func(q *Queue) { q.capacity = n }
}

// WithMaxPerHour sets the per-kind hourly admission cap (spec §4.5
// "max_alerts_per_hour"); n <= 0, the default, leaves the queue uncapped.
func WithMaxPerHour(n int) Option {
	return func(q *Queue) { q.maxPerHour = n }
}

// WithSinks registers delivery sinks, each tried independently per alert.
func WithSinks(sinks ...Sink) Option {
	return func(q *Queue) { q.sinks = append(q.sinks, sinks...) }
}

// New constructs a Queue backed by pool for delivery.
func New(pool *workerpool.Pool, log zerolog.Logger, opts ...Option) *Queue {
	q := &Queue{
		byID:            make(map[string]int),
		capacity:        defaultCapacity,
		rateTimes:       make(map[string][]capEntry),
		drops:           make(map[rateKey]int),
		lastDropAlertAt: make(map[rateKey]time.Time),
		subs:            make(map[int]*subscriber),
		pool:            pool,
		log:             log.With().Str("component", "alert").Logger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue admits an alert subject to the hourly rate cap, retains it,
// fans it out to subscribers, and schedules sink delivery on the worker
// pool. It returns false if the alert was dropped by the rate cap.
func (q *Queue) Enqueue(a Alert) bool {
	if a.ID == "" {
		a = New(a.Severity, a.Kind, a.Message, a.Metadata)
	}

	if !q.admit(a) {
		q.recordDrop(a)
		return false
	}

	q.store(a)
	q.broadcast(a)
	q.deliver(a)
	return true
}

// admit enforces the hourly cap per kind, pruning entries older than an
// hour first. When at capacity, a critical+ alert evicts the oldest
// non-critical stored alert of the same kind to make room, rather than
// being dropped itself (spec §4.5: "a critical+ alert evicts the oldest
// non-critical alert of the same kind"). If every admitted entry for the
// kind is already critical+ there is nothing eligible to evict, and the
// alert is dropped like any other at-capacity admission.
func (q *Queue) admit(a Alert) bool {
	if q.maxPerHour <= 0 {
		return true
	}
	now := a.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	q.rateMu.Lock()
	defer q.rateMu.Unlock()

	entries := q.rateTimes[a.Kind]
	cutoff := now.Add(-time.Hour)
	kept := entries[:0]
	for _, e := range entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	entries = kept

	if len(entries) < q.maxPerHour {
		entries = append(entries, capEntry{at: now, severity: a.Severity, id: a.ID})
		q.rateTimes[a.Kind] = entries
		return true
	}

	if a.Severity >= Critical {
		if victim, ok := oldestNonCritical(entries); ok {
			q.evictStored(entries[victim].id)
			entries = append(entries[:victim], entries[victim+1:]...)
			entries = append(entries, capEntry{at: now, severity: a.Severity, id: a.ID})
			q.rateTimes[a.Kind] = entries
			return true
		}
	}

	q.rateTimes[a.Kind] = entries
	return false
}

// oldestNonCritical returns the index of the earliest-admitted entry with
// severity below Critical. entries are always appended in arrival order and
// never reordered except by eviction, so the first match is the oldest.
func oldestNonCritical(entries []capEntry) (int, bool) {
	for i, e := range entries {
		if e.severity < Critical {
			return i, true
		}
	}
	return 0, false
}

// evictStored removes alert id from the retained list, used when a
// critical+ alert evicts an older non-critical one to stay within the
// hourly cap (spec §4.5) — this actually removes the alert from q.alerts,
// not merely its rate-accounting entry.
func (q *Queue) evictStored(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx, ok := q.byID[id]
	if !ok {
		return
	}
	q.alerts = append(q.alerts[:idx], q.alerts[idx+1:]...)
	delete(q.byID, id)
	for otherID, i := range q.byID {
		if i > idx {
			q.byID[otherID] = i - 1
		}
	}
}

func (q *Queue) recordDrop(a Alert) {
	key := rateKey{kind: a.Kind, severity: a.Severity}

	q.rateMu.Lock()
	q.drops[key]++
	count := q.drops[key]
	last := q.lastDropAlertAt[key]
	now := a.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	shouldNotify := now.Sub(last) >= time.Hour
	if shouldNotify {
		q.lastDropAlertAt[key] = now
	}
	q.rateMu.Unlock()

	q.log.Warn().Str("kind", a.Kind).Str("severity", a.Severity.String()).Msg("alert dropped by rate cap")

	if shouldNotify {
		meta := Alert{
			ID:        newID(),
			Severity:  Warning,
			Kind:      "alert_drops",
			Message:   "alerts are being dropped by the hourly rate cap",
			Metadata:  map[string]string{"kind": a.Kind, "severity": a.Severity.String(), "dropped": itoa(count)},
			CreatedAt: now,
		}
		q.store(meta)
		q.broadcast(meta)
		q.deliver(meta)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (q *Queue) store(a Alert) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.alerts = append(q.alerts, a)
	if len(q.alerts) > q.capacity {
		evicted := len(q.alerts) - q.capacity
		q.alerts = q.alerts[evicted:]
		for id, idx := range q.byID {
			if idx < evicted {
				delete(q.byID, id)
			} else {
				q.byID[id] = idx - evicted
			}
		}
	}
	q.byID[a.ID] = len(q.alerts) - 1
}

// broadcast fans an alert out to every live subscriber in enqueue order,
// disconnecting any whose buffer is full (spec §4.5/§7 "subscribers never
// block the pipeline").
func (q *Queue) broadcast(a Alert) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for id, sub := range q.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- a:
		default:
			close(sub.ch)
			sub.closed = true
			delete(q.subs, id)
		}
	}
}

// deliver schedules sink writes on the worker pool, at PriorityHigh for
// emergency-severity alerts and PriorityDefault otherwise (spec §4.5),
// retrying each sink independently with exponential backoff.
func (q *Queue) deliver(a Alert) {
	if len(q.sinks) == 0 || q.pool == nil {
		return
	}
	priority := workerpool.PriorityDefault
	if a.Severity == Emergency {
		priority = workerpool.PriorityHigh
	}
	for _, sink := range q.sinks {
		sink := sink
		_, err := q.pool.Submit(context.Background(), priority, func(ctx context.Context) (any, error) {
			q.deliverToSink(ctx, sink, a)
			return nil, nil
		})
		if err != nil {
			q.log.Warn().Err(err).Str("sink", sink.Name()).Msg("could not schedule alert delivery")
		}
	}
}

// retryPolicy matches SPEC_FULL's domain-stack binding for jpillora/backoff:
// 100ms initial, factor 2, 30s cap, 6 attempts before giving up.
func retryPolicy() *backoff.Backoff {
	return &backoff.Backoff{Min: 100 * time.Millisecond, Factor: 2, Max: 30 * time.Second}
}

const maxDeliveryAttempts = 6

func (q *Queue) deliverToSink(ctx context.Context, sink Sink, a Alert) {
	b := retryPolicy()
	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		if err := sink.Write(a); err == nil {
			return
		} else if attempt == maxDeliveryAttempts {
			q.log.Error().Err(err).Str("sink", sink.Name()).Str("alert_id", a.ID).
				Int("attempts", attempt).Msg("alert delivered with errors")
			return
		} else {
			q.log.Debug().Err(err).Str("sink", sink.Name()).Int("attempt", attempt).Msg("retrying alert delivery")
		}

		d := b.Duration()
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

// Ack marks an alert acknowledged and reports whether the id was found. It
// is idempotent — acking an already-acked alert returns true again; an
// unknown id returns false (spec §4.5).
func (q *Queue) Ack(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx, ok := q.byID[id]
	if !ok {
		return false
	}
	q.alerts[idx].Acknowledged = true
	return true
}

// Recent returns up to limit most-recently-created alerts, newest first.
func (q *Queue) Recent(limit int) []Alert {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.alerts)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Alert, limit)
	for i := 0; i < limit; i++ {
		out[i] = q.alerts[n-1-i]
	}
	return out
}

// Unacknowledged returns currently-unacked alerts, oldest first.
func (q *Queue) Unacknowledged() []Alert {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Alert, 0)
	for _, a := range q.alerts {
		if !a.Acknowledged {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Subscribe returns a channel receiving every alert enqueued from this
// point on, and an unsubscribe function. The channel is closed (and the
// subscriber dropped) if the caller falls behind defaultSubscriberBuffer
// alerts.
func (q *Queue) Subscribe() (<-chan Alert, func()) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	id := q.nextSubID
	q.nextSubID++
	sub := &subscriber{ch: make(chan Alert, defaultSubscriberBuffer)}
	q.subs[id] = sub
	return sub.ch, func() {
		q.subMu.Lock()
		defer q.subMu.Unlock()
		if s, ok := q.subs[id]; ok && !s.closed {
			close(s.ch)
			s.closed = true
		}
		delete(q.subs, id)
	}
}
