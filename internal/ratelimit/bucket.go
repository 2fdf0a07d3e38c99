// Package ratelimit implements the per-tenant token-bucket admission
// control described in spec §4.1, grounded on original_source's
// src/network/rate_limiter.{hpp,cpp} (RateLimiter / RateLimiterManager),
// rebuilt with Go's sync primitives instead of std::mutex/condition_variable.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Bucket is a single tenant's token bucket: capacity N over rolling window
// W, refilled proportionally to elapsed time and clamped to N.
type Bucket struct {
	mu         sync.Mutex
	capacity   int
	window     time.Duration
	tokens     float64
	lastRefill time.Time
	grants     []time.Time // fifo of grant timestamps within window

	waiters []chan struct{} // woken on refill/admission; see Acquire

	total    atomic.Int64
	admitted atomic.Int64
	rejected atomic.Int64
}

// NewBucket constructs a bucket with capacity admissions per window, full at
// creation.
func NewBucket(capacity int, window time.Duration) *Bucket {
	return &Bucket{
		capacity:   capacity,
		window:     window,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// refill must be called with mu held. A full window since lastRefill
// produces a full refill (clamped to capacity) and wakes all waiters.
func (b *Bucket) refill(now time.Time) {
	if b.window <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	fraction := elapsed.Seconds() / b.window.Seconds()
	b.tokens += fraction * float64(b.capacity)
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now

	b.pruneLocked(now)

	if b.tokens > 0 && len(b.waiters) > 0 {
		b.wakeAllLocked()
	}
}

func (b *Bucket) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.grants) && b.grants[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.grants = append(b.grants[:0], b.grants[i:]...)
	}
}

func (b *Bucket) wakeAllLocked() {
	for _, ch := range b.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.waiters = b.waiters[:0]
}

// TryAcquire is the non-blocking admission check: refill, then admit if a
// token is available.
func (b *Bucket) TryAcquire() bool {
	b.total.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refill(now)
	b.pruneLocked(now)

	// A token alone is not enough: at most capacity grants may fall inside
	// any window W, so a full grant window also rejects.
	if b.capacity == 0 || b.tokens < 1 || len(b.grants) >= b.capacity {
		b.rejected.Add(1)
		return false
	}
	b.tokens--
	b.grants = append(b.grants, now)
	b.admitted.Add(1)
	return true
}

// Acquire blocks until a token becomes available or ctx is cancelled. On
// cancellation the waiter's reservation is dropped without affecting other
// waiters, and no token is consumed.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		if b.TryAcquire() {
			return nil
		}
		if b.capacity == 0 {
			return ErrPermanentReject
		}

		ch := make(chan struct{}, 1)
		b.mu.Lock()
		b.waiters = append(b.waiters, ch)
		wait := b.timeUntilNextTokenLocked(time.Now())
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			b.removeWaiter(ch)
			return ctx.Err()
		}
	}
}

// AcquireWithDeadline waits until admitted or the deadline elapses.
func (b *Bucket) AcquireWithDeadline(deadline time.Time) error {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	err := b.Acquire(ctx)
	if err == context.DeadlineExceeded {
		return ErrTimeout
	}
	return err
}

func (b *Bucket) removeWaiter(ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.waiters {
		if w == ch {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			break
		}
	}
}

func (b *Bucket) timeUntilNextTokenLocked(now time.Time) time.Duration {
	if b.window <= 0 || len(b.grants) == 0 {
		return time.Millisecond
	}
	oldest := b.grants[0]
	until := oldest.Add(b.window).Sub(now)
	if until < 0 {
		return time.Millisecond
	}
	return until
}

// Reconfigure atomically replaces (N, W), clamping tokens <= N.
func (b *Bucket) Reconfigure(capacity int, window time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = capacity
	b.window = window
	if b.tokens > float64(capacity) {
		b.tokens = float64(capacity)
	}
	b.wakeAllLocked()
}

// Stats is a point-in-time snapshot of the bucket's atomic counters.
type Stats struct {
	Total          int64
	Admitted       int64
	Rejected       int64
	RejectionRate  float64
	AvailableTokens int
	CurrentRate    float64 // admissions per second, observed over the window
	TimeUntilNext  time.Duration
}

// Stat returns the current statistics without mutating bucket state beyond
// pruning the grant window.
func (b *Bucket) Stat() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.pruneLocked(now)

	total := b.total.Load()
	admitted := b.admitted.Load()
	rejected := b.rejected.Load()

	var rate float64
	if total > 0 {
		rate = float64(rejected) / float64(total)
	}

	var observedRate float64
	if b.window > 0 {
		observedRate = float64(len(b.grants)) / b.window.Seconds()
	}

	return Stats{
		Total:           total,
		Admitted:        admitted,
		Rejected:        rejected,
		RejectionRate:   rate,
		AvailableTokens: int(b.tokens),
		CurrentRate:     observedRate,
		TimeUntilNext:   b.timeUntilNextTokenLocked(now),
	}
}

// ResetStatistics zeroes the atomic counters without touching bucket state
// (tokens, grant fifo, waiters survive).
func (b *Bucket) ResetStatistics() {
	b.total.Store(0)
	b.admitted.Store(0)
	b.rejected.Store(0)
}
