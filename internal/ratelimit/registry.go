package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry is a multi-exchange rate limiter manager, grounded on
// original_source's RateLimiterManager (AddLimiter/RemoveLimiter/GetLimiter/
// GetExchanges/LogStatistics) — the distilled spec describes only one
// bucket's semantics; production needs one bucket per tenant (exchange).
type Registry struct {
	mu       sync.RWMutex
	buckets  map[string]*Bucket
	log      zerolog.Logger
}

// NewRegistry builds an empty tenant registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		buckets: make(map[string]*Bucket),
		log:     log.With().Str("component", "ratelimit").Logger(),
	}
}

// AddLimiter registers (or replaces) the bucket for tenantID.
func (r *Registry) AddLimiter(tenantID string, capacity int, window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets[tenantID] = NewBucket(capacity, window)
	r.log.Info().Str("tenant", tenantID).Int("capacity", capacity).Dur("window", window).Msg("rate limiter registered")
}

// RemoveLimiter drops the bucket for tenantID, if any.
func (r *Registry) RemoveLimiter(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buckets, tenantID)
}

// Get returns the bucket for tenantID, or (nil, false).
func (r *Registry) Get(tenantID string) (*Bucket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buckets[tenantID]
	return b, ok
}

// Tenants returns the registered tenant ids in stable, sorted order.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.buckets))
	for id := range r.buckets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ErrUnknownTenant is returned when an operation references a tenant with no
// registered bucket.
type ErrUnknownTenant struct{ TenantID string }

func (e ErrUnknownTenant) Error() string {
	return fmt.Sprintf("ratelimit: unknown tenant %q", e.TenantID)
}

// TryAcquire is a convenience wrapper over Get(tenantID).TryAcquire().
func (r *Registry) TryAcquire(tenantID string) (bool, error) {
	b, ok := r.Get(tenantID)
	if !ok {
		return false, ErrUnknownTenant{TenantID: tenantID}
	}
	return b.TryAcquire(), nil
}

// LogStatistics emits one structured log line per tenant's current stats,
// mirroring RateLimiterManager::LogStatistics.
func (r *Registry) LogStatistics() {
	for _, id := range r.Tenants() {
		b, ok := r.Get(id)
		if !ok {
			continue
		}
		s := b.Stat()
		r.log.Info().
			Str("tenant", id).
			Int64("total", s.Total).
			Int64("admitted", s.Admitted).
			Int64("rejected", s.Rejected).
			Float64("rejection_rate", s.RejectionRate).
			Msg("rate limiter statistics")
	}
}
