// Package store implements the persistence sinks named in spec §6's
// "Persistent state layout" and §4.3's storage-degraded policy: a Redis-
// backed key/value store for positions/alerts/halt-state/limits, a
// gorm+MySQL audit log for risk decisions, and an InfluxDB time-series
// sink for monitoring metrics. Redis and InfluxDB calls are wrapped in a
// sony/gobreaker circuit breaker, generalizing the teacher's hand-rolled
// CircuitBreaker in specs/001-liquidity-repositioning/contracts/strategy_api.go
// from a single strategy loop to those two sinks; the audit log's gorm
// calls are not breakered.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blackholedex/riskctl/internal/alert"
	"github.com/blackholedex/riskctl/internal/position"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen wraps gobreaker's open-circuit error so callers can match
// it without importing gobreaker directly.
var ErrCircuitOpen = errors.New("store: circuit open, sink unavailable")

// RedisStore implements position.Store plus the alert/halt/limits
// key-space from spec §6, grounded on original_source's
// shared/include/utils/redis_client.hpp (get/set/hset/hgetall capability
// surface).
type RedisStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	log    zerolog.Logger
}

// NewRedisStore wraps an existing go-redis client. Circuit breaker
// defaults: trip after 5 consecutive failures, half-open after 10s, per
// the degraded-mode tolerances implied by spec §4.3's storage_degraded
// alert (persistence failures must not block the fill stream).
func NewRedisStore(client *redis.Client, log zerolog.Logger) *RedisStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-store",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &RedisStore{client: client, cb: cb, log: log.With().Str("component", "store.redis").Logger()}
}

func (s *RedisStore) execute(ctx context.Context, fn func() error) error {
	_, err := s.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	return err
}

// SavePosition satisfies position.Store.
func (s *RedisStore) SavePosition(ctx context.Context, key string, rec position.Snapshot) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal position snapshot: %w", err)
	}
	return s.execute(ctx, func() error {
		return s.client.Set(ctx, key, data, 0).Err()
	})
}

// ScanPositions satisfies position.Store, iterating the "position:*"
// key-space named in spec §6.
func (s *RedisStore) ScanPositions(ctx context.Context) ([]position.Snapshot, error) {
	var out []position.Snapshot
	err := s.execute(ctx, func() error {
		iter := s.client.Scan(ctx, 0, "position:*", 100).Iterator()
		for iter.Next(ctx) {
			data, err := s.client.Get(ctx, iter.Val()).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return fmt.Errorf("store: get %s: %w", iter.Val(), err)
			}
			var snap position.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("store: unmarshal %s: %w", iter.Val(), err)
			}
			out = append(out, snap)
		}
		return iter.Err()
	})
	return out, err
}

// alertKey mirrors spec §6's "alert:{yyyy-mm-dd}:{id}" layout.
func alertKey(a alert.Alert) string {
	return fmt.Sprintf("alert:%s:%s", a.CreatedAt.Format("2006-01-02"), a.ID)
}

// Name satisfies alert.Sink.
func (s *RedisStore) Name() string { return "redis" }

// Write satisfies alert.Sink by persisting the alert under its
// date-bucketed key.
func (s *RedisStore) Write(a alert.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("store: marshal alert: %w", err)
	}
	ctx := context.Background()
	return s.execute(ctx, func() error {
		return s.client.Set(ctx, alertKey(a), data, 30*24*time.Hour).Err()
	})
}

// haltStateRecord is the JSON shape persisted under "halt:state".
type haltStateRecord struct {
	Halted bool      `json:"halted"`
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
	Source string    `json:"source"`
}

// SaveHaltState persists the current halt record under "halt:state".
func (s *RedisStore) SaveHaltState(ctx context.Context, halted bool, reason string, since time.Time, source string) error {
	rec := haltStateRecord{Halted: halted, Reason: reason, Since: since, Source: source}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal halt state: %w", err)
	}
	return s.execute(ctx, func() error {
		return s.client.Set(ctx, "halt:state", data, 0).Err()
	})
}

// SaveLimits persists the current risk limits generation under
// "limits:current" as an hset, the way the original redis_client exposes
// a field/value map capability rather than a single blob.
func (s *RedisStore) SaveLimits(ctx context.Context, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.execute(ctx, func() error {
		return s.client.HSet(ctx, "limits:current", args...).Err()
	})
}

// LoadLimits reads back the "limits:current" hash.
func (s *RedisStore) LoadLimits(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := s.execute(ctx, func() error {
		var innerErr error
		out, innerErr = s.client.HGetAll(ctx, "limits:current").Result()
		return innerErr
	})
	return out, err
}

// venueOpenOrderKey namespaces per-venue open order counters under
// "openorders:{venue}".
func venueOpenOrderKey(venue string) string {
	return "openorders:" + strings.ToLower(venue)
}

// IncrOpenOrders adjusts a venue's open-order counter by delta.
func (s *RedisStore) IncrOpenOrders(ctx context.Context, venue string, delta int64) error {
	return s.execute(ctx, func() error {
		return s.client.IncrBy(ctx, venueOpenOrderKey(venue), delta).Err()
	})
}
