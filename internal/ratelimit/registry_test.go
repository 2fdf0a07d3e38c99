package ratelimit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AddAndGetLimiter(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.AddLimiter("binance", 5, time.Minute)

	b, ok := r.Get("binance")
	require.True(t, ok)
	assert.True(t, b.TryAcquire())
}

func TestRegistry_GetUnknownTenantReturnsFalse(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	_, ok := r.Get("unknown")
	assert.False(t, ok)
}

func TestRegistry_RemoveLimiterDropsTenant(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.AddLimiter("okx", 1, time.Minute)
	r.RemoveLimiter("okx")

	_, ok := r.Get("okx")
	assert.False(t, ok)
}

func TestRegistry_TenantsReturnsSortedIDs(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.AddLimiter("okx", 1, time.Minute)
	r.AddLimiter("binance", 1, time.Minute)
	r.AddLimiter("coinbase", 1, time.Minute)

	assert.Equal(t, []string{"binance", "coinbase", "okx"}, r.Tenants())
}

func TestRegistry_TryAcquireUnknownTenantReturnsError(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	_, err := r.TryAcquire("ghost")
	assert.ErrorAs(t, err, &ErrUnknownTenant{})
}

func TestRegistry_TryAcquireDelegatesToBucket(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.AddLimiter("binance", 1, time.Minute)

	admitted, err := r.TryAcquire("binance")
	require.NoError(t, err)
	assert.True(t, admitted)

	admitted, err = r.TryAcquire("binance")
	require.NoError(t, err)
	assert.False(t, admitted)
}

func TestRegistry_LogStatisticsDoesNotPanic(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.AddLimiter("binance", 2, time.Minute)
	r.TryAcquire("binance")

	assert.NotPanics(t, func() { r.LogStatistics() })
}
