package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blackholedex/riskctl/internal/alert"
	"github.com/blackholedex/riskctl/internal/position"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisStore follows the teacher's "skip cleanly if dependency
// unavailable" idiom (blackhole_test.go), though miniredis never needs a
// live dependency; it spins up an in-process server instead of dialing
// out.
func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client, zerolog.Nop()), mr
}

func TestRedisStore_SaveAndScanPositions(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	snap := position.Snapshot{Symbol: "BTC", Venue: "binance", Quantity: 1, AverageEntry: 20000, HasEntry: true, LastUpdate: time.Now()}
	require.NoError(t, store.SavePosition(ctx, position.PositionKey("BTC", "binance"), snap))

	snapshots, err := store.ScanPositions(ctx)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "BTC", snapshots[0].Symbol)
	assert.InDelta(t, 20000, snapshots[0].AverageEntry, 1e-9)
}

func TestRedisStore_WriteAlertUnderDateBucketedKey(t *testing.T) {
	store, mr := newTestRedisStore(t)

	a := alert.New(alert.Warning, "exposure", "over limit", nil)
	require.NoError(t, store.Write(a))

	key := alertKey(a)
	assert.True(t, mr.Exists(key))
}

func TestRedisStore_SaveHaltState(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.SaveHaltState(ctx, true, "pnl_breach", now, "automatic"))
}

func TestRedisStore_SaveAndLoadLimits(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveLimits(ctx, map[string]string{"max_total_exposure": "100000", "generation": "3"}))

	fields, err := store.LoadLimits(ctx)
	require.NoError(t, err)
	assert.Equal(t, "100000", fields["max_total_exposure"])
	assert.Equal(t, "3", fields["generation"])
}

func TestRedisStore_IncrOpenOrders(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.IncrOpenOrders(ctx, "binance", 1))
	require.NoError(t, store.IncrOpenOrders(ctx, "binance", 1))
	require.NoError(t, store.IncrOpenOrders(ctx, "binance", -1))
}
