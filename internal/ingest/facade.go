package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/blackholedex/riskctl/internal/position"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const defaultDedupeWindow = 100000

// lastSeen tracks the last-applied sequence/timestamp per (symbol,venue)
// for out-of-order resolution (spec §4.7).
type lastSeen struct {
	sequence  uint64
	timestamp time.Time
}

// Facade applies inbound trade execution, order update, and balance events,
// grounded on spec §4.7: dedupe by execution_id via a bounded LRU, and
// out-of-order resolution by sequence number (falling back to
// last-write-wins by timestamp when sequence is absent).
type Facade struct {
	engine *position.Engine
	log    zerolog.Logger

	seen *lru.Cache[string, struct{}]

	mu          sync.Mutex
	perShard    map[position.Key]lastSeen
	openOrders  map[string]int // venue -> count of open orders
	balances    map[string]position.Balance // "venue:asset" -> latest balance
}

// Option configures a Facade.
type Option func(*Facade)

// WithDedupeWindow overrides the default 100k-entry dedupe LRU size.
func WithDedupeWindow(n int) Option {
	return func(f *Facade) {
		cache, err := lru.New[string, struct{}](n)
		if err == nil {
			f.seen = cache
		}
	}
}

// New constructs a Facade wired to engine.
func New(engine *position.Engine, log zerolog.Logger, opts ...Option) *Facade {
	cache, _ := lru.New[string, struct{}](defaultDedupeWindow)
	f := &Facade{
		engine:     engine,
		log:        log.With().Str("component", "ingest").Logger(),
		seen:       cache,
		perShard:   make(map[position.Key]lastSeen),
		openOrders: make(map[string]int),
		balances:   make(map[string]position.Balance),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ApplyTradeExecution dedupes by execution_id, resolves ordering by
// sequence number (or timestamp if sequence is zero/absent), and applies
// the fill to the position engine. Returns (applied, error); applied is
// false for a suppressed duplicate or a stale out-of-order event, neither
// of which is an error.
func (f *Facade) ApplyTradeExecution(t TradeExecution) (bool, error) {
	if t.ExecutionID != "" {
		if _, dup := f.seen.Get(t.ExecutionID); dup {
			return false, nil
		}
		f.seen.Add(t.ExecutionID, struct{}{})
	}

	key := position.Key{Symbol: t.Symbol, Venue: t.Venue}
	if !f.admitOrdering(key, t.Sequence, t.Timestamp) {
		f.log.Debug().Str("symbol", t.Symbol).Str("venue", t.Venue).Msg("dropped out-of-order trade execution")
		return false, nil
	}

	_, err := f.engine.ApplyFill(context.Background(), position.Fill{
		Symbol:    t.Symbol,
		Venue:     t.Venue,
		DeltaQty:  t.DeltaQuantity(),
		Price:     t.Price,
		Timestamp: t.Timestamp,
	})
	return err == nil, err
}

// ApplyOrderUpdate updates the per-venue open-order count consulted by
// rate-limit decisions (spec §4.7); it does not touch positions.
func (f *Facade) ApplyOrderUpdate(o OrderUpdate) {
	key := position.Key{Symbol: o.Symbol, Venue: o.Venue}
	if !f.admitOrdering(key, o.Sequence, o.Timestamp) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if o.Status.isOpen() {
		f.openOrders[o.Venue]++
	} else if f.openOrders[o.Venue] > 0 {
		f.openOrders[o.Venue]--
	}
}

// OpenOrders returns the current open-order count for a venue.
func (f *Facade) OpenOrders(venue string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openOrders[venue]
}

// ApplyBalance records the latest balance for a (venue, asset).
func (f *Facade) ApplyBalance(b BalanceUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := b.Venue + ":" + b.Asset
	f.balances[k] = position.Balance{Venue: b.Venue, Asset: b.Asset, Free: b.Free, Locked: b.Locked, Timestamp: b.Timestamp}
}

// Balance returns the latest known balance for a (venue, asset), if any.
func (f *Facade) Balance(venue, asset string) (position.Balance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[venue+":"+asset]
	return b, ok
}

// admitOrdering resolves out-of-order delivery within a (symbol, venue)
// shard: a present sequence number wins ties strictly by being greater
// than the last admitted one; absent a sequence, last-write-wins by
// timestamp (spec §4.7).
func (f *Facade) admitOrdering(key position.Key, sequence uint64, ts time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, ok := f.perShard[key]
	if !ok {
		f.perShard[key] = lastSeen{sequence: sequence, timestamp: ts}
		return true
	}

	if sequence != 0 || prev.sequence != 0 {
		if sequence <= prev.sequence {
			return false
		}
		f.perShard[key] = lastSeen{sequence: sequence, timestamp: ts}
		return true
	}

	if !ts.After(prev.timestamp) {
		return false
	}
	f.perShard[key] = lastSeen{sequence: sequence, timestamp: ts}
	return true
}
