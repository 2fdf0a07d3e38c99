package position

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store is the narrow persistence capability the engine needs: write a
// position record under its deterministic key and scan all positions back
// on startup. Per design note "Polymorphism for alert sinks" (spec §9),
// concrete stores (Redis, an in-memory fake for tests) are independent
// implementers of this one interface.
type Store interface {
	SavePosition(ctx context.Context, key string, rec Snapshot) error
	ScanPositions(ctx context.Context) ([]Snapshot, error)
}

// Snapshot is the wire/storage shape of a Position, stripped of internal
// bookkeeping flags but carrying enough to rehydrate them.
type Snapshot struct {
	Symbol       string    `json:"symbol"`
	Venue        string    `json:"venue"`
	Quantity     float64   `json:"quantity"`
	AverageEntry float64   `json:"average_entry"`
	HasEntry     bool      `json:"has_entry"`
	Mark         float64   `json:"mark"`
	HasMark      bool      `json:"has_mark"`
	RealizedPnL  float64   `json:"realized_pnl"`
	LastUpdate   time.Time `json:"last_update"`
}

func (s Snapshot) toPosition() Position {
	return Position{
		Symbol: s.Symbol, Venue: s.Venue,
		Quantity: s.Quantity, AverageEntry: s.AverageEntry, hasEntry: s.HasEntry,
		Mark: s.Mark, hasMark: s.HasMark,
		RealizedPnL: s.RealizedPnL, LastUpdate: s.LastUpdate,
	}
}

func toSnapshot(p Position) Snapshot {
	return Snapshot{
		Symbol: p.Symbol, Venue: p.Venue,
		Quantity: p.Quantity, AverageEntry: p.AverageEntry, HasEntry: p.hasEntry,
		Mark: p.Mark, HasMark: p.hasMark,
		RealizedPnL: p.RealizedPnL, LastUpdate: p.LastUpdate,
	}
}

// PositionKey returns the deterministic storage key "position:{symbol}:{venue}"
// named by spec §6.
func PositionKey(symbol, venue string) string {
	return fmt.Sprintf("position:%s:%s", symbol, venue)
}

// DegradedNotifier is the narrow callback the engine uses to raise a
// storage_degraded alert (spec §4.3) without depending on the alert package
// directly, avoiding the cyclic reference design note in spec §9.
type DegradedNotifier func(reason string, err error)

type shard struct {
	mu  sync.Mutex
	pos Position
}

// Engine is the C3 position & P&L engine.
type Engine struct {
	shardsMu sync.RWMutex
	shards   map[Key]*shard

	marksMu sync.RWMutex
	marks   map[string]MarkUpdate

	store    Store
	degraded DegradedNotifier
	log      zerolog.Logger

	sampleMu sync.Mutex
	samples  []pnlSample
	ringCap  int

	onUpdate func(Position)
}

type pnlSample struct {
	at    time.Time
	total float64
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithStore attaches the persistence sink.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

// WithDegradedNotifier attaches the storage_degraded alert callback.
func WithDegradedNotifier(n DegradedNotifier) Option {
	return func(e *Engine) { e.degraded = n }
}

// WithUpdateListener attaches a callback invoked after every applied fill or
// mark change, used by the streaming facade (C7) to fan out PositionUpdate
// events.
func WithUpdateListener(fn func(Position)) Option {
	return func(e *Engine) { e.onUpdate = fn }
}

// WithVaRRingCapacity bounds the retained P&L sample ring (default 10000).
func WithVaRRingCapacity(n int) Option {
	return func(e *Engine) { e.ringCap = n }
}

// New constructs an empty engine.
func New(log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		shards:  make(map[Key]*shard),
		marks:   make(map[string]MarkUpdate),
		ringCap: 10000,
		log:     log.With().Str("component", "position").Logger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Rehydrate scans the store's position prefix and loads it into memory,
// spec §4.3 "On startup it rehydrates by scanning that prefix."
func (e *Engine) Rehydrate(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	snaps, err := e.store.ScanPositions(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate positions: %w", err)
	}
	for _, s := range snaps {
		k := Key{Symbol: s.Symbol, Venue: s.Venue}
		e.shardsMu.Lock()
		e.shards[k] = &shard{pos: s.toPosition()}
		e.shardsMu.Unlock()
	}
	e.log.Info().Int("count", len(snaps)).Msg("rehydrated positions from store")
	return nil
}

func (e *Engine) shardFor(k Key) *shard {
	e.shardsMu.RLock()
	s, ok := e.shards[k]
	e.shardsMu.RUnlock()
	if ok {
		return s
	}

	e.shardsMu.Lock()
	defer e.shardsMu.Unlock()
	if s, ok := e.shards[k]; ok {
		return s
	}
	s = &shard{pos: Position{Symbol: k.Symbol, Venue: k.Venue}}
	e.shards[k] = s
	return s
}

// ApplyFill atomically applies a fill to the matching (symbol, venue)
// position per the average-entry / realized-P&L recurrence in spec §3:
//
//   - same-sign addition: weighted-average the entry price
//   - opposite-sign reduction: the closed portion crystallizes
//     realized = min(|delta|,|position|) * (price - entry) * sign(before)
//   - a fill that crosses zero opens the residual at `price` with the
//     opposite sign
//
// Zero quantity and non-positive price are rejected (spec §8 boundary
// behaviors).
func (e *Engine) ApplyFill(ctx context.Context, f Fill) (Position, error) {
	if f.DeltaQty == 0 {
		return Position{}, ErrZeroQuantity
	}
	if f.Price <= 0 {
		return Position{}, ErrNonPositivePrice
	}

	k := Key{Symbol: f.Symbol, Venue: f.Venue}
	s := e.shardFor(k)

	s.mu.Lock()
	before := s.pos
	after := applyFillToPosition(before, f)
	s.pos = after
	s.mu.Unlock()

	if e.store != nil {
		if err := e.store.SavePosition(ctx, PositionKey(f.Symbol, f.Venue), toSnapshot(after)); err != nil {
			e.log.Error().Err(err).Str("symbol", f.Symbol).Str("venue", f.Venue).Msg("failed to persist position")
			if e.degraded != nil {
				e.degraded("position persistence failed", err)
			}
			// Persistence failure does not roll back the in-memory mutation:
			// the fill stream, not the cache, is the source of truth (spec §4.3).
		}
	}

	if e.onUpdate != nil {
		e.onUpdate(after)
	}

	return after, nil
}

func applyFillToPosition(before Position, f Fill) Position {
	after := before
	after.Symbol, after.Venue = f.Symbol, f.Venue
	after.LastUpdate = f.Timestamp

	switch {
	case before.Quantity == 0 || sameSign(before.Quantity, f.DeltaQty):
		// Flat, or adding to an existing position in the same direction:
		// weighted-average the entry price.
		totalQty := before.Quantity + f.DeltaQty
		if before.Quantity == 0 {
			after.AverageEntry = f.Price
		} else {
			after.AverageEntry = (before.Quantity*before.AverageEntry + f.DeltaQty*f.Price) / totalQty
		}
		after.hasEntry = true
		after.Quantity = totalQty

	default:
		// Opposite-sign reduction: close min(|delta|,|position|) at Price.
		beforeSign := signOf(before.Quantity)
		closeQty := math.Min(math.Abs(f.DeltaQty), math.Abs(before.Quantity))
		realized := closeQty * (f.Price - before.AverageEntry) * beforeSign
		after.RealizedPnL = before.RealizedPnL + realized

		newQty := before.Quantity + f.DeltaQty
		after.Quantity = newQty
		if newQty == 0 {
			after.hasEntry = false
			after.AverageEntry = 0
		} else if sameSign(newQty, before.Quantity) {
			// Reduced but did not cross zero: entry basis is unchanged.
			after.AverageEntry = before.AverageEntry
			after.hasEntry = true
		} else {
			// Crossed zero: the residual opens a new position at f.Price.
			after.AverageEntry = f.Price
			after.hasEntry = true
		}
	}

	// Mark/unrealized are carried over unchanged; Unrealized() recomputes
	// lazily from AverageEntry/Mark on read.
	after.Mark = before.Mark
	after.hasMark = before.hasMark
	return after
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func signOf(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// UpdateMarks updates the mark snapshot for the given symbols. Unrealized
// P&L is recomputed lazily on read from the cached mark (spec §4.3).
func (e *Engine) UpdateMarks(marks map[string]float64, at time.Time) {
	e.marksMu.Lock()
	for symbol, price := range marks {
		e.marks[symbol] = MarkUpdate{Symbol: symbol, Price: price, Timestamp: at}
	}
	e.marksMu.Unlock()

	e.shardsMu.RLock()
	shards := make([]*shard, 0, len(e.shards))
	for k, s := range e.shards {
		if _, ok := marks[k.Symbol]; ok {
			shards = append(shards, s)
		}
	}
	e.shardsMu.RUnlock()

	var updated []Position
	for _, s := range shards {
		s.mu.Lock()
		price := marks[s.pos.Symbol]
		s.pos.Mark = price
		s.pos.hasMark = true
		s.pos.LastUpdate = at
		p := s.pos
		s.mu.Unlock()
		updated = append(updated, p)
	}

	if e.onUpdate != nil {
		for _, p := range updated {
			e.onUpdate(p)
		}
	}
}

// GetPosition returns a consistent snapshot of one (symbol, venue).
func (e *Engine) GetPosition(symbol, venue string) (Position, bool) {
	k := Key{Symbol: symbol, Venue: venue}
	e.shardsMu.RLock()
	s, ok := e.shards[k]
	e.shardsMu.RUnlock()
	if !ok {
		return Position{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, true
}

// GetAllPositions returns a snapshot consistent per-shard: each individual
// position is atomic, but the set as a whole is not (spec §5). The engine
// offers no cross-symbol atomic snapshot; the monitoring tick also reads
// positions and aggregates through separate calls.
func (e *Engine) GetAllPositions() []Position {
	e.shardsMu.RLock()
	shards := make([]*shard, 0, len(e.shards))
	for _, s := range e.shards {
		shards = append(shards, s)
	}
	e.shardsMu.RUnlock()

	out := make([]Position, 0, len(shards))
	for _, s := range shards {
		s.mu.Lock()
		out = append(out, s.pos)
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Venue < out[j].Venue
	})
	return out
}

// TotalUnrealized sums unrealized P&L across all positions.
func (e *Engine) TotalUnrealized() float64 {
	var total float64
	for _, p := range e.GetAllPositions() {
		total += p.Unrealized()
	}
	return total
}

// TotalRealized sums realized P&L across all positions.
func (e *Engine) TotalRealized() float64 {
	var total float64
	for _, p := range e.GetAllPositions() {
		total += p.RealizedPnL
	}
	return total
}

// TotalPnL is TotalUnrealized + TotalRealized.
func (e *Engine) TotalPnL() float64 {
	return e.TotalUnrealized() + e.TotalRealized()
}

// TotalExposure returns Σ|quantity·mark| across all positions.
func (e *Engine) TotalExposure() float64 {
	var total float64
	for _, p := range e.GetAllPositions() {
		total += p.Exposure()
	}
	return total
}

// ExposureBySymbol sums exposure across venues for one symbol.
func (e *Engine) ExposureBySymbol(symbol string) float64 {
	var total float64
	for _, p := range e.GetAllPositions() {
		if p.Symbol == symbol {
			total += p.Exposure()
		}
	}
	return total
}

// RecordPnLSample appends a sample to the retained ring used by VaR,
// intended to be called once per monitoring tick with TotalPnL().
func (e *Engine) RecordPnLSample(at time.Time, total float64) {
	e.sampleMu.Lock()
	defer e.sampleMu.Unlock()
	e.samples = append(e.samples, pnlSample{at: at, total: total})
	if len(e.samples) > e.ringCap {
		e.samples = e.samples[len(e.samples)-e.ringCap:]
	}
}

// VaRResult is the parametric value-at-risk estimate returned by VaR.
type VaRResult struct {
	Value    float64
	Flagged  bool // true when fewer than `lookback` samples were available
	Samples  int
}

// VaR computes a parametric value-at-risk at the given confidence over the
// last `lookback` retained P&L samples. If fewer than lookback samples
// exist, it still computes an estimate from what's available but flags it
// (spec §8 boundary behavior).
func (e *Engine) VaR(confidence float64, lookback int) VaRResult {
	e.sampleMu.Lock()
	n := len(e.samples)
	start := 0
	if n > lookback {
		start = n - lookback
	}
	window := make([]float64, 0, n-start)
	for _, s := range e.samples[start:] {
		window = append(window, s.total)
	}
	e.sampleMu.Unlock()

	flagged := len(window) < lookback
	if len(window) == 0 {
		return VaRResult{Value: 0, Flagged: true, Samples: 0}
	}

	mean, stdev := meanStdDev(window)
	z := zScore(confidence)
	// VaR expressed as a positive loss magnitude at the given confidence.
	value := -(mean - z*stdev)
	if value < 0 {
		value = 0
	}
	return VaRResult{Value: value, Flagged: flagged, Samples: len(window)}
}

// StressTest returns projected portfolio P&L under a uniform adverse move
// of shockPct applied to every mark (spec §4.4 "Stress test").
func (e *Engine) StressTest(shockPct float64) float64 {
	var total float64
	for _, p := range e.GetAllPositions() {
		if !p.HasMark() {
			continue
		}
		shocked := p.Mark * (1 - shockPct)
		total += p.Quantity*(shocked-p.AverageEntry) + p.RealizedPnL
	}
	return total
}

// Beta estimates portfolio beta against a benchmark symbol's mark series,
// supplementing the spec per its Open Question (§9): "calculate_beta ...
// with no stated data source; we model it as optional and excluded from
// limits." Returns (0, false) when insufficient history exists for either
// series.
func (e *Engine) Beta(benchmarkSamples []float64) (float64, bool) {
	e.sampleMu.Lock()
	portfolio := make([]float64, len(e.samples))
	for i, s := range e.samples {
		portfolio[i] = s.total
	}
	e.sampleMu.Unlock()

	n := len(portfolio)
	if n > len(benchmarkSamples) {
		n = len(benchmarkSamples)
	}
	if n < 2 {
		return 0, false
	}
	portfolio = portfolio[len(portfolio)-n:]
	benchmark := benchmarkSamples[len(benchmarkSamples)-n:]

	_, benchStd := meanStdDev(benchmark)
	if benchStd == 0 {
		return 0, false
	}
	cov := covariance(portfolio, benchmark)
	return cov / (benchStd * benchStd), true
}

// Volatility returns the standard deviation of the retained total-P&L ring,
// a diagnostic only (not a limit), per SPEC_FULL §13.
func (e *Engine) Volatility() float64 {
	e.sampleMu.Lock()
	window := make([]float64, len(e.samples))
	for i, s := range e.samples {
		window[i] = s.total
	}
	e.sampleMu.Unlock()
	if len(window) < 2 {
		return 0
	}
	_, std := meanStdDev(window)
	return std
}

func meanStdDev(xs []float64) (mean, stdev float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / n
	if n < 2 {
		return mean, 0
	}
	var sqDiff float64
	for _, x := range xs {
		d := x - mean
		sqDiff += d * d
	}
	stdev = math.Sqrt(sqDiff / (n - 1))
	return mean, stdev
}

func covariance(a, b []float64) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}
	meanA, _ := meanStdDev(a)
	meanB, _ := meanStdDev(b)
	var sum float64
	for i := range a {
		sum += (a[i] - meanA) * (b[i] - meanB)
	}
	return sum / float64(n-1)
}

// zScore maps a confidence level to a standard-normal quantile via a
// rational approximation of the inverse normal CDF (Acklam's algorithm),
// since this package has no other use for a full statistics dependency.
func zScore(confidence float64) float64 {
	p := confidence
	if p <= 0 {
		p = 0.0001
	}
	if p >= 1 {
		p = 0.9999
	}
	return invNormCDF(p)
}

// invNormCDF approximates the inverse of the standard normal CDF.
func invNormCDF(p float64) float64 {
	// Coefficients for Acklam's algorithm.
	a := []float64{-3.969683028665376e+01, 2.209460984245205e+02, -2.759285104469687e+02, 1.383577518672690e+02, -3.066479806614716e+01, 2.506628277459239e+00}
	b := []float64{-5.447609879822406e+01, 1.615858368580409e+02, -1.556989798598866e+02, 6.680131188771972e+01, -1.328068155288572e+01}
	c := []float64{-7.784894002430293e-03, -3.223964580411365e-01, -2.400758277161838e+00, -2.549732539343734e+00, 4.374664141464968e+00, 2.938163982698783e+00}
	d := []float64{7.784695709041462e-03, 3.224671290700398e-01, 2.445134137142996e+00, 3.754408661907416e+00}

	const plow = 0.02425
	const phigh = 1 - plow

	var q, r float64
	switch {
	case p < plow:
		q = math.Sqrt(-2 * math.Log(p))
		return (((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	case p > phigh:
		q = math.Sqrt(-2 * math.Log(1-p))
		return -(((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	default:
		q = p - 0.5
		r = q * q
		return (((((a[0]*r+a[1])*r+a[2])*r+a[3])*r+a[4])*r + a[5]) * q /
			(((((b[0]*r+b[1])*r+b[2])*r+b[3])*r+b[4])*r + 1)
	}
}
