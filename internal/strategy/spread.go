// Package strategy contains the pure trading logic: the rolling-spread
// signal engine, the two-leg position ledger, and the per-run performance
// tracker. Nothing here touches the network; the orchestrator feeds quotes
// and fills in and acts on what comes out.
package strategy

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"perp-arb/internal/config"
	"perp-arb/pkg/types"
)

var (
	two  = decimal.NewFromInt(2)
	tenK = decimal.NewFromInt(10000)

	zeroWearEdgeScale = decimal.RequireFromString("0.7")

	batchBand2 = decimal.RequireFromString("2.3")
	batchBand3 = decimal.RequireFromString("3.0")

	normalWeights   = []decimal.Decimal{decimal.RequireFromString("1.0"), decimal.RequireFromString("0.7"), decimal.RequireFromString("0.5")}
	zeroWearWeights = []decimal.Decimal{decimal.RequireFromString("0.6"), decimal.RequireFromString("0.4"), decimal.RequireFromString("0.2")}
)

func toBps(value, base decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() {
		return decimal.Zero
	}
	return value.Div(base).Mul(tenK)
}

// ring is a fixed-capacity sample window. Appends past capacity evict the
// oldest sample.
type ring struct {
	buf  []decimal.Decimal
	cap  int
	head int // index of oldest
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]decimal.Decimal, capacity), cap: capacity}
}

func (r *ring) append(v decimal.Decimal) {
	if r.n < r.cap {
		r.buf[(r.head+r.n)%r.cap] = v
		r.n++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % r.cap
}

func (r *ring) len() int { return r.n }

// last returns the most recent k samples, oldest first.
func (r *ring) last(k int) []decimal.Decimal {
	if k > r.n {
		k = r.n
	}
	out := make([]decimal.Decimal, 0, k)
	for i := r.n - k; i < r.n; i++ {
		out = append(out, r.buf[(r.head+i)%r.cap])
	}
	return out
}

func mean(samples []decimal.Decimal) decimal.Decimal {
	if len(samples) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, s := range samples {
		sum = sum.Add(s)
	}
	return sum.Div(decimal.NewFromInt(int64(len(samples))))
}

// pstdev is the population standard deviation. The square root is the one
// place the engine leaves exact arithmetic; the variance itself stays in
// decimals.
func pstdev(samples []decimal.Decimal) decimal.Decimal {
	if len(samples) == 0 {
		return decimal.Zero
	}
	m := mean(samples)
	variance := decimal.Zero
	for _, s := range samples {
		d := s.Sub(m)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(decimal.NewFromInt(int64(len(samples))))
	return decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
}

// SpreadEngine maintains per-symbol rolling spread statistics and turns them
// into OPEN/CLOSE/HOLD signals.
type SpreadEngine struct {
	cfg config.StrategyConfig

	mu      sync.Mutex
	history map[string]*ring
}

// NewSpreadEngine builds an engine from the strategy configuration.
func NewSpreadEngine(cfg config.StrategyConfig) *SpreadEngine {
	return &SpreadEngine{
		cfg:     cfg,
		history: make(map[string]*ring),
	}
}

// SetConfig swaps in updated strategy parameters. Existing windows keep
// their samples.
func (e *SpreadEngine) SetConfig(cfg config.StrategyConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *SpreadEngine) ringFor(symbol string) *ring {
	r, ok := e.history[symbol]
	if !ok {
		capacity := e.cfg.MAWindow
		if e.cfg.StdWindow > capacity {
			capacity = e.cfg.StdWindow
		}
		r = newRing(capacity * 2)
		e.history[symbol] = r
	}
	return r
}

// Seed preloads a symbol's window with stored observations, oldest first.
// Used at startup so a restart does not re-enter the warm-up period.
func (e *SpreadEngine) Seed(symbol string, edges []decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.ringFor(symbol)
	for _, edge := range edges {
		r.append(edge)
	}
}

// Samples returns the current window length for a symbol.
func (e *SpreadEngine) Samples(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.history[symbol]; ok {
		return r.len()
	}
	return 0
}

// ComputeStats ingests one tick of both venues' quotes and returns the
// updated rolling statistics. The signed edge is positive when the
// profitable direction is long A / short B.
func (e *SpreadEngine) ComputeStats(symbol string, a, b types.BBO) types.SpreadStats {
	edgeAToB := b.Bid.Sub(a.Ask)
	edgeBToA := a.Bid.Sub(b.Ask)

	baseMid := a.Mid().Add(b.Mid()).Div(two)
	edgeAToBBps := toBps(edgeAToB, baseMid)
	edgeBToABps := toBps(edgeBToA, baseMid)

	signedEdge := edgeAToBBps
	if edgeAToBBps.Cmp(edgeBToABps) < 0 {
		signedEdge = edgeBToABps.Neg()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.ringFor(symbol)
	r.append(signedEdge)

	stats := types.SpreadStats{
		EdgeAToBBps:   edgeAToBBps,
		EdgeBToABps:   edgeBToABps,
		SignedEdgeBps: signedEdge,
		Samples:       r.len(),
	}
	if r.len() >= e.cfg.MinSamples {
		stats.MA = mean(r.last(e.cfg.MAWindow))
		stats.Std = pstdev(r.last(e.cfg.StdWindow))
	}
	if stats.Std.IsPositive() {
		stats.ZScore = signedEdge.Sub(stats.MA).Div(stats.Std)
	}
	return stats
}

// GenerateSignal maps one tick's statistics to an action under the given
// strategy mode. Warm-up and the edge deadband are checked before the
// z-score bands: too few samples or a spread too thin to pay fees is a
// HOLD regardless of the z-score.
func (e *SpreadEngine) GenerateSignal(stats types.SpreadStats, mode types.Mode) types.Signal {
	e.mu.Lock()
	defer e.mu.Unlock()

	zEntry, zExit := e.cfg.ZEntry, e.cfg.ZExit
	minEdge := e.cfg.MinEdgeBps
	if mode == types.ModeZeroWear {
		zEntry, zExit = e.cfg.ZZeroEntry, e.cfg.ZZeroExit
		minEdge = e.cfg.MinEdgeBps.Mul(zeroWearEdgeScale)
	}

	direction := types.DirectionLongAShortB
	if stats.SignedEdgeBps.IsNegative() {
		direction = types.DirectionShortALongB
	}

	edgeAbs := stats.SignedEdgeBps.Abs()
	zAbs := stats.ZScore.Abs()

	signal := types.Signal{
		Action:    types.ActionHold,
		Direction: direction,
		Stats:     stats,
	}

	switch {
	case stats.Samples < e.cfg.MinSamples:
		signal.Reason = "insufficient_samples"
	case edgeAbs.Cmp(minEdge) < 0:
		signal.Reason = "insufficient_edge"
	case zAbs.Cmp(zEntry) >= 0:
		signal.Action = types.ActionOpen
		signal.Reason = "z_entry"
		signal.Batches = e.buildBatches(zAbs, mode)
	case zAbs.Cmp(zExit) <= 0:
		signal.Action = types.ActionClose
		signal.Reason = "mean_reversion"
		signal.Batches = []decimal.Decimal{e.cfg.BaseOrderQty}
	default:
		signal.Reason = "awaiting_better_spread"
	}
	return signal
}

// buildBatches sizes the entry ladder by z-score conviction.
func (e *SpreadEngine) buildBatches(zAbs decimal.Decimal, mode types.Mode) []decimal.Decimal {
	count := 1
	switch {
	case zAbs.Cmp(batchBand2) < 0:
		count = 1
	case zAbs.Cmp(batchBand3) < 0:
		count = 2
	default:
		count = 3
	}

	weights := normalWeights
	if mode == types.ModeZeroWear {
		weights = zeroWearWeights
	}

	batches := make([]decimal.Decimal, 0, count)
	for _, w := range weights[:count] {
		qty := decimal.Min(e.cfg.BaseOrderQty.Mul(w), e.cfg.MaxBatchQty)
		if qty.IsPositive() {
			batches = append(batches, qty)
		}
	}
	if len(batches) == 0 {
		batches = append(batches, decimal.Min(e.cfg.BaseOrderQty, e.cfg.MaxBatchQty))
	}
	return batches
}
