package strategy

import (
	"sync"

	"github.com/shopspring/decimal"

	"perp-arb/pkg/types"
)

var hundred = decimal.NewFromInt(100)

// markKey identifies one leg's mark and average-price slot.
type markKey struct {
	venue  types.Venue
	symbol string
}

// trackedLeg is one venue-symbol position with its volume-weighted entry.
type trackedLeg struct {
	qty      decimal.Decimal
	avgPrice decimal.Decimal
}

// PerformanceSnapshot is the per-run P&L summary exposed over the API.
// Values are floats: this is a reporting surface, not an accounting one.
type PerformanceSnapshot struct {
	RunningSince     string  `json:"running_since"`
	RunRealizedPnl   float64 `json:"run_realized_pnl"`
	RunUnrealizedPnl float64 `json:"run_unrealized_pnl"`
	RunTotalPnl      float64 `json:"run_total_pnl"`
	RunPnlPct        float64 `json:"run_pnl_pct"`
	RunTurnoverUsd   float64 `json:"run_turnover_usd"`
	RunTradeCount    int     `json:"run_trade_count"`
	EquityNow        float64 `json:"equity_now"`
	EquityPeak       float64 `json:"equity_peak"`
	DrawdownPct      float64 `json:"drawdown_pct"`
	MaxDrawdownPct   float64 `json:"max_drawdown_pct"`
}

// PerformanceTracker accumulates realized and marked-to-market P&L for the
// current run. Reset starts a new run; fills and mid-price marks update it.
type PerformanceTracker struct {
	mu sync.Mutex

	runningSince   string
	initialEquity  decimal.Decimal
	realizedPnl    decimal.Decimal
	turnoverUsd    decimal.Decimal
	tradeCount     int
	equityNow      decimal.Decimal
	equityPeak     decimal.Decimal
	maxDrawdownPct decimal.Decimal

	legs  map[markKey]*trackedLeg
	marks map[markKey]decimal.Decimal
}

// NewPerformanceTracker builds an idle tracker.
func NewPerformanceTracker() *PerformanceTracker {
	return &PerformanceTracker{
		legs:  make(map[markKey]*trackedLeg),
		marks: make(map[markKey]decimal.Decimal),
	}
}

// Reset starts a fresh run anchored at the given equity.
func (t *PerformanceTracker) Reset(startedAt string, initialEquity decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.runningSince = startedAt
	t.initialEquity = initialEquity
	t.realizedPnl = decimal.Zero
	t.turnoverUsd = decimal.Zero
	t.tradeCount = 0
	t.equityNow = initialEquity
	t.equityPeak = initialEquity
	t.maxDrawdownPct = decimal.Zero
	t.legs = make(map[markKey]*trackedLeg)
	t.marks = make(map[markKey]decimal.Decimal)
	t.refreshEquityLocked()
}

// OnFill books one execution: turnover, trade count, and realized P&L when
// the fill reduces or flips an existing leg.
func (t *PerformanceTracker) OnFill(fill types.Fill) {
	if !fill.Qty.IsPositive() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.tradeCount++
	t.turnoverUsd = t.turnoverUsd.Add(fill.Qty.Mul(fill.Price).Abs())

	delta := fill.Qty
	if fill.Side == types.SELL {
		delta = delta.Neg()
	}
	key := markKey{venue: fill.Venue, symbol: fill.Symbol}
	leg, ok := t.legs[key]
	if !ok {
		leg = &trackedLeg{}
		t.legs[key] = leg
	}
	t.realizedPnl = t.realizedPnl.Add(applyDelta(leg, delta, fill.Price))

	if _, ok := t.marks[key]; !ok {
		t.marks[key] = fill.Price
	}
	t.refreshEquityLocked()
}

// OnMark records fresh mid prices for both venues' legs of a symbol.
func (t *PerformanceTracker) OnMark(symbol string, midA, midB decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if midA.IsPositive() {
		t.marks[markKey{venue: types.VenueA, symbol: symbol}] = midA
	}
	if midB.IsPositive() {
		t.marks[markKey{venue: types.VenueB, symbol: symbol}] = midB
	}
	t.refreshEquityLocked()
}

// Snapshot reports the current run's summary.
func (t *PerformanceTracker) Snapshot() PerformanceSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	unrealized := t.unrealizedLocked()
	totalPnl := t.realizedPnl.Add(unrealized)

	drawdownPct := decimal.Zero
	if t.equityPeak.IsPositive() {
		drawdownPct = decimal.Max(decimal.Zero,
			t.equityPeak.Sub(t.equityNow).Div(t.equityPeak).Mul(hundred))
	}
	pnlPct := decimal.Zero
	if t.initialEquity.IsPositive() {
		pnlPct = totalPnl.Div(t.initialEquity).Mul(hundred)
	}

	return PerformanceSnapshot{
		RunningSince:     t.runningSince,
		RunRealizedPnl:   t.realizedPnl.InexactFloat64(),
		RunUnrealizedPnl: unrealized.InexactFloat64(),
		RunTotalPnl:      totalPnl.InexactFloat64(),
		RunPnlPct:        pnlPct.InexactFloat64(),
		RunTurnoverUsd:   t.turnoverUsd.InexactFloat64(),
		RunTradeCount:    t.tradeCount,
		EquityNow:        t.equityNow.InexactFloat64(),
		EquityPeak:       t.equityPeak.InexactFloat64(),
		DrawdownPct:      drawdownPct.InexactFloat64(),
		MaxDrawdownPct:   t.maxDrawdownPct.InexactFloat64(),
	}
}

// applyDelta moves one leg by delta at price and returns the realized P&L.
// Adding in the same direction reweights the average entry; trading against
// the leg realizes against it, and any overshoot re-opens at the fill price.
func applyDelta(leg *trackedLeg, delta, price decimal.Decimal) decimal.Decimal {
	if delta.IsZero() {
		return decimal.Zero
	}

	current := leg.qty
	if current.IsZero() {
		leg.qty = delta
		leg.avgPrice = price
		return decimal.Zero
	}

	if current.Sign() == delta.Sign() {
		next := current.Add(delta)
		leg.avgPrice = current.Abs().Mul(leg.avgPrice).
			Add(delta.Abs().Mul(price)).
			Div(next.Abs())
		leg.qty = next
		return decimal.Zero
	}

	closeQty := decimal.Min(current.Abs(), delta.Abs())
	sign := decimal.NewFromInt(1)
	if current.IsNegative() {
		sign = sign.Neg()
	}
	realized := price.Sub(leg.avgPrice).Mul(closeQty).Mul(sign)

	next := current.Add(delta)
	switch {
	case next.IsZero():
		leg.qty = decimal.Zero
		leg.avgPrice = decimal.Zero
	case current.Sign() == next.Sign():
		leg.qty = next
	default:
		leg.qty = next
		leg.avgPrice = price
	}
	return realized
}

func (t *PerformanceTracker) unrealizedLocked() decimal.Decimal {
	unrealized := decimal.Zero
	for key, leg := range t.legs {
		mark, ok := t.marks[key]
		if !ok || leg.qty.IsZero() {
			continue
		}
		unrealized = unrealized.Add(mark.Sub(leg.avgPrice).Mul(leg.qty))
	}
	return unrealized
}

func (t *PerformanceTracker) refreshEquityLocked() {
	totalPnl := t.realizedPnl.Add(t.unrealizedLocked())
	t.equityNow = t.initialEquity.Add(totalPnl)
	if t.equityNow.Cmp(t.equityPeak) > 0 {
		t.equityPeak = t.equityNow
	}

	if t.equityPeak.IsPositive() {
		drawdownPct := decimal.Max(decimal.Zero,
			t.equityPeak.Sub(t.equityNow).Div(t.equityPeak).Mul(hundred))
		if drawdownPct.Cmp(t.maxDrawdownPct) > 0 {
			t.maxDrawdownPct = drawdownPct
		}
	}
}
