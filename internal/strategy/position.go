package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-arb/pkg/types"
)

// legState is one symbol's ledger entry.
type legState struct {
	legA      decimal.Decimal
	legB      decimal.Decimal
	targetNet decimal.Decimal
	direction types.Direction
	updatedAt time.Time
}

// RebalanceOrder is one counter-order that shrinks net exposure.
type RebalanceOrder struct {
	Venue types.Venue
	Side  types.Side
	Qty   decimal.Decimal
}

// Ledger tracks the signed per-venue exposure for every traded symbol.
// It is the engine's in-memory truth; venue positions are reconciled into
// it periodically and every fill is applied as it happens.
type Ledger struct {
	mu     sync.Mutex
	states map[string]*legState
}

// NewLedger builds an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{states: make(map[string]*legState)}
}

func (l *Ledger) stateLocked(symbol string) *legState {
	state, ok := l.states[symbol]
	if !ok {
		state = &legState{}
		l.states[symbol] = state
	}
	return state
}

// SetPositions overwrites both legs, used when reconciling against venue
// position queries.
func (l *Ledger) SetPositions(symbol string, legA, legB decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.stateLocked(symbol)
	state.legA = legA
	state.legB = legB
	state.updatedAt = time.Now().UTC()
}

// SetTarget records the intended net exposure for a symbol.
func (l *Ledger) SetTarget(symbol string, target decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateLocked(symbol).targetNet = target
}

// SetDirection records the active arbitrage posture for a symbol.
func (l *Ledger) SetDirection(symbol string, direction types.Direction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateLocked(symbol).direction = direction
}

// ApplyFill moves the filled venue's leg by ±qty.
func (l *Ledger) ApplyFill(fill types.Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.stateLocked(fill.Symbol)
	delta := fill.Qty
	if fill.Side == types.SELL {
		delta = delta.Neg()
	}
	if fill.Venue == types.VenueA {
		state.legA = state.legA.Add(delta)
	} else {
		state.legB = state.legB.Add(delta)
	}
	state.updatedAt = time.Now().UTC()
}

// State returns a copy of one symbol's position.
func (l *Ledger) State(symbol string) types.PositionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.stateLocked(symbol)
	return types.PositionState{
		Symbol:    symbol,
		LegA:      state.legA,
		LegB:      state.legB,
		UpdatedAt: state.updatedAt,
	}
}

// Target returns the recorded target net exposure for a symbol.
func (l *Ledger) Target(symbol string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked(symbol).targetNet
}

// Direction returns the active posture for a symbol.
func (l *Ledger) Direction(symbol string) types.Direction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked(symbol).direction
}

// CanOpen reports whether both legs are inside the per-venue exposure cap.
func (l *Ledger) CanOpen(symbol string, maxPosition decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.stateLocked(symbol)
	return state.legA.Abs().Cmp(maxPosition) <= 0 && state.legB.Abs().Cmp(maxPosition) <= 0
}

// IsImbalanced reports whether the net exposure drifted past the tolerance.
func (l *Ledger) IsImbalanced(symbol string, tolerance decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.stateLocked(symbol)
	return state.legA.Add(state.legB).Abs().Cmp(tolerance) > 0
}

// IsHardBreach reports whether the net exposure exceeds the hard limit that
// forces a flatten.
func (l *Ledger) IsHardBreach(symbol string, hardLimit decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.stateLocked(symbol)
	return state.legA.Add(state.legB).Abs().Cmp(hardLimit) > 0
}

// BuildRebalanceOrders plans at most one counter-order shrinking the net
// exposure by min(|net|, baseQty). A long overshoot sells on the leg holding
// the larger signed position; a short overshoot buys on the smaller one.
// Ties go to venue A.
func (l *Ledger) BuildRebalanceOrders(symbol string, tolerance, baseQty decimal.Decimal) []RebalanceOrder {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.stateLocked(symbol)
	net := state.legA.Add(state.legB)
	if net.Abs().Cmp(tolerance) <= 0 {
		return nil
	}

	qty := decimal.Min(net.Abs(), baseQty)
	if !qty.IsPositive() {
		return nil
	}

	if net.IsPositive() {
		venue := types.VenueA
		if state.legA.Cmp(state.legB) < 0 {
			venue = types.VenueB
		}
		return []RebalanceOrder{{Venue: venue, Side: types.SELL, Qty: qty}}
	}

	venue := types.VenueA
	if state.legA.Cmp(state.legB) > 0 {
		venue = types.VenueB
	}
	return []RebalanceOrder{{Venue: venue, Side: types.BUY, Qty: qty}}
}

// Snapshot returns a copy of every symbol's position.
func (l *Ledger) Snapshot() map[string]types.PositionState {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]types.PositionState, len(l.states))
	for symbol, state := range l.states {
		out[symbol] = types.PositionState{
			Symbol:    symbol,
			LegA:      state.legA,
			LegB:      state.legB,
			UpdatedAt: state.updatedAt,
		}
	}
	return out
}
