// Package risk holds the entry gates that sit between market data and the
// execution engine: REST/WS book consistency, venue health, and WebSocket
// liveness. Each guard is a small thread-safe state machine the orchestrator
// feeds every loop; all of them must agree before a position may open.
package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"perp-arb/pkg/types"
)

var (
	two  = decimal.NewFromInt(2)
	tenK = decimal.NewFromInt(10000)
)

// diffBps is the relative gap between two prices in basis points of their
// midpoint. Non-positive inputs compare as equal.
func diffBps(a, b decimal.Decimal) decimal.Decimal {
	if !a.IsPositive() || !b.IsPositive() {
		return decimal.Zero
	}
	base := a.Add(b).Div(two)
	if !base.IsPositive() {
		return decimal.Zero
	}
	return a.Sub(b).Abs().Div(base).Mul(tenK)
}

// SymbolConsistency is one symbol's consistency state.
type SymbolConsistency struct {
	FailedCount int    `json:"failed_count"`
	OK          bool   `json:"ok"`
	LastReason  string `json:"last_reason"`
}

// ConsistencyGuard cross-checks the WS and REST views of both venues' books.
// A single divergent read does not trip the guard; only MaxFailures
// consecutive failures mark the symbol inconsistent, and one clean pass
// resets the count.
type ConsistencyGuard struct {
	toleranceBps decimal.Decimal
	maxFailures  int

	mu    sync.Mutex
	state map[string]*SymbolConsistency
}

// NewConsistencyGuard builds the guard from the configured tolerance.
func NewConsistencyGuard(toleranceBps decimal.Decimal, maxFailures int) *ConsistencyGuard {
	return &ConsistencyGuard{
		toleranceBps: toleranceBps,
		maxFailures:  maxFailures,
		state:        make(map[string]*SymbolConsistency),
	}
}

// Check compares the four book views for one symbol and returns whether the
// symbol is still considered consistent. Nil quotes count as a failure: a
// missing comparison basis is itself a reason not to trade.
func (g *ConsistencyGuard) Check(symbol string, aWS, aREST, bWS, bREST *types.BBO) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.state[symbol]
	if !ok {
		state = &SymbolConsistency{OK: true}
		g.state[symbol] = state
	}

	if aWS == nil || aREST == nil || bWS == nil || bREST == nil {
		state.FailedCount++
		state.OK = state.FailedCount < g.maxFailures
		state.LastReason = "missing book data for comparison"
		return state.OK
	}

	maxDiff := decimal.Max(
		diffBps(aWS.Bid, aREST.Bid),
		diffBps(aWS.Ask, aREST.Ask),
		diffBps(bWS.Bid, bREST.Bid),
		diffBps(bWS.Ask, bREST.Ask),
	)
	if maxDiff.Cmp(g.toleranceBps) > 0 {
		state.FailedCount++
		state.OK = state.FailedCount < g.maxFailures
		state.LastReason = fmt.Sprintf("max deviation %s bps exceeds tolerance %s", maxDiff.StringFixed(4), g.toleranceBps)
		return state.OK
	}

	state.FailedCount = 0
	state.OK = true
	state.LastReason = ""
	return true
}

// Snapshot returns a copy of the per-symbol state for the status API.
func (g *ConsistencyGuard) Snapshot() map[string]SymbolConsistency {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]SymbolConsistency, len(g.state))
	for symbol, state := range g.state {
		out[symbol] = *state
	}
	return out
}
