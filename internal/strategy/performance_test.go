package strategy

import (
	"math"
	"testing"

	"perp-arb/pkg/types"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPerformanceRoundTrip(t *testing.T) {
	t.Parallel()
	p := NewPerformanceTracker()
	p.Reset("2026-01-01T00:00:00Z", d("10000"))

	p.OnFill(types.Fill{Venue: types.VenueA, Symbol: "BTC", Side: types.BUY, Qty: d("1"), Price: d("100")})
	p.OnFill(types.Fill{Venue: types.VenueA, Symbol: "BTC", Side: types.SELL, Qty: d("1"), Price: d("110")})

	snap := p.Snapshot()
	if !almostEqual(snap.RunRealizedPnl, 10) {
		t.Errorf("RunRealizedPnl = %v, want 10", snap.RunRealizedPnl)
	}
	if snap.RunTradeCount != 2 {
		t.Errorf("RunTradeCount = %d, want 2", snap.RunTradeCount)
	}
	if !almostEqual(snap.RunTurnoverUsd, 210) {
		t.Errorf("RunTurnoverUsd = %v, want 210", snap.RunTurnoverUsd)
	}
	if !almostEqual(snap.EquityNow, 10010) {
		t.Errorf("EquityNow = %v, want 10010", snap.EquityNow)
	}
}

func TestPerformanceAveragesSameDirectionAdds(t *testing.T) {
	t.Parallel()
	p := NewPerformanceTracker()
	p.Reset("2026-01-01T00:00:00Z", d("10000"))

	p.OnFill(types.Fill{Venue: types.VenueB, Symbol: "ETH", Side: types.BUY, Qty: d("1"), Price: d("100")})
	p.OnFill(types.Fill{Venue: types.VenueB, Symbol: "ETH", Side: types.BUY, Qty: d("1"), Price: d("110")})
	// Entry averages to 105; no realized P&L yet.
	if snap := p.Snapshot(); !almostEqual(snap.RunRealizedPnl, 0) {
		t.Fatalf("RunRealizedPnl = %v, want 0 after same-direction adds", snap.RunRealizedPnl)
	}

	p.OnFill(types.Fill{Venue: types.VenueB, Symbol: "ETH", Side: types.SELL, Qty: d("2"), Price: d("120")})
	if snap := p.Snapshot(); !almostEqual(snap.RunRealizedPnl, 30) {
		t.Errorf("RunRealizedPnl = %v, want 30 (2 * (120-105))", snap.RunRealizedPnl)
	}
}

func TestPerformanceFlipReopensAtFillPrice(t *testing.T) {
	t.Parallel()
	p := NewPerformanceTracker()
	p.Reset("2026-01-01T00:00:00Z", d("10000"))

	p.OnFill(types.Fill{Venue: types.VenueA, Symbol: "SOL", Side: types.BUY, Qty: d("1"), Price: d("150")})
	// Sell 3: closes 1 at +10, leaves a short 2 entered at 160.
	p.OnFill(types.Fill{Venue: types.VenueA, Symbol: "SOL", Side: types.SELL, Qty: d("3"), Price: d("160")})

	snap := p.Snapshot()
	if !almostEqual(snap.RunRealizedPnl, 10) {
		t.Fatalf("RunRealizedPnl = %v, want 10", snap.RunRealizedPnl)
	}

	// Mark the short at 155: unrealized = (155-160) * (-2) = +10.
	p.OnMark("SOL", d("155"), d("0"))
	snap = p.Snapshot()
	if !almostEqual(snap.RunUnrealizedPnl, 10) {
		t.Errorf("RunUnrealizedPnl = %v, want 10", snap.RunUnrealizedPnl)
	}
	if !almostEqual(snap.RunTotalPnl, 20) {
		t.Errorf("RunTotalPnl = %v, want 20", snap.RunTotalPnl)
	}
}

func TestPerformanceDrawdownTracksPeak(t *testing.T) {
	t.Parallel()
	p := NewPerformanceTracker()
	p.Reset("2026-01-01T00:00:00Z", d("1000"))

	// Win 100 (peak 1100), then lose it back plus 110 more.
	p.OnFill(types.Fill{Venue: types.VenueA, Symbol: "BTC", Side: types.BUY, Qty: d("1"), Price: d("100")})
	p.OnFill(types.Fill{Venue: types.VenueA, Symbol: "BTC", Side: types.SELL, Qty: d("1"), Price: d("200")})
	p.OnFill(types.Fill{Venue: types.VenueA, Symbol: "BTC", Side: types.BUY, Qty: d("1"), Price: d("300")})
	p.OnFill(types.Fill{Venue: types.VenueA, Symbol: "BTC", Side: types.SELL, Qty: d("1"), Price: d("90")})

	snap := p.Snapshot()
	if !almostEqual(snap.EquityPeak, 1100) {
		t.Errorf("EquityPeak = %v, want 1100", snap.EquityPeak)
	}
	if !almostEqual(snap.EquityNow, 890) {
		t.Errorf("EquityNow = %v, want 890", snap.EquityNow)
	}
	wantDD := (1100.0 - 890.0) / 1100.0 * 100.0
	if !almostEqual(snap.MaxDrawdownPct, wantDD) {
		t.Errorf("MaxDrawdownPct = %v, want %v", snap.MaxDrawdownPct, wantDD)
	}
}

func TestPerformanceIgnoresNonPositiveFills(t *testing.T) {
	t.Parallel()
	p := NewPerformanceTracker()
	p.Reset("2026-01-01T00:00:00Z", d("1000"))

	p.OnFill(types.Fill{Venue: types.VenueA, Symbol: "BTC", Side: types.BUY, Qty: d("0"), Price: d("100")})
	if snap := p.Snapshot(); snap.RunTradeCount != 0 {
		t.Errorf("RunTradeCount = %d, want 0", snap.RunTradeCount)
	}
}

func TestPerformanceResetClearsState(t *testing.T) {
	t.Parallel()
	p := NewPerformanceTracker()
	p.Reset("2026-01-01T00:00:00Z", d("1000"))
	p.OnFill(types.Fill{Venue: types.VenueA, Symbol: "BTC", Side: types.BUY, Qty: d("1"), Price: d("100")})

	p.Reset("2026-02-01T00:00:00Z", d("2000"))
	snap := p.Snapshot()
	if snap.RunTradeCount != 0 || !almostEqual(snap.RunRealizedPnl, 0) {
		t.Errorf("snapshot after reset = %+v, want clean run", snap)
	}
	if snap.RunningSince != "2026-02-01T00:00:00Z" {
		t.Errorf("RunningSince = %q, want new run timestamp", snap.RunningSince)
	}
	if !almostEqual(snap.EquityNow, 2000) {
		t.Errorf("EquityNow = %v, want 2000", snap.EquityNow)
	}
}
