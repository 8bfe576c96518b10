package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDirectionLegs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dir   Direction
		wantA Side
		wantB Side
	}{
		{DirectionLongAShortB, BUY, SELL},
		{DirectionShortALongB, SELL, BUY},
	}

	for _, tt := range tests {
		a, b := tt.dir.Legs()
		if a != tt.wantA || b != tt.wantB {
			t.Errorf("Direction(%q).Legs() = %s/%s, want %s/%s", tt.dir, a, b, tt.wantA, tt.wantB)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if got := BUY.Opposite(); got != SELL {
		t.Errorf("BUY.Opposite() = %s, want SELL", got)
	}
	if got := SELL.Opposite(); got != BUY {
		t.Errorf("SELL.Opposite() = %s, want BUY", got)
	}
}

func TestBBOMid(t *testing.T) {
	t.Parallel()

	b := BBO{Bid: decimal.NewFromFloat(99.5), Ask: decimal.NewFromFloat(100.5)}
	if got := b.Mid(); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Mid() = %s, want 100", got)
	}

	// Invalid quotes yield a zero mid instead of a misleading number.
	empty := BBO{}
	if got := empty.Mid(); !got.IsZero() {
		t.Errorf("empty Mid() = %s, want 0", got)
	}
	oneSided := BBO{Bid: decimal.NewFromInt(100)}
	if oneSided.Valid() {
		t.Error("one-sided quote reported Valid()")
	}
}

func TestPositionNet(t *testing.T) {
	t.Parallel()

	p := PositionState{
		LegA: decimal.NewFromFloat(0.005),
		LegB: decimal.NewFromFloat(-0.003),
	}
	if got := p.Net(); !got.Equal(decimal.NewFromFloat(0.002)) {
		t.Errorf("Net() = %s, want 0.002", got)
	}
}

func TestValidMode(t *testing.T) {
	t.Parallel()

	if !ValidMode("normal_arb") || !ValidMode("zero_wear") {
		t.Error("known modes rejected")
	}
	if ValidMode("turbo") {
		t.Error("unknown mode accepted")
	}
}
