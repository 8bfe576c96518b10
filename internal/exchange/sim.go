// sim.go synthesizes market data and fills for offline operation.
//
// Each venue adapter owns one simulator. Quotes follow a bounded random walk
// around a per-asset anchor price; venue B's walk mean-reverts so the two
// venues drift apart and snap back, producing realistic spread oscillation
// for the strategy to trade. Orders fill synchronously and positions are
// tracked locally so the whole engine runs end-to-end with no network.
package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perp-arb/pkg/types"
)

// simParams tunes one venue's synthetic market.
type simParams struct {
	startFactor   float64 // initial mid = anchor · startFactor
	driftPct      float64 // per-tick uniform walk half-width, fraction of mid
	meanReversion float64 // pull toward anchor per tick, 0 disables
	spreadFactor  float64 // spread = max(0.5, mid · spreadFactor)
	restBiasPct   float64 // REST mid offset, fraction of mid (signed)
	idPrefix      string  // synthetic order id prefix
	takerFee      decimal.Decimal
	makerFee      decimal.Decimal
}

func simParamsFor(venue types.Venue) simParams {
	if venue == types.VenueA {
		return simParams{
			startFactor:  1.0,
			driftPct:     0.00035,
			spreadFactor: 0.0002,
			restBiasPct:  -0.00002,
			idPrefix:     "va",
			takerFee:     decimal.RequireFromString("0.0003"),
			makerFee:     decimal.RequireFromString("0.0001"),
		}
	}
	return simParams{
		startFactor:   1.00015,
		driftPct:      0.00005,
		meanReversion: 0.03,
		spreadFactor:  0.00022,
		restBiasPct:   0.00002,
		idPrefix:      "vb",
		takerFee:      decimal.RequireFromString("0.00025"),
		makerFee:      decimal.RequireFromString("0.00005"),
	}
}

// anchorPrice returns the walk anchor for a base asset.
func anchorPrice(base string) decimal.Decimal {
	switch base {
	case "BTC":
		return decimal.NewFromInt(50000)
	case "ETH":
		return decimal.NewFromInt(2500)
	case "SOL":
		return decimal.NewFromInt(150)
	default:
		return decimal.NewFromInt(1000)
	}
}

// baseAsset extracts the base symbol from a venue-native market id,
// e.g. "BTC-USD-PERP" or "BTC_USDT_Perp" → "BTC".
func baseAsset(market string) string {
	for _, sep := range []string{"-", "_"} {
		if i := strings.Index(market, sep); i > 0 {
			return strings.ToUpper(market[:i])
		}
	}
	return strings.ToUpper(market)
}

var (
	two           = decimal.NewFromInt(2)
	half          = decimal.RequireFromString("0.5")
	simEquity     = decimal.NewFromInt(100000)
	simMarginRate = decimal.RequireFromString("0.05")
)

// simulator holds one venue's synthetic market state.
type simulator struct {
	venue  types.Venue
	params simParams

	mu        sync.Mutex
	rng       *rand.Rand
	mids      map[string]decimal.Decimal
	positions map[string]decimal.Decimal
	qtySeed   decimal.Decimal // synthetic top-of-book size
}

func newSimulator(venue types.Venue, seed int64) *simulator {
	return &simulator{
		venue:     venue,
		params:    simParamsFor(venue),
		rng:       rand.New(rand.NewSource(seed)),
		mids:      make(map[string]decimal.Decimal),
		positions: make(map[string]decimal.Decimal),
		qtySeed:   decimal.NewFromInt(5),
	}
}

// midLocked returns the current mid for a market, seeding it on first use.
func (s *simulator) midLocked(market string) decimal.Decimal {
	if mid, ok := s.mids[market]; ok {
		return mid
	}
	mid := anchorPrice(baseAsset(market)).Mul(decimal.NewFromFloat(s.params.startFactor))
	s.mids[market] = mid
	return mid
}

// stepLocked advances the walk one tick and returns the new mid.
func (s *simulator) stepLocked(market string) decimal.Decimal {
	mid := s.midLocked(market)

	drift := (s.rng.Float64()*2 - 1) * s.params.driftPct
	mid = mid.Mul(decimal.NewFromFloat(1 + drift))

	if s.params.meanReversion > 0 {
		anchor := anchorPrice(baseAsset(market)).Mul(decimal.NewFromFloat(s.params.startFactor))
		mid = mid.Add(anchor.Sub(mid).Mul(decimal.NewFromFloat(s.params.meanReversion)))
	}

	s.mids[market] = mid
	return mid
}

func (s *simulator) quoteFrom(mid decimal.Decimal, now time.Time) types.BBO {
	spread := decimal.Max(half, mid.Mul(decimal.NewFromFloat(s.params.spreadFactor)))
	halfSpread := spread.Div(two)
	return types.BBO{
		Bid:    mid.Sub(halfSpread),
		Ask:    mid.Add(halfSpread),
		BidQty: s.qtySeed,
		AskQty: s.qtySeed,
		Ts:     now,
	}
}

// BBO advances the walk and returns a fresh synthetic quote.
func (s *simulator) BBO(market string) types.BBO {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quoteFrom(s.stepLocked(market), time.Now().UTC())
}

// RESTBBO quotes the current mid with the venue's REST-side bias, without
// advancing the walk.
func (s *simulator) RESTBBO(market string) types.BBO {
	s.mu.Lock()
	defer s.mu.Unlock()
	mid := s.midLocked(market)
	biased := mid.Add(mid.Mul(decimal.NewFromFloat(s.params.restBiasPct)))
	return s.quoteFrom(biased, time.Now().UTC())
}

// PlaceOrder fills synchronously: market orders at the current mid, limit
// orders at their own price. The signed position moves by ±qty.
func (s *simulator) PlaceOrder(req types.OrderRequest) (types.OrderResult, error) {
	if !req.Qty.IsPositive() {
		return types.OrderResult{}, fmt.Errorf("qty must be > 0, got %s", req.Qty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	price := req.Price
	if req.Type == types.OrderTypeMarket || price.IsZero() {
		price = s.midLocked(req.Market)
	}

	delta := req.Qty
	if req.Side == types.SELL {
		delta = delta.Neg()
	}
	s.positions[req.Market] = s.positions[req.Market].Add(delta)

	id := s.params.idPrefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return types.OrderResult{
		OrderID:   id,
		Status:    "FILLED",
		FilledQty: req.Qty,
		AvgPrice:  price,
	}, nil
}

// Position returns the signed local position for a market.
func (s *simulator) Position(market string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[market]
}

// SetPosition overwrites the local position, used by tests.
func (s *simulator) SetPosition(market string, qty decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[market] = qty
}

// Balance reports a fixed-equity account with margin at 5% of open notional.
func (s *simulator) Balance() types.BalanceSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	notional := decimal.Zero
	for market, qty := range s.positions {
		notional = notional.Add(qty.Abs().Mul(s.midLocked(market)))
	}
	margin := notional.Mul(simMarginRate)
	return types.BalanceSummary{
		Venue:      s.venue,
		Asset:      "USD",
		Equity:     simEquity,
		Available:  simEquity.Sub(margin),
		MarginUsed: margin,
		UpdatedAt:  time.Now().UTC(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Catalog surface (scanner support)
// ————————————————————————————————————————————————————————————————————————

// simUniverse lists the synthetic instruments per venue. The DOGE pair
// carries low leverage on venue A so the scanner's leverage filter has
// something to reject offline.
func (s *simulator) simUniverse() []types.MarketMeta {
	type row struct {
		base string
		levA int64
		levB int64
	}
	rows := []row{
		{"BTC", 100, 125},
		{"ETH", 100, 100},
		{"SOL", 50, 75},
		{"DOGE", 20, 50},
	}

	out := make([]types.MarketMeta, 0, len(rows))
	for _, r := range rows {
		meta := types.MarketMeta{
			Base:         r.base,
			TakerFeeRate: s.params.takerFee,
			MakerFeeRate: s.params.makerFee,
			FeeSource:    "api",
		}
		if s.venue == types.VenueA {
			meta.Market = r.base + "-USD-PERP"
			meta.Quote = "USD"
			meta.MaxLeverage = decimal.NewFromInt(r.levA)
		} else {
			meta.Market = r.base + "_USDT_Perp"
			meta.Quote = "USDT"
			meta.MaxLeverage = decimal.NewFromInt(r.levB)
		}
		out = append(out, meta)
	}
	return out
}

// ListMarkets implements the Catalog surface in simulated mode.
func (s *simulator) ListMarkets(_ context.Context) ([]types.MarketMeta, error) {
	return s.simUniverse(), nil
}

// TopOfBook advances the walk and quotes, depth is irrelevant locally.
func (s *simulator) TopOfBook(_ context.Context, market string, _ int) (types.BBO, error) {
	return s.BBO(market), nil
}

// Candles generates minute bars of the walk ending now, oldest first. Bar
// timestamps are minute-aligned so both venues' bars join on ts.
func (s *simulator) Candles(_ context.Context, market string, limit int) ([]types.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	anchor := anchorPrice(baseAsset(market)).Mul(decimal.NewFromFloat(s.params.startFactor))
	end := time.Now().UTC().Truncate(time.Minute)

	out := make([]types.Candle, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		ts := end.Add(-time.Duration(i) * time.Minute)
		noise := (s.rng.Float64()*2 - 1) * 0.0005
		closePx := anchor.Mul(decimal.NewFromFloat(1 + noise))
		wick := closePx.Mul(decimal.NewFromFloat(0.0002))
		out = append(out, types.Candle{
			Ts:     ts.UnixMilli(),
			Open:   closePx.Sub(wick),
			High:   closePx.Add(wick),
			Low:    closePx.Sub(wick.Mul(two)),
			Close:  closePx,
			Volume: s.qtySeed,
		})
	}
	return out, nil
}
