// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: venues, quotes, orders,
// fills, positions, signals, and operator events. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Venue identifies one of the two perpetual-futures exchanges the bot
// arbitrages between. All per-venue state (books, limits, health, legs)
// is keyed by this value.
type Venue string

const (
	VenueA Venue = "venue_a"
	VenueB Venue = "venue_b"
)

// Venues lists both venues in canonical order.
func Venues() []Venue { return []Venue{VenueA, VenueB} }

// Other returns the opposite venue.
func (v Venue) Other() Venue {
	if v == VenueA {
		return VenueB
	}
	return VenueA
}

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order styles.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Mode selects the strategy's entry/exit thresholds and batch weights.
type Mode string

const (
	ModeNormalArb Mode = "normal_arb" // standard z-score thresholds
	ModeZeroWear  Mode = "zero_wear"  // tighter entries, smaller batches
)

// ValidMode reports whether s names a known strategy mode.
func ValidMode(s string) bool {
	return Mode(s) == ModeNormalArb || Mode(s) == ModeZeroWear
}

// Direction is the two-legged posture of an arbitrage position.
// LongAShortB means BUY on venue A and SELL on venue B.
type Direction string

const (
	DirectionLongAShortB Direction = "LONG_A_SHORT_B"
	DirectionShortALongB Direction = "SHORT_A_LONG_B"
)

// Legs returns the per-venue order sides that establish the direction.
func (d Direction) Legs() (a, b Side) {
	if d == DirectionLongAShortB {
		return BUY, SELL
	}
	return SELL, BUY
}

// SignalAction is what the strategy wants the executor to do this tick.
type SignalAction string

const (
	ActionOpen      SignalAction = "OPEN"
	ActionClose     SignalAction = "CLOSE"
	ActionHold      SignalAction = "HOLD"
	ActionRebalance SignalAction = "REBALANCE"
	ActionFlatten   SignalAction = "FLATTEN"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// BBO is a best-bid/offer quote from one venue over one channel.
type BBO struct {
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	BidQty decimal.Decimal
	AskQty decimal.Decimal
	Ts     time.Time
}

// Valid reports whether both sides carry a positive price.
func (b BBO) Valid() bool {
	return b.Bid.IsPositive() && b.Ask.IsPositive()
}

// Mid returns (bid+ask)/2, or zero if the quote is invalid.
func (b BBO) Mid() decimal.Decimal {
	if !b.Valid() {
		return decimal.Zero
	}
	return b.Bid.Add(b.Ask).Div(two)
}

// BookChannel distinguishes the transport a quote arrived on. The cache
// keeps one slot per (venue, channel); WS slots drive staleness, REST
// slots back consistency checks and fill in while WS warms up.
type BookChannel string

const (
	ChannelWS   BookChannel = "ws"
	ChannelREST BookChannel = "rest"
)

// MarketMeta describes one venue-native perpetual market, as listed by the
// venue's instrument catalog. Used by the scanner to pair symbols across
// venues and price fees/leverage.
type MarketMeta struct {
	Market       string          // venue-native market id, e.g. "BTC-USD-PERP"
	Base         string          // base asset, e.g. "BTC"
	Quote        string          // quote/settlement asset, e.g. "USD"
	MaxLeverage  decimal.Decimal // venue-advertised max leverage
	TakerFeeRate decimal.Decimal // fraction, e.g. 0.0003
	MakerFeeRate decimal.Decimal // fraction
	FeeSource    string          // "api" or "official"
}

// Candle is one OHLCV bar, used for spread-history backfill.
type Candle struct {
	Ts     int64 // bar open, unix milliseconds
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the venue-neutral order the engine hands to an adapter.
type OrderRequest struct {
	Market     string          // venue-native market id
	Side       Side
	Type       OrderType
	Qty        decimal.Decimal
	Price      decimal.Decimal // limit price; ignored for MARKET
	PostOnly   bool            // reject instead of crossing (LIMIT only)
	ReduceOnly bool            // may only shrink the current position
	ClientID   string          // caller-assigned id for audit trails
}

// OrderResult is the adapter's synchronous answer to PlaceOrder.
type OrderResult struct {
	OrderID   string
	Status    string          // venue status, e.g. "FILLED", "OPEN", "REJECTED"
	FilledQty decimal.Decimal // quantity filled so far
	AvgPrice  decimal.Decimal // average fill price, zero if nothing filled
}

// Fill is a normalized execution the engine records against the ledger.
type Fill struct {
	Venue   Venue
	Market  string
	Symbol  string // cross-venue symbol, e.g. "BTC"
	Side    Side
	Qty     decimal.Decimal
	Price   decimal.Decimal
	Role    string // "taker" or "maker"
	Action  SignalAction
	OrderID string
	TsMs    int64 // unix milliseconds
}

// BalanceSummary is a venue account snapshot.
type BalanceSummary struct {
	Venue      Venue
	Asset      string // settlement asset the numbers are denominated in
	Equity     decimal.Decimal
	Available  decimal.Decimal
	MarginUsed decimal.Decimal
	UpdatedAt  time.Time
}

// PositionState is the signed per-venue exposure for one symbol.
// Positive legs are long base units, negative are short.
type PositionState struct {
	Symbol    string
	LegA      decimal.Decimal
	LegB      decimal.Decimal
	UpdatedAt time.Time
}

// Net returns legA + legB, the cross-venue net exposure.
func (p PositionState) Net() decimal.Decimal {
	return p.LegA.Add(p.LegB)
}

// ————————————————————————————————————————————————————————————————————————
// Strategy output
// ————————————————————————————————————————————————————————————————————————

// SpreadStats are the rolling statistics behind a signal, reported in
// basis points of the cross-venue mid.
type SpreadStats struct {
	EdgeAToBBps   decimal.Decimal
	EdgeBToABps   decimal.Decimal
	SignedEdgeBps decimal.Decimal
	MA            decimal.Decimal
	Std           decimal.Decimal
	ZScore        decimal.Decimal
	Samples       int
}

// Signal is one tick's decision from the spread engine.
type Signal struct {
	Action    SignalAction
	Direction Direction // set when Action is OPEN
	Reason    string    // short machine-readable cause, e.g. "z_entry"
	Stats     SpreadStats
	Batches   []decimal.Decimal // per-batch quantities for OPEN
}

// ————————————————————————————————————————————————————————————————————————
// Operator events and audit records
// ————————————————————————————————————————————————————————————————————————

// Event is an operator-visible occurrence: state transitions, signals,
// orders, guard trips, errors. Events are persisted replace-on-id and
// streamed to connected clients.
type Event struct {
	ID      string         `json:"id"`
	Ts      string         `json:"ts"` // UTC, RFC 3339
	Level   string         `json:"level"`
	Source  string         `json:"source"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Event levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Event sources.
const (
	SourceEngine  = "engine"
	SourceRisk    = "risk"
	SourceScanner = "scanner"
	SourceRuntime = "runtime"
	SourceAPI     = "api"
	SourceStore   = "store"
)

// TradeRecord is one executed fill as persisted to the trade log.
// Money fields are serialized as decimal strings. Tag describes the
// execution context, e.g. "open_taker", "open_maker", "close",
// "rebalance", "flatten".
type TradeRecord struct {
	ID      int64           `json:"id"`
	TsMs    int64           `json:"ts_ms"`
	Venue   Venue           `json:"venue"`
	Symbol  string          `json:"symbol"`
	Side    Side            `json:"side"`
	Qty     decimal.Decimal `json:"qty"`
	Price   decimal.Decimal `json:"price"`
	OrderID string          `json:"order_id"`
	Tag     string          `json:"tag"`
}

// SpreadPoint is one observation in the market spread history, feeding the
// scanner's z-score and warm-up windows. Unique per (symbol, ts, source).
type SpreadPoint struct {
	Symbol          string          `json:"symbol"`
	Ts              int64           `json:"ts"` // unix seconds
	Source          string          `json:"source"`
	SignedEdgeBps   decimal.Decimal `json:"signed_edge_bps"`
	TradableEdgePct decimal.Decimal `json:"tradable_edge_pct"`
}

// Spread history sources.
const (
	SpreadSourceScanner  = "scanner"
	SpreadSourceBackfill = "ohlcv_backfill"
)

// TopSpread is one ranked row from the universe scanner. Numeric fields are
// plain floats: this is a read-only ranking surface for the operator UI, not
// an execution path.
type TopSpread struct {
	Symbol             string  `json:"symbol"`
	VenueAMarket       string  `json:"venue_a_market"`
	VenueBMarket       string  `json:"venue_b_market"`
	BidA               float64 `json:"bid_a"`
	AskA               float64 `json:"ask_a"`
	BidB               float64 `json:"bid_b"`
	AskB               float64 `json:"ask_b"`
	ReferenceMid       float64 `json:"reference_mid"`
	SignedEdgeBps      float64 `json:"signed_edge_bps"`
	TradableEdgeBps    float64 `json:"tradable_edge_bps"`
	TradableEdgePct    float64 `json:"tradable_edge_pct"`
	Direction          string  `json:"direction"`
	LeverageA          float64 `json:"leverage_a"`
	LeverageB          float64 `json:"leverage_b"`
	EffectiveLeverage  float64 `json:"effective_leverage"`
	FeeRateTotal       float64 `json:"fee_rate_total"`
	FeeSource          string  `json:"fee_source"`
	GrossNominalSpread float64 `json:"gross_nominal_spread"`
	NetNominalSpread   float64 `json:"net_nominal_spread"`
	SpreadSpeedPctMin  float64 `json:"spread_speed_pct_per_min"`
	VolatilityPct      float64 `json:"volatility_pct"`
	ZScore             float64 `json:"zscore"`
	ZScoreStatus       string  `json:"zscore_status"`
	SampleCount        int     `json:"sample_count"`
	UpdatedAt          string  `json:"updated_at"`
}

var two = decimal.NewFromInt(2)
