// adapter.go defines the venue-neutral port the engine trades through.
//
// Each venue implements Adapter once; a runtime flag switches the
// implementation between live venue I/O and a local simulator that
// synthesizes quotes and fills. The two must be interchangeable: everything
// above this interface is unaware of which one it is talking to.
package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"perp-arb/pkg/types"
)

var (
	// ErrNotConnected is returned by calls that need an active session.
	ErrNotConnected = errors.New("adapter not connected")

	// ErrSimSwitchWhileConnected rejects market-data mode changes on a
	// connected adapter. The orchestrator must be stopped first.
	ErrSimSwitchWhileConnected = errors.New("cannot switch market-data mode while connected")
)

// Adapter is the capability set the engine needs from one venue.
type Adapter interface {
	// Name identifies which venue this adapter trades on.
	Name() types.Venue

	// Connect opens the market-data session for the given venue-native
	// markets. In live mode this dials the WS feed; in simulated mode it
	// seeds the local walks.
	Connect(ctx context.Context, markets []string) error

	// Disconnect tears the session down. Safe to call twice.
	Disconnect(ctx context.Context) error

	// HealthCheck probes venue reachability. It must return within the
	// adapter's own bounded timeout.
	HealthCheck(ctx context.Context) bool

	// FetchBBO returns the freshest WS-sourced quote for the market, if any.
	// It never performs I/O.
	FetchBBO(market string) (types.BBO, bool)

	// FetchRESTBBO pulls a top-of-book quote over REST.
	FetchRESTBBO(ctx context.Context, market string) (types.BBO, error)

	// FetchPosition returns the signed base-unit position for the market.
	FetchPosition(ctx context.Context, market string) (decimal.Decimal, error)

	// FetchBalanceSummary returns the venue account snapshot.
	FetchBalanceSummary(ctx context.Context) (types.BalanceSummary, error)

	// PlaceOrder submits an order and returns the venue's synchronous ack.
	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error)

	// CancelOrder cancels a resting order. Returns false when the venue no
	// longer knows the order.
	CancelOrder(ctx context.Context, market, orderID string) (bool, error)

	// SetSimulatedMarketData switches between live and simulated market
	// data. Only allowed while disconnected.
	SetSimulatedMarketData(simulated bool) error

	// SimulatedMarketData reports the current mode.
	SimulatedMarketData() bool
}

// Catalog is the read-only instrument surface the universe scanner consumes.
// Both live venue clients and the simulator implement it.
type Catalog interface {
	Venue() types.Venue

	// ListMarkets enumerates the venue's perpetual instruments.
	ListMarkets(ctx context.Context) ([]types.MarketMeta, error)

	// FetchTopOfBook pulls a depth-limited book and reduces it to a BBO.
	FetchTopOfBook(ctx context.Context, market string, depth int) (types.BBO, error)

	// FetchCandles returns up to limit 1-minute bars, oldest first.
	FetchCandles(ctx context.Context, market string, limit int) ([]types.Candle, error)
}
