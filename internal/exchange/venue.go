// venue.go holds the adapter shell shared by both venues.
//
// VenueAdapter implements the Adapter and Catalog ports. The venue-specific
// REST/WS dialect lives behind the liveClient interface (venue_a.go,
// venue_b.go); the simulated branch lives in sim.go. Switching between them
// is a single flag, so everything above sees identical behavior either way.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"perp-arb/pkg/types"
)

// marketDataAcquireTimeout bounds REST book/candle pulls waiting on the
// market-data bucket.
const marketDataAcquireTimeout = time.Second

// liveClient is the venue-specific REST/WS dialect.
type liveClient interface {
	venue() types.Venue
	wsURL() string
	subscribeWS(conn *websocket.Conn, markets []string) error
	parseFrame(data []byte) []BBOUpdate
	healthCheck(ctx context.Context) error
	listMarkets(ctx context.Context) ([]types.MarketMeta, error)
	topOfBook(ctx context.Context, market string, depth int) (types.BBO, error)
	candles(ctx context.Context, market string, limit int) ([]types.Candle, error)
	position(ctx context.Context, market string) (decimal.Decimal, error)
	balance(ctx context.Context) (types.BalanceSummary, error)
	placeOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error)
	cancelOrder(ctx context.Context, market, orderID string) (bool, error)
}

// VenueAdapter is one venue's Adapter + Catalog implementation.
type VenueAdapter struct {
	client  liveClient
	sim     *simulator
	limiter *Limiter
	logger  *slog.Logger

	mu        sync.Mutex
	hooks     FeedHooks
	feed      *WSFeed
	connected bool
	simulated bool
	markets   []string
}

// NewVenueAdapter wraps a venue client. When simulated is true, market data
// and fills come from a local simulator until the mode is switched.
func NewVenueAdapter(client liveClient, limiter *Limiter, simulated bool, logger *slog.Logger) *VenueAdapter {
	return &VenueAdapter{
		client:    client,
		sim:       newSimulator(client.venue(), time.Now().UnixNano()),
		limiter:   limiter,
		simulated: simulated,
		logger:    logger.With("component", "adapter", "venue", client.venue()),
	}
}

// SetFeedHooks registers liveness callbacks. Must be called before Connect.
func (a *VenueAdapter) SetFeedHooks(hooks FeedHooks) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = hooks
}

// Name implements Adapter.
func (a *VenueAdapter) Name() types.Venue { return a.client.venue() }

// Venue implements Catalog.
func (a *VenueAdapter) Venue() types.Venue { return a.client.venue() }

// Connect opens the market-data session. The given ctx bounds the feed's
// lifetime: cancelling it stops reconnection attempts.
func (a *VenueAdapter) Connect(ctx context.Context, markets []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}
	a.markets = append([]string(nil), markets...)

	if a.simulated {
		for _, m := range markets {
			a.sim.BBO(m) // seed the walk
		}
		a.connected = true
		a.hooks.connected(a.client.venue())
		a.logger.Info("connected (simulated market data)", "markets", len(markets))
		return nil
	}

	feed := NewWSFeed(a.client.venue(), a.client.wsURL(),
		a.client.subscribeWS, a.client.parseFrame, a.hooks, a.logger)
	feed.Start(ctx, markets)
	a.feed = feed
	a.connected = true
	a.logger.Info("connected", "markets", len(markets))
	return nil
}

// Disconnect tears the session down. Safe to call twice.
func (a *VenueAdapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil
	}
	if a.feed != nil {
		a.feed.Stop()
		a.feed = nil
	}
	a.connected = false
	a.hooks.disconnected(a.client.venue())
	a.logger.Info("disconnected")
	return nil
}

// HealthCheck implements Adapter. Simulated venues are always healthy.
func (a *VenueAdapter) HealthCheck(ctx context.Context) bool {
	if a.isSimulated() {
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := a.client.healthCheck(probeCtx); err != nil {
		a.logger.Warn("health check failed", "error", err)
		return false
	}
	return true
}

// FetchBBO returns the freshest WS-side quote. In simulated mode each call
// advances the walk and counts as a feed message.
func (a *VenueAdapter) FetchBBO(market string) (types.BBO, bool) {
	if a.isSimulated() {
		bbo := a.sim.BBO(market)
		a.hooksCopy().message(a.client.venue())
		return bbo, true
	}
	a.mu.Lock()
	feed := a.feed
	a.mu.Unlock()
	if feed == nil {
		return types.BBO{}, false
	}
	return feed.Latest(market)
}

// FetchRESTBBO pulls a top-of-book quote over REST (or the simulator's
// REST-biased view).
func (a *VenueAdapter) FetchRESTBBO(ctx context.Context, market string) (types.BBO, error) {
	if a.isSimulated() {
		return a.sim.RESTBBO(market), nil
	}
	if err := a.acquireMarketData(ctx); err != nil {
		return types.BBO{}, err
	}
	return a.client.topOfBook(ctx, market, 1)
}

// FetchPosition implements Adapter.
func (a *VenueAdapter) FetchPosition(ctx context.Context, market string) (decimal.Decimal, error) {
	if a.isSimulated() {
		return a.sim.Position(market), nil
	}
	return a.client.position(ctx, market)
}

// FetchBalanceSummary implements Adapter.
func (a *VenueAdapter) FetchBalanceSummary(ctx context.Context) (types.BalanceSummary, error) {
	if a.isSimulated() {
		return a.sim.Balance(), nil
	}
	return a.client.balance(ctx)
}

// PlaceOrder implements Adapter. The execution engine owns the order-scope
// rate limit and the live-order gate; by the time a request reaches the
// adapter it is meant to be sent.
func (a *VenueAdapter) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	if a.isSimulated() {
		return a.sim.PlaceOrder(req)
	}
	return a.client.placeOrder(ctx, req)
}

// CancelOrder implements Adapter. Simulated fills are synchronous, so there
// is never a resting order to cancel.
func (a *VenueAdapter) CancelOrder(ctx context.Context, market, orderID string) (bool, error) {
	if a.isSimulated() {
		return false, nil
	}
	return a.client.cancelOrder(ctx, market, orderID)
}

// SetSimulatedMarketData implements Adapter.
func (a *VenueAdapter) SetSimulatedMarketData(simulated bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return ErrSimSwitchWhileConnected
	}
	a.simulated = simulated
	return nil
}

// SimulatedMarketData implements Adapter.
func (a *VenueAdapter) SimulatedMarketData() bool { return a.isSimulated() }

// ListMarkets implements Catalog.
func (a *VenueAdapter) ListMarkets(ctx context.Context) ([]types.MarketMeta, error) {
	if a.isSimulated() {
		return a.sim.ListMarkets(ctx)
	}
	if err := a.acquireMarketData(ctx); err != nil {
		return nil, err
	}
	return a.client.listMarkets(ctx)
}

// FetchTopOfBook implements Catalog.
func (a *VenueAdapter) FetchTopOfBook(ctx context.Context, market string, depth int) (types.BBO, error) {
	if a.isSimulated() {
		return a.sim.TopOfBook(ctx, market, depth)
	}
	if err := a.acquireMarketData(ctx); err != nil {
		return types.BBO{}, err
	}
	return a.client.topOfBook(ctx, market, depth)
}

// FetchCandles implements Catalog.
func (a *VenueAdapter) FetchCandles(ctx context.Context, market string, limit int) ([]types.Candle, error) {
	if a.isSimulated() {
		return a.sim.Candles(ctx, market, limit)
	}
	if err := a.acquireMarketData(ctx); err != nil {
		return nil, err
	}
	return a.client.candles(ctx, market, limit)
}

func (a *VenueAdapter) isSimulated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.simulated
}

func (a *VenueAdapter) hooksCopy() FeedHooks {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hooks
}

func (a *VenueAdapter) acquireMarketData(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	ok, err := a.limiter.Acquire(ctx, a.client.venue(), ScopeMarketData, 1, marketDataAcquireTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s market-data rate limited", a.client.venue())
	}
	return nil
}
