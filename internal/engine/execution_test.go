package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"perp-arb/internal/config"
	"perp-arb/internal/exchange"
	"perp-arb/internal/strategy"
	"perp-arb/pkg/types"
)

// fakeAdapter records every order and answers from canned data.
type fakeAdapter struct {
	mu        sync.Mutex
	venue     types.Venue
	orders    []types.OrderRequest
	results   map[string]types.OrderResult // keyed by market, zero value = accept
	orderErr  error
	books     map[string]types.BBO
	positions map[string]decimal.Decimal
	balance   types.BalanceSummary
	healthy   bool
	simulated bool
	connected bool
}

func newFakeAdapter(venue types.Venue) *fakeAdapter {
	return &fakeAdapter{
		venue:     venue,
		results:   map[string]types.OrderResult{},
		books:     map[string]types.BBO{},
		positions: map[string]decimal.Decimal{},
		healthy:   true,
	}
}

func (f *fakeAdapter) Name() types.Venue { return f.venue }

func (f *fakeAdapter) Connect(ctx context.Context, markets []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeAdapter) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeAdapter) FetchBBO(market string) (types.BBO, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bbo, found := f.books[market]
	return bbo, found
}

func (f *fakeAdapter) FetchRESTBBO(ctx context.Context, market string) (types.BBO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bbo, found := f.books[market]
	if !found {
		return types.BBO{}, errors.New("no book")
	}
	return bbo, nil
}

func (f *fakeAdapter) FetchPosition(ctx context.Context, market string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[market], nil
}

func (f *fakeAdapter) FetchBalanceSummary(ctx context.Context) (types.BalanceSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return types.OrderResult{}, f.orderErr
	}
	f.orders = append(f.orders, req)
	result, found := f.results[req.Market]
	if !found {
		result = types.OrderResult{OrderID: "ord-" + req.Market, Status: "FILLED"}
	}
	return result, nil
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, market, orderID string) (bool, error) {
	return true, nil
}

func (f *fakeAdapter) SetSimulatedMarketData(simulated bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulated = simulated
	return nil
}

func (f *fakeAdapter) SimulatedMarketData() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.simulated
}

func (f *fakeAdapter) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAdapter) placedOrders() []types.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.OrderRequest, len(f.orders))
	copy(out, f.orders)
	return out
}

// ————————————————————————————————————————————————————————————————————————

func testSymbolCfg() config.SymbolConfig {
	return config.SymbolConfig{
		Symbol:       "BTC",
		VenueAMarket: "BTC-USD-PERP",
		VenueBMarket: "BTC-USD-PERP-B",
		Enabled:      true,
	}
}

func testStrategyCfg() config.StrategyConfig {
	return config.StrategyConfig{
		BaseOrderQty: decimal.RequireFromString("0.001"),
		MaxBatchQty:  decimal.RequireFromString("0.003"),
		MaxPosition:  decimal.RequireFromString("0.01"),
	}
}

func newTestExecutor(live bool) (*Executor, *fakeAdapter, *fakeAdapter, *strategy.Ledger) {
	a := newFakeAdapter(types.VenueA)
	b := newFakeAdapter(types.VenueB)
	ledger := strategy.NewLedger()
	x := NewExecutor(map[types.Venue]exchange.Adapter{
		types.VenueA: a,
		types.VenueB: b,
	}, exchange.NewLimiter(), ledger, live, nil)
	return x, a, b, ledger
}

func TestExecuteSignalHoldPassesReasonThrough(t *testing.T) {
	t.Parallel()
	x, _, _, _ := newTestExecutor(true)

	sig := types.Signal{Action: types.ActionHold, Reason: "awaiting_better_spread"}
	report := x.ExecuteSignal(context.Background(), testSymbolCfg(), sig, types.BBO{}, true, testStrategyCfg())
	if report.Message != "awaiting_better_spread" {
		t.Errorf("Message = %q, want %q", report.Message, "awaiting_better_spread")
	}
	if report.AttemptedOrders != 0 {
		t.Errorf("AttemptedOrders = %d, want 0", report.AttemptedOrders)
	}
}

func TestExecuteSignalLiveDisabledIsNoOp(t *testing.T) {
	t.Parallel()
	x, a, b, _ := newTestExecutor(false)

	sig := types.Signal{
		Action:    types.ActionOpen,
		Direction: types.DirectionLongAShortB,
		Batches:   []decimal.Decimal{decimal.RequireFromString("0.001")},
	}
	report := x.ExecuteSignal(context.Background(), testSymbolCfg(), sig, types.BBO{}, true, testStrategyCfg())
	if report.Message != "live orders disabled" {
		t.Errorf("Message = %q, want %q", report.Message, "live orders disabled")
	}
	if len(a.placedOrders()) != 0 || len(b.placedOrders()) != 0 {
		t.Errorf("orders placed with live disabled: A=%d B=%d", len(a.placedOrders()), len(b.placedOrders()))
	}
}

func TestOpenTwoLegSequencing(t *testing.T) {
	t.Parallel()
	x, a, b, _ := newTestExecutor(true)

	bboB := types.BBO{
		Bid: decimal.RequireFromString("99.9"),
		Ask: decimal.RequireFromString("100.2"),
	}
	sig := types.Signal{
		Action:    types.ActionOpen,
		Direction: types.DirectionLongAShortB,
		Batches: []decimal.Decimal{
			decimal.RequireFromString("0.001"),
			decimal.RequireFromString("0.002"),
		},
	}
	report := x.ExecuteSignal(context.Background(), testSymbolCfg(), sig, bboB, true, testStrategyCfg())

	if report.AttemptedOrders != 4 || report.SuccessOrders != 4 || report.FailedOrders != 0 {
		t.Fatalf("report = %d/%d/%d, want 4/4/0",
			report.AttemptedOrders, report.SuccessOrders, report.FailedOrders)
	}

	aOrders := a.placedOrders()
	if len(aOrders) != 2 {
		t.Fatalf("venue A orders = %d, want 2", len(aOrders))
	}
	for i, order := range aOrders {
		if order.Side != types.BUY || order.Type != types.OrderTypeMarket {
			t.Errorf("A order %d = %s %s, want BUY MARKET", i, order.Side, order.Type)
		}
	}
	if !aOrders[1].Qty.Equal(decimal.RequireFromString("0.002")) {
		t.Errorf("A batch 2 qty = %s, want 0.002", aOrders[1].Qty)
	}

	bOrders := b.placedOrders()
	if len(bOrders) != 2 {
		t.Fatalf("venue B orders = %d, want 2", len(bOrders))
	}
	for i, order := range bOrders {
		if order.Side != types.SELL || order.Type != types.OrderTypeLimit || !order.PostOnly {
			t.Errorf("B order %d = %s %s postOnly=%v, want SELL LIMIT postOnly", i, order.Side, order.Type, order.PostOnly)
		}
		if !order.Price.Equal(decimal.RequireFromString("100.2")) {
			t.Errorf("B order %d price = %s, want 100.2 (venue B ask)", i, order.Price)
		}
	}
	// Hedge sized to the taker fill.
	if !bOrders[0].Qty.Equal(aOrders[0].Qty) {
		t.Errorf("hedge qty = %s, want taker qty %s", bOrders[0].Qty, aOrders[0].Qty)
	}
}

func TestOpenTakerFailureAbandonsBatch(t *testing.T) {
	t.Parallel()
	x, a, b, _ := newTestExecutor(true)
	a.orderErr = errors.New("venue rejected")

	sig := types.Signal{
		Action:    types.ActionOpen,
		Direction: types.DirectionLongAShortB,
		Batches:   []decimal.Decimal{decimal.RequireFromString("0.001")},
	}
	bboB := types.BBO{Bid: decimal.RequireFromString("99.9"), Ask: decimal.RequireFromString("100.2")}
	report := x.ExecuteSignal(context.Background(), testSymbolCfg(), sig, bboB, true, testStrategyCfg())

	if report.FailedOrders != 1 || report.SuccessOrders != 0 {
		t.Errorf("report = failed %d success %d, want 1/0", report.FailedOrders, report.SuccessOrders)
	}
	if len(b.placedOrders()) != 0 {
		t.Errorf("hedge placed after taker failure: %d orders", len(b.placedOrders()))
	}
}

func TestOpenBlockedByRiskGate(t *testing.T) {
	t.Parallel()
	x, _, _, _ := newTestExecutor(true)

	sig := types.Signal{
		Action:    types.ActionOpen,
		Direction: types.DirectionLongAShortB,
		Batches:   []decimal.Decimal{decimal.RequireFromString("0.001")},
	}
	report := x.ExecuteSignal(context.Background(), testSymbolCfg(), sig, types.BBO{}, false, testStrategyCfg())
	if report.Message != "risk gate blocked open" {
		t.Errorf("Message = %q, want %q", report.Message, "risk gate blocked open")
	}
}

func TestOpenBlockedByMaxPosition(t *testing.T) {
	t.Parallel()
	x, _, _, ledger := newTestExecutor(true)
	ledger.SetPositions("BTC",
		decimal.RequireFromString("0.01"),
		decimal.RequireFromString("-0.01"))

	sig := types.Signal{
		Action:    types.ActionOpen,
		Direction: types.DirectionLongAShortB,
		Batches:   []decimal.Decimal{decimal.RequireFromString("0.001")},
	}
	report := x.ExecuteSignal(context.Background(), testSymbolCfg(), sig, types.BBO{}, true, testStrategyCfg())
	if report.Message != "max position reached" {
		t.Errorf("Message = %q, want %q", report.Message, "max position reached")
	}
}

func TestOpenRateLimited(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter(types.VenueA)
	b := newFakeAdapter(types.VenueB)
	limiter := exchange.NewLimiter()
	if err := limiter.Register(types.VenueA, exchange.ScopeOrder, 0.001, 1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	x := NewExecutor(map[types.Venue]exchange.Adapter{
		types.VenueA: a,
		types.VenueB: b,
	}, limiter, strategy.NewLedger(), true, nil)

	// Drain the single token, then the next submit must fail fast.
	if allowed, _ := limiter.TryAcquire(types.VenueA, exchange.ScopeOrder, 1); !allowed {
		t.Fatal("expected first token")
	}
	sig := types.Signal{
		Action:    types.ActionOpen,
		Direction: types.DirectionLongAShortB,
		Batches:   []decimal.Decimal{decimal.RequireFromString("0.001")},
	}
	bboB := types.BBO{Bid: decimal.RequireFromString("99.9"), Ask: decimal.RequireFromString("100.2")}
	report := x.ExecuteSignal(context.Background(), testSymbolCfg(), sig, bboB, true, testStrategyCfg())
	if report.FailedOrders != 1 {
		t.Errorf("FailedOrders = %d, want 1", report.FailedOrders)
	}
	if len(a.placedOrders()) != 0 {
		t.Errorf("order reached adapter despite empty bucket")
	}
}

func TestCloseCapsEachLeg(t *testing.T) {
	t.Parallel()
	x, a, b, ledger := newTestExecutor(true)
	ledger.SetPositions("BTC",
		decimal.RequireFromString("0.005"),
		decimal.RequireFromString("-0.0004"))

	sig := types.Signal{
		Action:  types.ActionClose,
		Batches: []decimal.Decimal{decimal.RequireFromString("0.001")},
	}
	report := x.ExecuteSignal(context.Background(), testSymbolCfg(), sig, types.BBO{}, true, testStrategyCfg())
	if report.Message != "close executed" {
		t.Errorf("Message = %q, want %q", report.Message, "close executed")
	}

	aOrders := a.placedOrders()
	if len(aOrders) != 1 {
		t.Fatalf("venue A orders = %d, want 1", len(aOrders))
	}
	// 0.005 long capped at the 0.001 close quantity.
	if aOrders[0].Side != types.SELL || !aOrders[0].Qty.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("A close = %s %s, want SELL 0.001", aOrders[0].Side, aOrders[0].Qty)
	}
	if !aOrders[0].ReduceOnly {
		t.Error("A close order not reduce-only")
	}

	bOrders := b.placedOrders()
	if len(bOrders) != 1 {
		t.Fatalf("venue B orders = %d, want 1", len(bOrders))
	}
	// 0.0004 short is smaller than the cap, closed in full with a BUY.
	if bOrders[0].Side != types.BUY || !bOrders[0].Qty.Equal(decimal.RequireFromString("0.0004")) {
		t.Errorf("B close = %s %s, want BUY 0.0004", bOrders[0].Side, bOrders[0].Qty)
	}
}

func TestFlattenClosesBothLegsInFull(t *testing.T) {
	t.Parallel()
	x, a, b, ledger := newTestExecutor(true)
	ledger.SetPositions("BTC",
		decimal.RequireFromString("0.005"),
		decimal.RequireFromString("-0.003"))

	report := x.Flatten(context.Background(), testSymbolCfg())
	if report.AttemptedOrders != 2 || report.SuccessOrders != 2 {
		t.Fatalf("report = %d/%d, want 2/2", report.AttemptedOrders, report.SuccessOrders)
	}
	aOrders := a.placedOrders()
	bOrders := b.placedOrders()
	if !aOrders[0].Qty.Equal(decimal.RequireFromString("0.005")) {
		t.Errorf("A flatten qty = %s, want 0.005", aOrders[0].Qty)
	}
	if bOrders[0].Side != types.BUY || !bOrders[0].Qty.Equal(decimal.RequireFromString("0.003")) {
		t.Errorf("B flatten = %s %s, want BUY 0.003", bOrders[0].Side, bOrders[0].Qty)
	}
}

func TestRebalanceExecutesPlannedOrders(t *testing.T) {
	t.Parallel()
	x, a, _, _ := newTestExecutor(true)

	orders := []strategy.RebalanceOrder{
		{Venue: types.VenueA, Side: types.SELL, Qty: decimal.RequireFromString("0.002")},
	}
	report := x.Rebalance(context.Background(), testSymbolCfg(), orders)
	if report.Message != "rebalance executed" {
		t.Errorf("Message = %q, want %q", report.Message, "rebalance executed")
	}
	aOrders := a.placedOrders()
	if len(aOrders) != 1 || !aOrders[0].ReduceOnly {
		t.Fatalf("venue A orders = %+v, want one reduce-only", aOrders)
	}
}

func TestOpenFillsRouteThroughLedgerAndHandler(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter(types.VenueA)
	b := newFakeAdapter(types.VenueB)
	ledger := strategy.NewLedger()
	var fills []types.Fill
	var fillMu sync.Mutex
	x := NewExecutor(map[types.Venue]exchange.Adapter{
		types.VenueA: a,
		types.VenueB: b,
	}, exchange.NewLimiter(), ledger, true, func(fill types.Fill) {
		fillMu.Lock()
		fills = append(fills, fill)
		fillMu.Unlock()
	})

	sig := types.Signal{
		Action:    types.ActionOpen,
		Direction: types.DirectionLongAShortB,
		Batches:   []decimal.Decimal{decimal.RequireFromString("0.001")},
	}
	bboB := types.BBO{Bid: decimal.RequireFromString("99.9"), Ask: decimal.RequireFromString("100.2")}
	x.ExecuteSignal(context.Background(), testSymbolCfg(), sig, bboB, true, testStrategyCfg())

	fillMu.Lock()
	defer fillMu.Unlock()
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if fills[0].Role != "taker" || fills[1].Role != "maker" {
		t.Errorf("fill roles = %s/%s, want taker/maker", fills[0].Role, fills[1].Role)
	}

	state := ledger.State("BTC")
	if !state.LegA.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("leg A = %s, want 0.001", state.LegA)
	}
	if !state.LegB.Equal(decimal.RequireFromString("-0.001")) {
		t.Errorf("leg B = %s, want -0.001", state.LegB)
	}
}
