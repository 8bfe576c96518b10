// Package engine runs the arbitrage loop: one orchestrated goroutine per
// symbol feeding quotes to the strategy and routing its signals through
// the execution engine to both venue adapters.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perp-arb/internal/config"
	"perp-arb/internal/exchange"
	"perp-arb/internal/strategy"
	"perp-arb/pkg/types"
)

// orderAcquireTimeout bounds the wait for an order-scope rate-limit token.
// A congested bucket surfaces as a rate-limited order, not a stall.
const orderAcquireTimeout = 800 * time.Millisecond

// ExecutionReport summarizes one execution pass for events and the API.
type ExecutionReport struct {
	Signal          types.Signal `json:"signal"`
	AttemptedOrders int          `json:"attempted_orders"`
	SuccessOrders   int          `json:"success_orders"`
	FailedOrders    int          `json:"failed_orders"`
	Message         string       `json:"message"`
	OrderIDs        []string     `json:"order_ids,omitempty"`
}

// FillHandler receives every recorded fill after the ledger is updated.
type FillHandler func(types.Fill)

type submitOutcome struct {
	ok        bool
	orderID   string
	filledQty decimal.Decimal
	avgPrice  decimal.Decimal
	message   string
}

// Executor turns strategy signals into venue orders. Venue A is always the
// aggressor leg (taker market), venue B hedges with a post-only limit.
type Executor struct {
	adapters map[types.Venue]exchange.Adapter
	limiter  *exchange.Limiter
	ledger   *strategy.Ledger

	mu          sync.RWMutex
	liveEnabled bool

	onFill FillHandler
}

// NewExecutor wires the executor to both adapters and the shared ledger.
// onFill may be nil.
func NewExecutor(adapters map[types.Venue]exchange.Adapter, limiter *exchange.Limiter, ledger *strategy.Ledger, liveEnabled bool, onFill FillHandler) *Executor {
	return &Executor{
		adapters:    adapters,
		limiter:     limiter,
		ledger:      ledger,
		liveEnabled: liveEnabled,
		onFill:      onFill,
	}
}

// SetLiveEnabled flips the live-order gate.
func (x *Executor) SetLiveEnabled(enabled bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.liveEnabled = enabled
}

// LiveEnabled reports the current gate state.
func (x *Executor) LiveEnabled() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.liveEnabled
}

// ExecuteSignal runs one strategy signal. bboB supplies the hedge pricing
// for OPEN; canOpen is the orchestrator's combined risk gate.
func (x *Executor) ExecuteSignal(ctx context.Context, symbolCfg config.SymbolConfig, sig types.Signal, bboB types.BBO, canOpen bool, strat config.StrategyConfig) ExecutionReport {
	if sig.Action == types.ActionHold {
		return ExecutionReport{Signal: sig, Message: sig.Reason}
	}
	if !x.LiveEnabled() {
		return ExecutionReport{Signal: sig, Message: "live orders disabled"}
	}

	switch sig.Action {
	case types.ActionOpen:
		if !canOpen {
			return ExecutionReport{Signal: sig, FailedOrders: 1, Message: "risk gate blocked open"}
		}
		if !x.ledger.CanOpen(symbolCfg.Symbol, strat.MaxPosition) {
			return ExecutionReport{Signal: sig, FailedOrders: 1, Message: "max position reached"}
		}
		return x.openBatches(ctx, symbolCfg, sig, bboB)
	case types.ActionClose:
		return x.closePosition(ctx, symbolCfg, sig, strat)
	default:
		return ExecutionReport{Signal: sig, FailedOrders: 1, Message: "unknown signal action"}
	}
}

// openBatches fires the two-leg OPEN protocol per batch: taker market on A,
// then a post-only limit on B sized to the A fill.
func (x *Executor) openBatches(ctx context.Context, symbolCfg config.SymbolConfig, sig types.Signal, bboB types.BBO) ExecutionReport {
	report := ExecutionReport{Signal: sig, Message: "open executed"}
	sideA, sideB := sig.Direction.Legs()

	hedgePrice := bboB.Bid
	if sideB == types.SELL {
		hedgePrice = bboB.Ask
	}

	for _, qty := range sig.Batches {
		report.AttemptedOrders++
		taker := x.submit(ctx, types.VenueA, types.OrderRequest{
			Market:   symbolCfg.VenueAMarket,
			Side:     sideA,
			Type:     types.OrderTypeMarket,
			Qty:      qty,
			ClientID: newClientID(),
		})
		if !taker.ok || !taker.filledQty.IsPositive() {
			report.FailedOrders++
			continue
		}
		report.SuccessOrders++
		report.OrderIDs = append(report.OrderIDs, taker.orderID)
		x.recordFill(types.VenueA, symbolCfg, sideA, taker, "taker", types.ActionOpen)

		report.AttemptedOrders++
		hedge := x.submit(ctx, types.VenueB, types.OrderRequest{
			Market:   symbolCfg.VenueBMarket,
			Side:     sideB,
			Type:     types.OrderTypeLimit,
			Qty:      taker.filledQty,
			Price:    hedgePrice,
			PostOnly: true,
			ClientID: newClientID(),
		})
		if !hedge.ok {
			report.FailedOrders++
			continue
		}
		// A resting post-only acks with zero filled; the hedge is still in
		// place for the full taker quantity at the limit price.
		if hedge.filledQty.IsZero() {
			hedge.filledQty = taker.filledQty
		}
		if hedge.avgPrice.IsZero() {
			hedge.avgPrice = hedgePrice
		}
		report.SuccessOrders++
		report.OrderIDs = append(report.OrderIDs, hedge.orderID)
		x.recordFill(types.VenueB, symbolCfg, sideB, hedge, "maker", types.ActionOpen)
	}
	return report
}

// closePosition reduces each non-zero leg by min(|leg|, c) with reduce-only
// markets, where c is the batch total or base_order_qty.
func (x *Executor) closePosition(ctx context.Context, symbolCfg config.SymbolConfig, sig types.Signal, strat config.StrategyConfig) ExecutionReport {
	closeQty := strat.BaseOrderQty
	if len(sig.Batches) > 0 {
		closeQty = decimal.Zero
		for _, b := range sig.Batches {
			closeQty = closeQty.Add(b)
		}
	}

	state := x.ledger.State(symbolCfg.Symbol)
	reqs := reduceLegOrders(symbolCfg, state, closeQty)
	report := x.executeOrders(ctx, symbolCfg, reqs, types.ActionClose)
	report.Signal = sig
	report.Message = "close executed"
	return report
}

// Rebalance executes the planner's counter-orders as reduce-only markets.
func (x *Executor) Rebalance(ctx context.Context, symbolCfg config.SymbolConfig, orders []strategy.RebalanceOrder) ExecutionReport {
	sig := types.Signal{
		Action:  types.ActionRebalance,
		Reason:  "position_rebalance",
		Batches: batchesOf(orders),
	}
	if !x.LiveEnabled() {
		return ExecutionReport{Signal: sig, Message: "live orders disabled"}
	}

	reqs := make([]orderPlan, 0, len(orders))
	for _, o := range orders {
		market := symbolCfg.VenueAMarket
		if o.Venue == types.VenueB {
			market = symbolCfg.VenueBMarket
		}
		reqs = append(reqs, orderPlan{
			venue: o.Venue,
			req: types.OrderRequest{
				Market:     market,
				Side:       o.Side,
				Type:       types.OrderTypeMarket,
				Qty:        o.Qty,
				ReduceOnly: true,
				ClientID:   newClientID(),
			},
		})
	}
	report := x.executeOrders(ctx, symbolCfg, reqs, types.ActionRebalance)
	report.Signal = sig
	report.Message = "rebalance executed"
	return report
}

// Flatten zeroes both legs with reduce-only market orders.
func (x *Executor) Flatten(ctx context.Context, symbolCfg config.SymbolConfig) ExecutionReport {
	sig := types.Signal{Action: types.ActionFlatten, Reason: "flatten"}
	if !x.LiveEnabled() {
		return ExecutionReport{Signal: sig, Message: "live orders disabled"}
	}

	state := x.ledger.State(symbolCfg.Symbol)
	reqs := reduceLegOrders(symbolCfg, state, decimal.Zero)
	report := x.executeOrders(ctx, symbolCfg, reqs, types.ActionFlatten)
	report.Signal = sig
	report.Message = "flatten executed"
	return report
}

type orderPlan struct {
	venue types.Venue
	req   types.OrderRequest
}

// reduceLegOrders builds one reduce-only market per non-zero leg. A zero
// limit means close the whole leg.
func reduceLegOrders(symbolCfg config.SymbolConfig, state types.PositionState, limit decimal.Decimal) []orderPlan {
	var plans []orderPlan
	legs := []struct {
		venue  types.Venue
		market string
		pos    decimal.Decimal
	}{
		{types.VenueA, symbolCfg.VenueAMarket, state.LegA},
		{types.VenueB, symbolCfg.VenueBMarket, state.LegB},
	}
	for _, leg := range legs {
		if leg.pos.IsZero() {
			continue
		}
		side := types.SELL
		if leg.pos.IsNegative() {
			side = types.BUY
		}
		qty := leg.pos.Abs()
		if limit.IsPositive() && qty.GreaterThan(limit) {
			qty = limit
		}
		plans = append(plans, orderPlan{
			venue: leg.venue,
			req: types.OrderRequest{
				Market:     leg.market,
				Side:       side,
				Type:       types.OrderTypeMarket,
				Qty:        qty,
				ReduceOnly: true,
				ClientID:   newClientID(),
			},
		})
	}
	return plans
}

func (x *Executor) executeOrders(ctx context.Context, symbolCfg config.SymbolConfig, plans []orderPlan, action types.SignalAction) ExecutionReport {
	var report ExecutionReport
	for _, plan := range plans {
		report.AttemptedOrders++
		out := x.submit(ctx, plan.venue, plan.req)
		if !out.ok || !out.filledQty.IsPositive() {
			report.FailedOrders++
			continue
		}
		report.SuccessOrders++
		report.OrderIDs = append(report.OrderIDs, out.orderID)
		x.recordFill(plan.venue, symbolCfg, plan.req.Side, out, "taker", action)
	}
	return report
}

// submit acquires the venue's order bucket, places the order, and applies
// the market-fill fixup: success with zero filled on a MARKET order means
// the full requested quantity filled (adapters fill markets synchronously).
func (x *Executor) submit(ctx context.Context, venue types.Venue, req types.OrderRequest) submitOutcome {
	allowed, err := x.limiter.Acquire(ctx, venue, exchange.ScopeOrder, 1, orderAcquireTimeout)
	if err != nil || !allowed {
		return submitOutcome{message: "rate limited"}
	}

	adapter := x.adapters[venue]
	result, err := adapter.PlaceOrder(ctx, req)
	if err != nil {
		return submitOutcome{message: err.Error()}
	}

	filled := result.FilledQty
	if filled.IsZero() && req.Type == types.OrderTypeMarket {
		filled = req.Qty
	}
	return submitOutcome{
		ok:        true,
		orderID:   result.OrderID,
		filledQty: filled,
		avgPrice:  result.AvgPrice,
	}
}

func (x *Executor) recordFill(venue types.Venue, symbolCfg config.SymbolConfig, side types.Side, out submitOutcome, role string, action types.SignalAction) {
	market := symbolCfg.VenueAMarket
	if venue == types.VenueB {
		market = symbolCfg.VenueBMarket
	}
	fill := types.Fill{
		Venue:   venue,
		Market:  market,
		Symbol:  symbolCfg.Symbol,
		Side:    side,
		Qty:     out.filledQty,
		Price:   out.avgPrice,
		Role:    role,
		Action:  action,
		OrderID: out.orderID,
		TsMs:    time.Now().UnixMilli(),
	}
	x.ledger.ApplyFill(fill)
	if x.onFill != nil {
		x.onFill(fill)
	}
}

func batchesOf(orders []strategy.RebalanceOrder) []decimal.Decimal {
	out := make([]decimal.Decimal, len(orders))
	for i, o := range orders {
		out[i] = o.Qty
	}
	return out
}

func newClientID() string {
	return uuid.NewString()
}
