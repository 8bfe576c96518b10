package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-arb/internal/config"
	"perp-arb/internal/exchange"
	"perp-arb/internal/market"
	"perp-arb/internal/risk"
	"perp-arb/internal/store"
	"perp-arb/internal/strategy"
	"perp-arb/pkg/types"
)

// Status is the engine lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// RiskState is the per-symbol gate breakdown attached to each snapshot.
type RiskState struct {
	Stale         bool   `json:"stale"`
	ConsistencyOK bool   `json:"consistency_ok"`
	HealthOK      bool   `json:"health_ok"`
	WsOK          bool   `json:"ws_ok"`
	CanOpen       bool   `json:"can_open"`
	Reason        string `json:"reason"`
}

// SymbolSnapshot is the per-symbol state pushed to clients every tick.
type SymbolSnapshot struct {
	Symbol         string    `json:"symbol"`
	Status         string    `json:"status"`
	Signal         string    `json:"signal"`
	VenueABid      float64   `json:"venue_a_bid"`
	VenueAAsk      float64   `json:"venue_a_ask"`
	VenueAMid      float64   `json:"venue_a_mid"`
	VenueBBid      float64   `json:"venue_b_bid"`
	VenueBAsk      float64   `json:"venue_b_ask"`
	VenueBMid      float64   `json:"venue_b_mid"`
	SpreadBps      float64   `json:"spread_bps"`
	ZScore         float64   `json:"zscore"`
	NetPosition    float64   `json:"net_position"`
	TargetPosition float64   `json:"target_position"`
	VenueAPosition float64   `json:"venue_a_position"`
	VenueBPosition float64   `json:"venue_b_position"`
	UpdatedAt      string    `json:"updated_at"`
	Risk           RiskState `json:"risk"`
}

// Orchestrator owns the full trading runtime: adapters, guards, strategy,
// execution, persistence, and the event stream the web layer consumes.
type Orchestrator struct {
	cfgMu sync.RWMutex
	cfg   config.Config

	adapterA exchange.Adapter
	adapterB exchange.Adapter
	limiter  *exchange.Limiter
	books    *market.BookCache
	spread   *strategy.SpreadEngine
	ledger   *strategy.Ledger
	perf     *strategy.PerformanceTracker

	health      *risk.HealthGuard
	consistency *risk.ConsistencyGuard
	wsSup       *risk.WSSupervisor

	executor *Executor
	repo     *store.Store
	csv      *store.CSVLogger
	logger   *slog.Logger

	statusMu  sync.Mutex
	status    Status
	startedAt string
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	stateMu        sync.RWMutex
	mode           types.Mode
	consistencyOK  map[string]bool
	snapshots      map[string]SymbolSnapshot
	selectedSymbol string

	events *eventBuffer

	subMu sync.Mutex
	subs  map[*Subscriber]struct{}
}

// Deps bundles the externally-constructed pieces the orchestrator wires up.
type Deps struct {
	AdapterA exchange.Adapter
	AdapterB exchange.Adapter
	Limiter  *exchange.Limiter
	Store    *store.Store
	CSV      *store.CSVLogger
	Logger   *slog.Logger
}

// New builds the orchestrator. Deps.Store and Deps.CSV may be nil in tests.
func New(cfg config.Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:           cfg,
		adapterA:      deps.AdapterA,
		adapterB:      deps.AdapterB,
		limiter:       deps.Limiter,
		books:         market.NewBookCache(int64(cfg.Risk.StaleMs)),
		spread:        strategy.NewSpreadEngine(cfg.Strategy),
		ledger:        strategy.NewLedger(),
		perf:          strategy.NewPerformanceTracker(),
		health:        risk.NewHealthGuard(cfg.Risk.HealthFailThreshold, cfg.Risk.HealthCacheMs),
		consistency:   risk.NewConsistencyGuard(cfg.Risk.ConsistencyToleranceBps, cfg.Risk.ConsistencyMaxFailures),
		wsSup:         risk.NewWSSupervisor(cfg.Risk.WsIdleTimeoutSec),
		repo:          deps.Store,
		csv:           deps.CSV,
		logger:        deps.Logger.With("component", "orchestrator"),
		status:        StatusStopped,
		mode:          types.Mode(cfg.Runtime.DefaultMode),
		consistencyOK: map[string]bool{},
		snapshots:     map[string]SymbolSnapshot{},
		events:        newEventBuffer(500),
		subs:          map[*Subscriber]struct{}{},
	}
	if !types.ValidMode(string(o.mode)) {
		o.mode = types.ModeNormalArb
	}
	for _, sym := range cfg.Symbols {
		if sym.Enabled {
			o.selectedSymbol = sym.Symbol
			break
		}
	}
	o.executor = NewExecutor(
		map[types.Venue]exchange.Adapter{
			types.VenueA: deps.AdapterA,
			types.VenueB: deps.AdapterB,
		},
		deps.Limiter,
		o.ledger,
		cfg.Runtime.LiveOrderEnabled,
		o.handleFill,
	)
	return o
}

// Executor exposes the execution engine, mainly for the API flatten route.
func (o *Orchestrator) Executor() *Executor { return o.executor }

// Ledger exposes the position ledger for status building.
func (o *Orchestrator) Ledger() *strategy.Ledger { return o.ledger }

// Config returns a copy of the current runtime configuration.
func (o *Orchestrator) Config() config.Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// Status returns the engine lifecycle state.
func (o *Orchestrator) Status() Status {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	return o.status
}

func (o *Orchestrator) setStatus(s Status) {
	o.statusMu.Lock()
	o.status = s
	o.statusMu.Unlock()
}

// Start connects both adapters and launches one loop per enabled symbol.
// It returns false with a message when the engine cannot start.
func (o *Orchestrator) Start(ctx context.Context) (bool, string) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()

	if o.status == StatusStarting || o.status == StatusRunning {
		return false, "engine already running"
	}
	o.status = StatusStarting

	cfg := o.Config()
	if cfg.Runtime.SimulatedMarketData && cfg.Runtime.LiveOrderEnabled {
		o.status = StatusStopped
		o.emitEvent(types.LevelError, types.SourceEngine,
			"live orders are not allowed with simulated market data, switch to live data first", nil)
		return false, "live orders forbidden in simulated market data mode"
	}

	symbols := enabledSymbols(cfg)
	if len(symbols) == 0 {
		o.status = StatusStopped
		return false, "select a trading pair"
	}

	marketsA := make([]string, 0, len(symbols))
	marketsB := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		marketsA = append(marketsA, sym.VenueAMarket)
		marketsB = append(marketsB, sym.VenueBMarket)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := o.adapterA.Connect(runCtx, marketsA); err != nil {
		cancel()
		o.status = StatusError
		o.emitEvent(types.LevelError, types.SourceEngine, fmt.Sprintf("start failed: %v", err), nil)
		return false, fmt.Sprintf("start failed: %v", err)
	}
	if err := o.adapterB.Connect(runCtx, marketsB); err != nil {
		_ = o.adapterA.Disconnect(context.Background())
		cancel()
		o.status = StatusError
		o.emitEvent(types.LevelError, types.SourceEngine, fmt.Sprintf("start failed: %v", err), nil)
		return false, fmt.Sprintf("start failed: %v", err)
	}
	o.wsSup.MarkConnected(types.VenueA)
	o.wsSup.MarkConnected(types.VenueB)

	o.cancel = cancel
	o.perf.Reset(utcNow(), initialEquity)
	o.seedSpreadWindows(symbols, cfg)
	for _, sym := range symbols {
		o.wg.Add(1)
		go o.runSymbolLoop(runCtx, sym)
	}

	o.status = StatusRunning
	o.startedAt = utcNow()
	o.emitEvent(types.LevelInfo, types.SourceEngine, "arbitrage engine started", map[string]any{
		"symbols": len(symbols),
	})
	return true, "engine started"
}

// Stop cancels the symbol loops and disconnects both adapters. Safe to
// call when already stopped.
func (o *Orchestrator) Stop() (bool, string) {
	o.statusMu.Lock()
	if o.status == StatusStopped || o.status == StatusStopping {
		o.statusMu.Unlock()
		return false, "engine not running"
	}
	o.status = StatusStopping
	cancel := o.cancel
	o.cancel = nil
	o.statusMu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Loops may be mid-iteration and read engine status, so the lock must
	// not be held while waiting for them.
	o.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = o.adapterA.Disconnect(ctx)
	_ = o.adapterB.Disconnect(ctx)

	o.setStatus(StatusStopped)
	o.emitEvent(types.LevelInfo, types.SourceEngine, "arbitrage engine stopped", nil)
	return true, "engine stopped"
}

// Shutdown stops the engine if needed and closes persistence.
func (o *Orchestrator) Shutdown() {
	if o.Status() != StatusStopped {
		o.Stop()
	}
	if o.repo != nil {
		_ = o.repo.Close()
	}
}

var initialEquity = decimal.NewFromInt(100000)

// seedSpreadWindows preloads each symbol's rolling window from persisted
// spread history so a restart does not re-enter warm-up.
func (o *Orchestrator) seedSpreadWindows(symbols []config.SymbolConfig, cfg config.Config) {
	if o.repo == nil {
		return
	}
	window := cfg.Strategy.MAWindow
	if cfg.Strategy.StdWindow > window {
		window = cfg.Strategy.StdWindow
	}
	for _, sym := range symbols {
		points, err := o.repo.RecentSpreadPoints(sym.Symbol, window)
		if err != nil || len(points) == 0 {
			continue
		}
		edges := make([]decimal.Decimal, 0, len(points))
		for _, p := range points {
			edges = append(edges, p.SignedEdgeBps)
		}
		o.spread.Seed(sym.Symbol, edges)
	}
}

func enabledSymbols(cfg config.Config) []config.SymbolConfig {
	var out []config.SymbolConfig
	for _, sym := range cfg.Symbols {
		if sym.Enabled {
			out = append(out, sym)
		}
	}
	return out
}

// runSymbolLoop is the per-symbol trading iteration described in the
// engine docs: feed quotes, run guards, compute the signal, execute, and
// publish snapshots. A panic in one iteration is logged and the loop
// continues.
func (o *Orchestrator) runSymbolLoop(ctx context.Context, symbolCfg config.SymbolConfig) {
	defer o.wg.Done()

	var lastREST, lastPositionSync, lastAggregate time.Time

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		started := time.Now()
		o.runIteration(ctx, symbolCfg, started, &lastREST, &lastPositionSync, &lastAggregate)

		cfg := o.Config()
		elapsed := time.Since(started)
		sleep := time.Duration(cfg.Strategy.LoopIntervalMs)*time.Millisecond - elapsed
		if sleep < 10*time.Millisecond {
			sleep = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (o *Orchestrator) runIteration(ctx context.Context, symbolCfg config.SymbolConfig, now time.Time, lastREST, lastPositionSync, lastAggregate *time.Time) {
	symbol := symbolCfg.Symbol
	defer func() {
		if r := recover(); r != nil {
			o.emitEvent(types.LevelError, symbol, fmt.Sprintf("symbol loop panic: %v", r), nil)
		}
	}()

	cfg := o.Config()

	// 1. WS quotes into the cache, WS supervisor bookkeeping.
	if bbo, ok := o.adapterA.FetchBBO(symbolCfg.VenueAMarket); ok {
		o.books.UpdateWS(symbol, types.VenueA, bbo)
		o.wsSup.MarkMessage(types.VenueA)
	} else {
		o.wsSup.MarkDisconnected(types.VenueA)
	}
	if bbo, ok := o.adapterB.FetchBBO(symbolCfg.VenueBMarket); ok {
		o.books.UpdateWS(symbol, types.VenueB, bbo)
		o.wsSup.MarkMessage(types.VenueB)
	} else {
		o.wsSup.MarkDisconnected(types.VenueB)
	}

	// 2. REST snapshots and the WS/REST consistency check.
	if now.Sub(*lastREST) >= time.Duration(cfg.Strategy.RestConsistencyMs)*time.Millisecond {
		*lastREST = now
		if bbo, err := o.adapterA.FetchRESTBBO(ctx, symbolCfg.VenueAMarket); err == nil {
			o.books.UpdateREST(symbol, types.VenueA, bbo)
		}
		if bbo, err := o.adapterB.FetchRESTBBO(ctx, symbolCfg.VenueBMarket); err == nil {
			o.books.UpdateREST(symbol, types.VenueB, bbo)
		}
		ok := o.consistency.Check(symbol,
			o.books.Get(symbol, types.VenueA, types.ChannelWS),
			o.books.Get(symbol, types.VenueA, types.ChannelREST),
			o.books.Get(symbol, types.VenueB, types.ChannelWS),
			o.books.Get(symbol, types.VenueB, types.ChannelREST),
		)
		o.stateMu.Lock()
		o.consistencyOK[symbol] = ok
		o.stateMu.Unlock()
	}

	// 3. Venue health probes on the guard's cadence.
	if o.health.ShouldCheck(types.VenueA) {
		ok := o.adapterA.HealthCheck(ctx)
		o.health.Update(types.VenueA, ok, healthMessage(ok))
	}
	if o.health.ShouldCheck(types.VenueB) {
		ok := o.adapterB.HealthCheck(ctx)
		o.health.Update(types.VenueB, ok, healthMessage(ok))
	}

	// 4. Position sync from both venues.
	if now.Sub(*lastPositionSync) >= time.Duration(cfg.Strategy.PositionSyncMs)*time.Millisecond {
		*lastPositionSync = now
		posA, errA := o.adapterA.FetchPosition(ctx, symbolCfg.VenueAMarket)
		posB, errB := o.adapterB.FetchPosition(ctx, symbolCfg.VenueBMarket)
		if errA == nil && errB == nil {
			o.ledger.SetPositions(symbol, posA, posB)
		}
	}

	// 5. Gates.
	stale := o.books.IsStale(symbol)
	wsOK := o.wsSup.IsOK()
	o.stateMu.RLock()
	consistencyOK := o.consistencyOK[symbol]
	o.stateMu.RUnlock()
	healthOK := o.health.CanOpen()
	canOpen := !stale && wsOK && consistencyOK && healthOK

	netGuard := cfg.Strategy.BaseOrderQty.Mul(cfg.Risk.NetPosGuardMultiplier)
	hardLimit := cfg.Strategy.BaseOrderQty.Mul(cfg.Risk.HardNetLimitMultiplier)

	// 6. Hard net-exposure breach forces a flatten.
	if o.ledger.IsHardBreach(symbol, hardLimit) {
		o.emitEvent(types.LevelWarn, symbol, "hard net-exposure limit breached, flattening", nil)
		o.executor.Flatten(ctx, symbolCfg)
	}

	// 7. Signal from the effective pair; synthetic HOLD when a side is missing.
	mode := o.Mode()
	bboA, bboB, haveBooks := o.books.EffectivePair(symbol)
	var stats types.SpreadStats
	var signal types.Signal
	if !haveBooks || !bboA.Valid() || !bboB.Valid() {
		signal = types.Signal{
			Action: types.ActionHold,
			Reason: "order books unavailable",
		}
	} else {
		stats = o.spread.ComputeStats(symbol, bboA, bboB)
		signal = o.spread.GenerateSignal(stats, mode)
	}

	// 8. Net-exposure rebalance ahead of the signal.
	if o.ledger.IsImbalanced(symbol, netGuard) {
		orders := o.ledger.BuildRebalanceOrders(symbol, netGuard, cfg.Strategy.BaseOrderQty)
		if len(orders) > 0 {
			report := o.executor.Rebalance(ctx, symbolCfg, orders)
			o.emitEvent(types.LevelInfo, symbol, "position rebalance executed", reportData(report))
		}
	}

	// 9. Execute the signal.
	report := o.executor.ExecuteSignal(ctx, symbolCfg, signal, bboB, canOpen, cfg.Strategy)
	if report.AttemptedOrders > 0 {
		level := types.LevelInfo
		if report.FailedOrders > 0 {
			level = types.LevelWarn
		}
		o.emitEvent(level, symbol, report.Message, reportData(report))
	}

	// 10. Publish snapshots.
	if haveBooks {
		o.perf.OnMark(symbol, bboA.Mid(), bboB.Mid())
	}
	snapshot := o.buildSnapshot(symbol, bboA, bboB, stats, signal, RiskState{
		Stale:         stale,
		ConsistencyOK: consistencyOK,
		HealthOK:      healthOK,
		WsOK:          wsOK,
		CanOpen:       canOpen,
		Reason:        signal.Reason,
	})
	o.storeSnapshot(snapshot)
	o.publish(StreamMessage{Type: "symbol", Data: snapshot})

	if now.Sub(*lastAggregate) >= time.Second {
		*lastAggregate = now
		o.publish(StreamMessage{Type: "snapshot", Data: map[string]any{
			"status":  o.StatusPayload(ctx),
			"symbols": o.Symbols(),
		}})
	}
}

func healthMessage(ok bool) string {
	if ok {
		return "ok"
	}
	return "health check failed"
}

func reportData(report ExecutionReport) map[string]any {
	return map[string]any{
		"attempted_orders": report.AttemptedOrders,
		"success_orders":   report.SuccessOrders,
		"failed_orders":    report.FailedOrders,
		"order_ids":        report.OrderIDs,
		"action":           string(report.Signal.Action),
		"reason":           report.Signal.Reason,
	}
}

func (o *Orchestrator) buildSnapshot(symbol string, bboA, bboB types.BBO, stats types.SpreadStats, signal types.Signal, riskState RiskState) SymbolSnapshot {
	state := o.ledger.State(symbol)
	return SymbolSnapshot{
		Symbol:         symbol,
		Status:         string(o.Status()),
		Signal:         string(signal.Action),
		VenueABid:      bboA.Bid.InexactFloat64(),
		VenueAAsk:      bboA.Ask.InexactFloat64(),
		VenueAMid:      bboA.Mid().InexactFloat64(),
		VenueBBid:      bboB.Bid.InexactFloat64(),
		VenueBAsk:      bboB.Ask.InexactFloat64(),
		VenueBMid:      bboB.Mid().InexactFloat64(),
		SpreadBps:      stats.SignedEdgeBps.InexactFloat64(),
		ZScore:         stats.ZScore.InexactFloat64(),
		NetPosition:    state.Net().InexactFloat64(),
		TargetPosition: o.ledger.Target(symbol).InexactFloat64(),
		VenueAPosition: state.LegA.InexactFloat64(),
		VenueBPosition: state.LegB.InexactFloat64(),
		UpdatedAt:      utcNow(),
		Risk:           riskState,
	}
}

func (o *Orchestrator) storeSnapshot(snapshot SymbolSnapshot) {
	o.stateMu.Lock()
	o.snapshots[snapshot.Symbol] = snapshot
	o.stateMu.Unlock()

	if o.repo != nil {
		data := snapshotMap(snapshot)
		if err := o.repo.AddSymbolSnapshot(snapshot.UpdatedAt, snapshot.Symbol, data); err != nil {
			o.logger.Warn("snapshot persist failed", "symbol", snapshot.Symbol, "error", err)
		}
	}
	if o.csv != nil {
		err := o.csv.LogSnapshot(store.SnapshotRow{
			UpdatedAt:      snapshot.UpdatedAt,
			Symbol:         snapshot.Symbol,
			Status:         snapshot.Status,
			Signal:         snapshot.Signal,
			SpreadBps:      snapshot.SpreadBps,
			ZScore:         snapshot.ZScore,
			NetPosition:    snapshot.NetPosition,
			TargetPosition: snapshot.TargetPosition,
		})
		if err != nil {
			o.logger.Warn("snapshot csv failed", "symbol", snapshot.Symbol, "error", err)
		}
	}
}

// handleFill routes every execution fill into performance tracking and
// the audit trail.
func (o *Orchestrator) handleFill(fill types.Fill) {
	o.perf.OnFill(fill)

	trade := types.TradeRecord{
		ID:      0,
		TsMs:    fill.TsMs,
		Venue:   fill.Venue,
		Symbol:  fill.Symbol,
		Side:    fill.Side,
		Qty:     fill.Qty,
		Price:   fill.Price,
		OrderID: fill.OrderID,
		Tag:     string(fill.Action),
	}
	if o.repo != nil {
		if err := o.repo.AddTrade(trade); err != nil {
			o.logger.Warn("trade persist failed", "symbol", fill.Symbol, "error", err)
		}
	}
	if o.csv != nil {
		if err := o.csv.LogTrade(trade); err != nil {
			o.logger.Warn("trade csv failed", "symbol", fill.Symbol, "error", err)
		}
	}
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
