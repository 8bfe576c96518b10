package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-arb/internal/config"
	"perp-arb/internal/exchange"
	"perp-arb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func engineTestConfig() config.Config {
	return config.Config{
		Symbols: []config.SymbolConfig{
			{Symbol: "BTC", VenueAMarket: "BTC-USD-PERP", VenueBMarket: "BTC-USD-PERP-B", Enabled: true},
			{Symbol: "ETH", VenueAMarket: "ETH-USD-PERP", VenueBMarket: "ETH-USD-PERP-B", Enabled: false},
		},
		Strategy: config.StrategyConfig{
			MAWindow:          20,
			StdWindow:         20,
			MinSamples:        1000, // keep the signal in warm-up HOLD
			ZEntry:            decimal.RequireFromString("2.0"),
			ZExit:             decimal.RequireFromString("0.5"),
			ZZeroEntry:        decimal.RequireFromString("2.5"),
			ZZeroExit:         decimal.RequireFromString("0.3"),
			MinEdgeBps:        decimal.RequireFromString("5"),
			BaseOrderQty:      decimal.RequireFromString("0.001"),
			MaxBatchQty:       decimal.RequireFromString("0.003"),
			MaxPosition:       decimal.RequireFromString("0.01"),
			LoopIntervalMs:    20,
			PositionSyncMs:    50,
			RestConsistencyMs: 50,
		},
		Risk: config.RiskConfig{
			StaleMs:                 5000,
			ConsistencyToleranceBps: decimal.RequireFromString("20"),
			ConsistencyMaxFailures:  3,
			WsIdleTimeoutSec:        30,
			HealthFailThreshold:     3,
			HealthCacheMs:           100,
			NetPosGuardMultiplier:   decimal.RequireFromString("2"),
			HardNetLimitMultiplier:  decimal.RequireFromString("5"),
		},
		Runtime: config.RuntimeConfig{
			SimulatedMarketData: false,
			LiveOrderEnabled:    false,
			DefaultMode:         "normal_arb",
		},
	}
}

func newTestOrchestrator(cfg config.Config) (*Orchestrator, *fakeAdapter, *fakeAdapter) {
	a := newFakeAdapter(types.VenueA)
	b := newFakeAdapter(types.VenueB)
	a.books["BTC-USD-PERP"] = types.BBO{
		Bid: decimal.RequireFromString("100.0"),
		Ask: decimal.RequireFromString("100.1"),
		Ts:  time.Now(),
	}
	b.books["BTC-USD-PERP-B"] = types.BBO{
		Bid: decimal.RequireFromString("99.9"),
		Ask: decimal.RequireFromString("100.2"),
		Ts:  time.Now(),
	}
	o := New(cfg, Deps{
		AdapterA: a,
		AdapterB: b,
		Limiter:  exchange.NewLimiter(),
		Logger:   testLogger(),
	})
	return o, a, b
}

func TestStartRefusesSimulatedWithLive(t *testing.T) {
	t.Parallel()
	cfg := engineTestConfig()
	cfg.Runtime.SimulatedMarketData = true
	cfg.Runtime.LiveOrderEnabled = true
	o, _, _ := newTestOrchestrator(cfg)

	started, message := o.Start(context.Background())
	if started {
		t.Fatal("Start succeeded with simulated data and live orders")
	}
	if message != "live orders forbidden in simulated market data mode" {
		t.Errorf("message = %q", message)
	}
	if o.Status() != StatusStopped {
		t.Errorf("Status = %s, want stopped", o.Status())
	}
}

func TestStartRequiresSelection(t *testing.T) {
	t.Parallel()
	cfg := engineTestConfig()
	for i := range cfg.Symbols {
		cfg.Symbols[i].Enabled = false
	}
	o, _, _ := newTestOrchestrator(cfg)

	started, message := o.Start(context.Background())
	if started {
		t.Fatal("Start succeeded without an enabled symbol")
	}
	if message != "select a trading pair" {
		t.Errorf("message = %q, want %q", message, "select a trading pair")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	o, a, b := newTestOrchestrator(engineTestConfig())

	started, message := o.Start(context.Background())
	if !started {
		t.Fatalf("Start failed: %s", message)
	}
	defer o.Stop()

	if o.Status() != StatusRunning {
		t.Fatalf("Status = %s, want running", o.Status())
	}
	if !a.isConnected() || !b.isConnected() {
		t.Error("adapters not connected after start")
	}

	// Let a few iterations run, then the symbol snapshot must be live.
	deadline := time.Now().Add(2 * time.Second)
	var snaps []SymbolSnapshot
	for time.Now().Before(deadline) {
		snaps = o.Symbols()
		if len(snaps) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(snaps) != 1 || snaps[0].Symbol != "BTC" {
		t.Fatalf("snapshots = %+v, want one BTC entry", snaps)
	}
	if snaps[0].VenueABid != 100.0 || snaps[0].VenueBAsk != 100.2 {
		t.Errorf("snapshot quotes = %v/%v, want 100.0/100.2", snaps[0].VenueABid, snaps[0].VenueBAsk)
	}
	if snaps[0].Signal != string(types.ActionHold) {
		t.Errorf("signal = %s, want HOLD during warm-up", snaps[0].Signal)
	}

	stopped, message := o.Stop()
	if !stopped {
		t.Fatalf("Stop failed: %s", message)
	}
	if o.Status() != StatusStopped {
		t.Errorf("Status = %s, want stopped", o.Status())
	}
	if a.isConnected() || b.isConnected() {
		t.Error("adapters still connected after stop")
	}

	if again, _ := o.Stop(); again {
		t.Error("second Stop reported success")
	}
}

func TestSetLiveOrderEnabledRules(t *testing.T) {
	t.Parallel()
	cfg := engineTestConfig()
	cfg.Runtime.SimulatedMarketData = true
	o, _, _ := newTestOrchestrator(cfg)

	if result := o.SetLiveOrderEnabled(true); result.OK {
		t.Error("live enable succeeded in simulated mode")
	}

	// No-change requests short-circuit successfully.
	if result := o.SetLiveOrderEnabled(false); !result.OK {
		t.Errorf("no-change disable failed: %s", result.Message)
	}

	live := engineTestConfig()
	o2, _, _ := newTestOrchestrator(live)
	if result := o2.SetLiveOrderEnabled(true); !result.OK {
		t.Fatalf("enable while stopped failed: %s", result.Message)
	}
	if !o2.Executor().LiveEnabled() {
		t.Error("executor gate not flipped")
	}
}

func TestSetSimulatedMarketDataForceDisablesLive(t *testing.T) {
	t.Parallel()
	o, a, b := newTestOrchestrator(engineTestConfig())
	if result := o.SetLiveOrderEnabled(true); !result.OK {
		t.Fatalf("enable live: %s", result.Message)
	}

	result := o.SetSimulatedMarketData(true)
	if !result.OK {
		t.Fatalf("SetSimulatedMarketData failed: %s", result.Message)
	}
	if forced, _ := result.Data["forced_order_disabled"].(bool); !forced {
		t.Error("forced_order_disabled not reported")
	}
	if o.Executor().LiveEnabled() {
		t.Error("live orders still enabled after switching to simulated data")
	}
	if !a.SimulatedMarketData() || !b.SimulatedMarketData() {
		t.Error("adapters not switched to simulated data")
	}
}

func TestUpdateSymbolParamsWhitelist(t *testing.T) {
	t.Parallel()
	o, _, _ := newTestOrchestrator(engineTestConfig())

	result := o.UpdateSymbolParams("BTC", map[string]any{
		"z_entry":          "2.5",
		"loop_interval_ms": float64(150),
		"sqlite_path":      "/tmp/evil.db", // not whitelisted
	})
	if !result.OK {
		t.Fatalf("UpdateSymbolParams failed: %s", result.Message)
	}
	if _, leaked := result.Data["sqlite_path"]; leaked {
		t.Error("non-whitelisted key applied")
	}

	cfg := o.Config()
	if !cfg.Strategy.ZEntry.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("ZEntry = %s, want 2.5", cfg.Strategy.ZEntry)
	}
	if cfg.Strategy.LoopIntervalMs != 150 {
		t.Errorf("LoopIntervalMs = %d, want 150", cfg.Strategy.LoopIntervalMs)
	}

	if result := o.UpdateSymbolParams("DOGE", map[string]any{"z_entry": "1"}); result.OK {
		t.Error("unknown symbol accepted")
	}
	if result := o.UpdateSymbolParams("BTC", map[string]any{"bogus": "1"}); result.OK {
		t.Error("empty whitelist hit reported success")
	}
}

func TestSetSelectionSwitchesEnabledSymbol(t *testing.T) {
	t.Parallel()
	o, _, _ := newTestOrchestrator(engineTestConfig())

	if result := o.SetSelection("DOGE"); result.OK {
		t.Error("unknown symbol accepted")
	}

	result := o.SetSelection("ETH")
	if !result.OK {
		t.Fatalf("SetSelection failed: %s", result.Message)
	}
	if o.Selection() != "ETH" {
		t.Errorf("Selection = %s, want ETH", o.Selection())
	}
	for _, sym := range o.Config().Symbols {
		if sym.Enabled != (sym.Symbol == "ETH") {
			t.Errorf("symbol %s enabled = %v", sym.Symbol, sym.Enabled)
		}
	}
}

func TestEventsNewestFirstAndCapped(t *testing.T) {
	t.Parallel()
	o, _, _ := newTestOrchestrator(engineTestConfig())

	for i := 0; i < 5; i++ {
		o.emitEvent(types.LevelInfo, types.SourceRuntime, fmt.Sprintf("event %d", i), nil)
		time.Sleep(time.Millisecond) // distinct RFC3339 ordering is second-granular, rely on buffer order
	}
	events := o.Events(3)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Message != "event 4" {
		t.Errorf("newest event = %q, want %q", events[0].Message, "event 4")
	}
}

func TestSubscriberDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	o, _, _ := newTestOrchestrator(engineTestConfig())
	sub := o.Subscribe()
	defer o.Unsubscribe(sub)

	total := subscriberQueue + 50
	for i := 0; i < total; i++ {
		o.publish(StreamMessage{Type: "event", Data: i})
	}
	if len(sub.C) != subscriberQueue {
		t.Fatalf("queue length = %d, want %d", len(sub.C), subscriberQueue)
	}
	first := <-sub.C
	if got, _ := first.Data.(int); got != 50 {
		t.Errorf("oldest retained frame = %v, want 50", first.Data)
	}
}

func TestModeSwitching(t *testing.T) {
	t.Parallel()
	o, _, _ := newTestOrchestrator(engineTestConfig())

	if o.Mode() != types.ModeNormalArb {
		t.Fatalf("default mode = %s, want normal_arb", o.Mode())
	}
	result := o.SetMode("zero_wear")
	if !result.OK || o.Mode() != types.ModeZeroWear {
		t.Errorf("SetMode zero_wear: ok=%v mode=%s", result.OK, o.Mode())
	}
	// Unknown values fall back to the default mode.
	o.SetMode("warp_speed")
	if o.Mode() != types.ModeNormalArb {
		t.Errorf("mode after bad value = %s, want normal_arb", o.Mode())
	}
}

func TestStatusPayloadShape(t *testing.T) {
	t.Parallel()
	o, _, _ := newTestOrchestrator(engineTestConfig())

	payload := o.StatusPayload(context.Background())
	if payload["engine_status"] != string(StatusStopped) {
		t.Errorf("engine_status = %v, want stopped", payload["engine_status"])
	}
	runtime, is := payload["runtime"].(map[string]any)
	if !is {
		t.Fatal("runtime section missing")
	}
	if runtime["live_order_enabled"] != false {
		t.Errorf("live_order_enabled = %v, want false", runtime["live_order_enabled"])
	}
	if _, has := payload["risk_counts"]; !has {
		t.Error("risk_counts missing")
	}
	if _, has := payload["rate_limit"]; !has {
		t.Error("rate_limit missing")
	}
}
