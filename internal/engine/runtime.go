package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"perp-arb/internal/config"
	"perp-arb/pkg/types"
)

// OpResult is the uniform outcome of a runtime operation, serialized
// straight into mutating API responses.
type OpResult struct {
	OK      bool           `json:"ok"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func ok(message string, data map[string]any) OpResult {
	return OpResult{OK: true, Message: message, Data: data}
}

func fail(message string) OpResult {
	return OpResult{OK: false, Message: message}
}

// Mode returns the active strategy mode.
func (o *Orchestrator) Mode() types.Mode {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.mode
}

// SetMode switches the strategy mode; unknown values fall back to
// normal_arb.
func (o *Orchestrator) SetMode(mode string) OpResult {
	next := types.ModeNormalArb
	if types.Mode(mode) == types.ModeZeroWear {
		next = types.ModeZeroWear
	}
	o.stateMu.Lock()
	o.mode = next
	o.stateMu.Unlock()
	o.emitEvent(types.LevelInfo, types.SourceRuntime, fmt.Sprintf("strategy mode set to %s", next), nil)
	return ok(fmt.Sprintf("mode set to %s", next), map[string]any{"mode": string(next)})
}

// SetLiveOrderEnabled toggles real order submission. Enabling requires a
// stopped engine and live market data; disabling is always allowed.
func (o *Orchestrator) SetLiveOrderEnabled(enabled bool) OpResult {
	// Status is read before cfgMu: Start holds the status lock while it
	// reads config, so the two locks must always nest in that order.
	status := o.Status()

	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()

	if o.cfg.Runtime.LiveOrderEnabled == enabled {
		return ok("live order flag unchanged", map[string]any{"live_order_enabled": enabled})
	}
	if enabled {
		if o.cfg.Runtime.SimulatedMarketData {
			return fail("live orders forbidden in simulated market data mode")
		}
		if status != StatusStopped {
			return fail("stop the engine before enabling live orders")
		}
	}
	o.cfg.Runtime.LiveOrderEnabled = enabled
	o.executor.SetLiveEnabled(enabled)
	o.emitEvent(types.LevelWarn, types.SourceRuntime,
		fmt.Sprintf("live order execution set to %v", enabled), nil)
	return ok("live order flag updated", map[string]any{"live_order_enabled": enabled})
}

// SetSimulatedMarketData switches between live and simulated market data.
// Only allowed while stopped; enabling simulation force-disables live
// orders.
func (o *Orchestrator) SetSimulatedMarketData(simulated bool) OpResult {
	if o.Status() != StatusStopped {
		return fail("stop the engine before switching market data mode")
	}

	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()

	forcedDisable := false
	if simulated && o.cfg.Runtime.LiveOrderEnabled {
		o.cfg.Runtime.LiveOrderEnabled = false
		o.executor.SetLiveEnabled(false)
		forcedDisable = true
	}
	o.cfg.Runtime.SimulatedMarketData = simulated
	if err := o.adapterA.SetSimulatedMarketData(simulated); err != nil {
		return fail(fmt.Sprintf("venue A: %v", err))
	}
	if err := o.adapterB.SetSimulatedMarketData(simulated); err != nil {
		return fail(fmt.Sprintf("venue B: %v", err))
	}

	o.emitEvent(types.LevelInfo, types.SourceRuntime,
		fmt.Sprintf("simulated market data set to %v", simulated), map[string]any{
			"forced_order_disabled": forcedDisable,
		})
	return ok("market data mode updated", map[string]any{
		"simulated_market_data": simulated,
		"forced_order_disabled": forcedDisable,
	})
}

// decimalParams are the runtime-tunable strategy fields that parse as
// decimals, keyed by their wire name.
var decimalParams = map[string]func(*config.StrategyConfig) *decimal.Decimal{
	"z_entry":        func(s *config.StrategyConfig) *decimal.Decimal { return &s.ZEntry },
	"z_exit":         func(s *config.StrategyConfig) *decimal.Decimal { return &s.ZExit },
	"z_zero_entry":   func(s *config.StrategyConfig) *decimal.Decimal { return &s.ZZeroEntry },
	"z_zero_exit":    func(s *config.StrategyConfig) *decimal.Decimal { return &s.ZZeroExit },
	"base_order_qty": func(s *config.StrategyConfig) *decimal.Decimal { return &s.BaseOrderQty },
	"max_batch_qty":  func(s *config.StrategyConfig) *decimal.Decimal { return &s.MaxBatchQty },
	"max_position":   func(s *config.StrategyConfig) *decimal.Decimal { return &s.MaxPosition },
	"min_edge_bps":   func(s *config.StrategyConfig) *decimal.Decimal { return &s.MinEdgeBps },
}

var intParams = map[string]func(*config.StrategyConfig) *int{
	"loop_interval_ms":    func(s *config.StrategyConfig) *int { return &s.LoopIntervalMs },
	"rest_consistency_ms": func(s *config.StrategyConfig) *int { return &s.RestConsistencyMs },
}

// UpdateSymbolParams applies whitelisted strategy overrides at runtime.
// Unknown keys and unparseable values are skipped, not errors.
func (o *Orchestrator) UpdateSymbolParams(symbol string, params map[string]any) OpResult {
	if _, found := o.symbolConfig(symbol); !found {
		return fail("unknown symbol")
	}

	o.cfgMu.Lock()
	applied := map[string]any{}
	for key, raw := range params {
		if access, is := decimalParams[key]; is {
			if value, err := toDecimal(raw); err == nil {
				*access(&o.cfg.Strategy) = value
				applied[key] = value.String()
			}
			continue
		}
		if access, is := intParams[key]; is {
			if value, err := toInt(raw); err == nil && value > 0 {
				*access(&o.cfg.Strategy) = value
				applied[key] = value
			}
		}
	}
	updated := o.cfg.Strategy
	o.cfgMu.Unlock()

	if len(applied) == 0 {
		return fail("no recognized parameters")
	}
	o.spread.SetConfig(updated)
	o.emitEvent(types.LevelInfo, types.SourceRuntime,
		fmt.Sprintf("strategy parameters updated for %s", symbol), applied)
	return ok("parameters updated", applied)
}

func toDecimal(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case decimal.Decimal:
		return v, nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported type %T", raw)
	}
}

func toInt(raw any) (int, error) {
	switch v := raw.(type) {
	case string:
		return strconv.Atoi(v)
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", raw)
	}
}

// FlattenSymbol closes both legs of one symbol immediately.
func (o *Orchestrator) FlattenSymbol(ctx context.Context, symbol string) OpResult {
	symbolCfg, found := o.symbolConfig(symbol)
	if !found {
		return fail("unknown symbol")
	}
	report := o.executor.Flatten(ctx, symbolCfg)
	o.emitEvent(types.LevelWarn, symbol, "manual flatten requested", reportData(report))
	return ok("flatten executed", map[string]any{"report": report})
}

// SetSelection switches the single actively-traded symbol. Only allowed
// while stopped.
func (o *Orchestrator) SetSelection(symbol string) OpResult {
	if o.Status() != StatusStopped {
		return fail("stop the engine before changing the traded pair")
	}

	o.cfgMu.Lock()
	found := false
	for i := range o.cfg.Symbols {
		match := o.cfg.Symbols[i].Symbol == symbol
		o.cfg.Symbols[i].Enabled = match
		if match {
			found = true
		}
	}
	o.cfgMu.Unlock()

	if !found {
		return fail("unknown symbol")
	}
	o.stateMu.Lock()
	o.selectedSymbol = symbol
	o.stateMu.Unlock()
	o.emitEvent(types.LevelInfo, types.SourceRuntime,
		fmt.Sprintf("trading pair selection set to %s", symbol), nil)
	return ok("selection updated", map[string]any{"symbol": symbol})
}

// Selection returns the symbol currently enabled for trading, empty when
// none is selected.
func (o *Orchestrator) Selection() string {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.selectedSymbol
}

// ApplyCredentials persists venue credentials and pushes them into the
// running config. Only allowed while stopped; when live orders are
// enabled the required fields must all be present afterwards.
func (o *Orchestrator) ApplyCredentials(payload map[types.Venue]map[string]string) OpResult {
	if o.Status() != StatusStopped {
		return fail("stop the engine before changing credentials")
	}
	if o.repo == nil {
		return fail("credential store unavailable")
	}
	if err := o.repo.SaveCredentials(payload); err != nil {
		return fail(fmt.Sprintf("save credentials: %v", err))
	}

	effective, err := o.repo.EffectiveCredentials()
	if err != nil {
		return fail(fmt.Sprintf("load credentials: %v", err))
	}

	o.cfgMu.Lock()
	if fields := effective[types.VenueA]; fields != nil {
		applyField(&o.cfg.VenueA.Credentials.APIKey, fields["api_key"])
		applyField(&o.cfg.VenueA.Credentials.APISecret, fields["api_secret"])
		applyField(&o.cfg.VenueA.Credentials.Passphrase, fields["passphrase"])
	}
	if fields := effective[types.VenueB]; fields != nil {
		applyField(&o.cfg.VenueB.Credentials.APIKey, fields["api_key"])
		applyField(&o.cfg.VenueB.Credentials.APISecret, fields["api_secret"])
		applyField(&o.cfg.VenueB.Credentials.PrivateKey, fields["private_key"])
		applyField(&o.cfg.VenueB.Credentials.TradingAccountID, fields["trading_account_id"])
	}
	liveEnabled := o.cfg.Runtime.LiveOrderEnabled
	missing := missingLiveCredentials(o.cfg)
	o.cfgMu.Unlock()

	if liveEnabled && len(missing) > 0 {
		return fail(fmt.Sprintf("live orders enabled but credentials incomplete: %v", missing))
	}
	o.emitEvent(types.LevelInfo, types.SourceRuntime, "venue credentials applied", nil)
	return ok("credentials applied", nil)
}

func applyField(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func missingLiveCredentials(cfg config.Config) []string {
	var missing []string
	if cfg.VenueA.Credentials.APIKey == "" {
		missing = append(missing, "venue_a.api_key")
	}
	if cfg.VenueA.Credentials.APISecret == "" {
		missing = append(missing, "venue_a.api_secret")
	}
	if cfg.VenueB.Credentials.PrivateKey == "" {
		missing = append(missing, "venue_b.private_key")
	}
	return missing
}

func (o *Orchestrator) symbolConfig(symbol string) (config.SymbolConfig, bool) {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	for _, sym := range o.cfg.Symbols {
		if sym.Symbol == symbol {
			return sym, true
		}
	}
	return config.SymbolConfig{}, false
}
