package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"perp-arb/internal/config"
	"perp-arb/internal/engine"
	"perp-arb/internal/exchange"
	"perp-arb/pkg/types"
)

// stubAdapter satisfies exchange.Adapter with inert answers; the API
// tests only exercise routing and gating, not venue I/O.
type stubAdapter struct {
	venue types.Venue
	sim   bool
}

func (s *stubAdapter) Name() types.Venue                                  { return s.venue }
func (s *stubAdapter) Connect(ctx context.Context, markets []string) error { return nil }
func (s *stubAdapter) Disconnect(ctx context.Context) error                { return nil }
func (s *stubAdapter) HealthCheck(ctx context.Context) bool                { return true }
func (s *stubAdapter) FetchBBO(market string) (types.BBO, bool)            { return types.BBO{}, false }
func (s *stubAdapter) FetchRESTBBO(ctx context.Context, market string) (types.BBO, error) {
	return types.BBO{}, nil
}
func (s *stubAdapter) FetchPosition(ctx context.Context, market string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (s *stubAdapter) FetchBalanceSummary(ctx context.Context) (types.BalanceSummary, error) {
	return types.BalanceSummary{}, nil
}
func (s *stubAdapter) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	return types.OrderResult{OrderID: "stub"}, nil
}
func (s *stubAdapter) CancelOrder(ctx context.Context, market, orderID string) (bool, error) {
	return true, nil
}
func (s *stubAdapter) SetSimulatedMarketData(simulated bool) error {
	s.sim = simulated
	return nil
}
func (s *stubAdapter) SimulatedMarketData() bool { return s.sim }

func apiTestConfig() config.Config {
	return config.Config{
		Symbols: []config.SymbolConfig{
			{Symbol: "BTC", VenueAMarket: "BTC-USD-PERP", VenueBMarket: "BTC-USD-PERP-B", Enabled: false},
		},
		Strategy: config.StrategyConfig{
			MAWindow:          20,
			StdWindow:         20,
			MinSamples:        5,
			ZEntry:            decimal.RequireFromString("2"),
			ZExit:             decimal.RequireFromString("0.5"),
			ZZeroEntry:        decimal.RequireFromString("2.5"),
			ZZeroExit:         decimal.RequireFromString("0.3"),
			MinEdgeBps:        decimal.RequireFromString("5"),
			BaseOrderQty:      decimal.RequireFromString("0.001"),
			MaxBatchQty:       decimal.RequireFromString("0.003"),
			MaxPosition:       decimal.RequireFromString("0.01"),
			LoopIntervalMs:    100,
			PositionSyncMs:    1000,
			RestConsistencyMs: 1000,
		},
		Risk: config.RiskConfig{
			StaleMs:                 5000,
			ConsistencyToleranceBps: decimal.RequireFromString("20"),
			ConsistencyMaxFailures:  3,
			WsIdleTimeoutSec:        30,
			HealthFailThreshold:     3,
			HealthCacheMs:           1000,
			NetPosGuardMultiplier:   decimal.RequireFromString("2"),
			HardNetLimitMultiplier:  decimal.RequireFromString("5"),
		},
		Runtime: config.RuntimeConfig{
			EnableOrderConfirmationText: "ENABLE_LIVE_ORDER",
			DefaultMode:                 "normal_arb",
		},
		MarketWarmup: config.WarmupConfig{
			Enabled:                  true,
			RequireReadyForMarketAPI: true,
			HistoryRetention:         100,
		},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := apiTestConfig()
	orch := engine.New(cfg, engine.Deps{
		AdapterA: &stubAdapter{venue: types.VenueA},
		AdapterB: &stubAdapter{venue: types.VenueB},
		Limiter:  exchange.NewLimiter(),
		Logger:   logger,
	})
	return NewServer(cfg, orch, nil, nil, logger)
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthRoute(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestStatusRoute(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"engine_status":"stopped"`) {
		t.Errorf("body missing engine_status: %s", rec.Body.String())
	}
}

func TestStartWithoutSelectionFails(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/api/engine/start", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "select a trading pair") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestOrderExecutionRequiresConfirmationText(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/runtime/order-execution",
		`{"live_order_enabled": true, "confirm_text": "yes please"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "confirmation text mismatch") {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = do(t, srv, http.MethodPost, "/api/runtime/order-execution",
		`{"live_order_enabled": true, "confirm_text": "ENABLE_LIVE_ORDER"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status with correct phrase = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// Disabling never needs the phrase.
	rec = do(t, srv, http.MethodPost, "/api/runtime/order-execution",
		`{"live_order_enabled": false}`)
	if rec.Code != http.StatusOK {
		t.Errorf("disable status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestModeRouteRejectsUnknownMode(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/mode", `{"mode": "warp_speed"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	rec = do(t, srv, http.MethodPost, "/api/mode", `{"mode": "zero_wear"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestMarketRoutesUnavailableWithoutScanner(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	for _, path := range []string{
		"/api/market/top-spreads",
		"/api/market/warmup-status",
		"/api/trade/selection",
	} {
		rec := do(t, srv, http.MethodGet, path, "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rec.Code)
		}
	}
}

func TestSymbolParamsRoute(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/symbol/BTC/params", `{"z_entry": "3.0"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"z_entry":"3"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = do(t, srv, http.MethodPost, "/api/symbol/DOGE/params", `{"z_entry": "3.0"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown symbol status = %d, want 400", rec.Code)
	}
}

func TestCredentialRoutesWithoutStore(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/api/credentials", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}

	rec = do(t, srv, http.MethodPost, "/api/credentials/apply", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("apply status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "credential store unavailable") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestEventsRouteHonorsLimit(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	// Mode switches emit events we can read back.
	do(t, srv, http.MethodPost, "/api/mode", `{"mode": "zero_wear"}`)
	do(t, srv, http.MethodPost, "/api/mode", `{"mode": "normal_arb"}`)

	rec := do(t, srv, http.MethodGet, "/api/events?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.Count(rec.Body.String(), `"id"`); got != 1 {
		t.Errorf("events returned = %d, want 1", got)
	}
}
