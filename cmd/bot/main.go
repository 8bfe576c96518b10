// Cross-venue perpetual arbitrage bot.
//
// The bot watches the same perpetual contract on two venues, tracks the
// rolling basis-point spread between their books, and trades the two legs
// against each other when the spread's z-score leaves its band: a taker
// market on venue A, hedged by a post-only limit on venue B. A scanner
// ranks every cross-listed symbol by spread velocity to pick the pair
// worth trading.
//
//	cmd/bot/main.go       — entry point: config, wiring, signal handling
//	internal/engine       — orchestrator, two-leg execution, runtime toggles
//	internal/strategy     — spread statistics, signal generation, ledger, PnL
//	internal/market       — book cache and the cross-venue universe scanner
//	internal/exchange     — venue adapters (REST + WS), auth, rate limits, simulator
//	internal/risk         — staleness, WS liveness, consistency, health gates
//	internal/store        — SQLite audit trail, CSV logs, credential vault
//	internal/api          — operator HTTP + WebSocket control plane
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perp-arb/internal/api"
	"perp-arb/internal/config"
	"perp-arb/internal/engine"
	"perp-arb/internal/exchange"
	"perp-arb/internal/market"
	"perp-arb/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	repo, err := store.Open(cfg.Storage.SQLitePath)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", cfg.Storage.SQLitePath)
		os.Exit(1)
	}

	csvLog, err := store.NewCSVLogger(cfg.Storage.CSVDir)
	if err != nil {
		logger.Error("failed to open csv logs", "error", err, "dir", cfg.Storage.CSVDir)
		os.Exit(1)
	}

	limiter, err := exchange.NewLimiterFromConfig(cfg.RateLimits)
	if err != nil {
		logger.Error("invalid rate limit config", "error", err)
		os.Exit(1)
	}

	adapterA := exchange.NewVenueA(cfg.VenueA, limiter, cfg.Runtime.SimulatedMarketData, logger)
	adapterB, err := exchange.NewVenueB(cfg.VenueB, limiter, cfg.Runtime.SimulatedMarketData, logger)
	if err != nil {
		logger.Error("failed to build venue B adapter", "error", err)
		os.Exit(1)
	}

	orch := engine.New(*cfg, engine.Deps{
		AdapterA: adapterA,
		AdapterB: adapterB,
		Limiter:  limiter,
		Store:    repo,
		CSV:      csvLog,
		Logger:   logger,
	})

	scanner := market.NewScanner(*cfg, adapterA, adapterB, repo, logger)
	if cfg.MarketWarmup.Enabled {
		go func() {
			timeout := time.Duration(cfg.MarketWarmup.TimeoutSec) * time.Second
			status := scanner.WarmupUntilReady(context.Background(), timeout, 0)
			logger.Info("market warm-up finished",
				"done", status.Done,
				"symbols_ready", status.SymbolsReady,
				"symbols_total", status.SymbolsTotal,
			)
		}()
	}

	apiServer := api.NewServer(*cfg, orch, scanner, repo, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()
	logger.Info("operator api started", "host", cfg.Web.Host, "port", cfg.Web.Port)

	if cfg.Runtime.SimulatedMarketData {
		logger.Warn("SIMULATED MARKET DATA — quotes are synthetic, live orders are locked out")
	}
	if !cfg.Runtime.LiveOrderEnabled {
		logger.Info("live orders disabled, signals will be computed but not routed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", "error", err)
	}
	orch.Shutdown()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
