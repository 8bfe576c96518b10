// Package api is the operator control plane: a JSON HTTP surface for
// engine lifecycle, runtime toggles, and market discovery, plus a
// WebSocket stream mirroring the engine's live state.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"perp-arb/internal/config"
	"perp-arb/internal/engine"
	"perp-arb/internal/market"
	"perp-arb/internal/store"
)

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg      config.Config
	orch     *engine.Orchestrator
	scanner  *market.Scanner
	repo     *store.Store
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger

	clientMu sync.Mutex
	clients  map[*streamClient]struct{}

	pollCancel context.CancelFunc
}

// NewServer wires the handlers and routes. repo may be nil when running
// without persistence; credential endpoints then report unavailable.
func NewServer(cfg config.Config, orch *engine.Orchestrator, scanner *market.Scanner, repo *store.Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		scanner: scanner,
		repo:    repo,
		logger:  logger.With("component", "api"),
		clients: make(map[*streamClient]struct{}),
	}
	s.handlers = NewHandlers(s)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handlers.Health)
	mux.HandleFunc("GET /api/status", s.handlers.Status)
	mux.HandleFunc("GET /api/symbols", s.handlers.Symbols)
	mux.HandleFunc("GET /api/events", s.handlers.Events)
	mux.HandleFunc("GET /api/config", s.handlers.PublicConfig)
	mux.HandleFunc("GET /api/market/top-spreads", s.handlers.TopSpreads)
	mux.HandleFunc("GET /api/market/warmup-status", s.handlers.WarmupStatus)
	mux.HandleFunc("GET /api/trade/selection", s.handlers.GetSelection)
	mux.HandleFunc("POST /api/trade/selection", s.handlers.SetSelection)
	mux.HandleFunc("POST /api/runtime/order-execution", s.handlers.OrderExecution)
	mux.HandleFunc("POST /api/runtime/market-data-mode", s.handlers.MarketDataMode)
	mux.HandleFunc("POST /api/engine/start", s.handlers.StartEngine)
	mux.HandleFunc("POST /api/engine/stop", s.handlers.StopEngine)
	mux.HandleFunc("POST /api/mode", s.handlers.SetMode)
	mux.HandleFunc("POST /api/symbol/{symbol}/params", s.handlers.SymbolParams)
	mux.HandleFunc("POST /api/symbol/{symbol}/flatten", s.handlers.FlattenSymbol)
	mux.HandleFunc("GET /api/credentials", s.handlers.CredentialsStatus)
	mux.HandleFunc("POST /api/credentials", s.handlers.SaveCredentials)
	mux.HandleFunc("POST /api/credentials/apply", s.handlers.ApplyCredentials)
	mux.HandleFunc("GET /ws/stream", s.handlers.Stream)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WS connections are long-lived
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until the listener fails, running the market-top poll
// loop for stream clients alongside.
func (s *Server) Start() error {
	pollCtx, cancel := context.WithCancel(context.Background())
	s.pollCancel = cancel
	go s.pollTopSpreads(pollCtx)

	s.logger.Info("api server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.pollCancel != nil {
		s.pollCancel()
	}
	s.clientMu.Lock()
	for client := range s.clients {
		client.close()
	}
	s.clients = make(map[*streamClient]struct{})
	s.clientMu.Unlock()
	return s.server.Shutdown(ctx)
}

const topSpreadPollInterval = 5 * time.Second

// pollTopSpreads pushes fresh scanner rows to connected stream clients.
// A cached read is cheap; the scanner refreshes on its own interval.
func (s *Server) pollTopSpreads(ctx context.Context) {
	ticker := time.NewTicker(topSpreadPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.scanner == nil || !s.hasClients() {
			continue
		}
		result := s.scanner.TopSpreads(ctx, 10, false)
		s.broadcastMarket(engine.StreamMessage{Type: "market_top_spreads", Data: result})
	}
}

func (s *Server) hasClients() bool {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return len(s.clients) > 0
}

func (s *Server) broadcastMarket(message engine.StreamMessage) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	for client := range s.clients {
		client.offerMarket(message)
	}
}

func (s *Server) addClient(client *streamClient) {
	s.clientMu.Lock()
	s.clients[client] = struct{}{}
	s.clientMu.Unlock()
}

func (s *Server) removeClient(client *streamClient) {
	s.clientMu.Lock()
	delete(s.clients, client)
	s.clientMu.Unlock()
}
