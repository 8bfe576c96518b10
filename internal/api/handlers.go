package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"perp-arb/internal/engine"
	"perp-arb/pkg/types"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	srv    *Server
	logger *slog.Logger
}

// NewHandlers binds the handlers to their server.
func NewHandlers(srv *Server) *Handlers {
	return &Handlers{srv: srv, logger: srv.logger.With("component", "api-handlers")}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeResult(w http.ResponseWriter, result engine.OpResult) {
	status := http.StatusOK
	if !result.OK {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, result)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, engine.OpResult{Message: "invalid request body"})
		return false
	}
	return true
}

// warmupGate returns false and writes a 503 when the market surface is
// not ready to answer yet.
func (h *Handlers) warmupGate(w http.ResponseWriter) bool {
	if h.srv.scanner == nil {
		writeJSON(w, http.StatusServiceUnavailable, engine.OpResult{Message: "market scanner unavailable"})
		return false
	}
	if !h.srv.cfg.MarketWarmup.RequireReadyForMarketAPI || h.srv.scanner.IsWarmupReady() {
		return true
	}
	message := h.srv.scanner.LastError()
	if message == "" {
		message = h.srv.scanner.WarmupStatus().Message
	}
	if message == "" {
		message = "market history warm-up in progress"
	}
	writeJSON(w, http.StatusServiceUnavailable, engine.OpResult{Message: message})
	return false
}

// Health is the liveness probe.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status returns the aggregate engine view.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.srv.orch.StatusPayload(r.Context()))
}

// Symbols returns the latest per-symbol snapshots.
func (h *Handlers) Symbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.srv.orch.Symbols())
}

// Events returns merged in-memory and persisted events, newest first.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, h.srv.orch.Events(limit))
}

// PublicConfig returns the running configuration with secrets removed.
func (h *Handlers) PublicConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.srv.orch.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"venue_a": map[string]any{
			"name":        cfg.VenueA.Name,
			"environment": cfg.VenueA.Environment,
			"rest_url":    cfg.VenueA.RestURL,
			"ws_url":      cfg.VenueA.WsURL,
		},
		"venue_b": map[string]any{
			"name":        cfg.VenueB.Name,
			"environment": cfg.VenueB.Environment,
			"rest_url":    cfg.VenueB.RestURL,
			"ws_url":      cfg.VenueB.WsURL,
		},
		"symbols":       cfg.Symbols,
		"strategy":      cfg.Strategy,
		"risk":          cfg.Risk,
		"scanner":       cfg.Scanner,
		"market_warmup": cfg.MarketWarmup,
		"runtime": map[string]any{
			"simulated_market_data": cfg.Runtime.SimulatedMarketData,
			"live_order_enabled":    cfg.Runtime.LiveOrderEnabled,
			"default_mode":          cfg.Runtime.DefaultMode,
		},
	})
}

// TopSpreads serves the scanner's ranked cross-venue rows.
func (h *Handlers) TopSpreads(w http.ResponseWriter, r *http.Request) {
	if !h.warmupGate(w) {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	force := r.URL.Query().Get("force_refresh") == "true"
	writeJSON(w, http.StatusOK, h.srv.scanner.TopSpreads(r.Context(), limit, force))
}

// WarmupStatus reports history warm-up progress.
func (h *Handlers) WarmupStatus(w http.ResponseWriter, r *http.Request) {
	if h.srv.scanner == nil {
		writeJSON(w, http.StatusServiceUnavailable, engine.OpResult{Message: "market scanner unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, h.srv.scanner.WarmupStatus())
}

// GetSelection returns the traded pair and the current candidates.
func (h *Handlers) GetSelection(w http.ResponseWriter, r *http.Request) {
	if !h.warmupGate(w) {
		return
	}
	result := h.srv.scanner.TopSpreads(r.Context(), 0, false)
	candidates := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		candidates = append(candidates, row.Symbol)
	}
	top10 := result.Rows
	if len(top10) > 10 {
		top10 = top10[:10]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"selected_symbol":  h.srv.orch.Selection(),
		"candidates":       candidates,
		"top10_candidates": top10,
	})
}

// SetSelection switches the traded pair to a current scan candidate.
func (h *Handlers) SetSelection(w http.ResponseWriter, r *http.Request) {
	if !h.warmupGate(w) {
		return
	}
	var body struct {
		Symbol string `json:"symbol"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if _, found := h.srv.scanner.Candidate(body.Symbol); !found {
		writeResult(w, engine.OpResult{Message: "symbol is not a current candidate"})
		return
	}
	writeResult(w, h.srv.orch.SetSelection(body.Symbol))
}

// OrderExecution toggles live order submission. Enabling requires the
// configured confirmation phrase.
func (h *Handlers) OrderExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LiveOrderEnabled bool   `json:"live_order_enabled"`
		ConfirmText      string `json:"confirm_text"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.LiveOrderEnabled {
		expected := h.srv.cfg.Runtime.EnableOrderConfirmationText
		if body.ConfirmText != expected {
			writeResult(w, engine.OpResult{Message: "confirmation text mismatch"})
			return
		}
	}
	writeResult(w, h.srv.orch.SetLiveOrderEnabled(body.LiveOrderEnabled))
}

// MarketDataMode switches between live and simulated market data.
func (h *Handlers) MarketDataMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SimulatedMarketData bool `json:"simulated_market_data"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	writeResult(w, h.srv.orch.SetSimulatedMarketData(body.SimulatedMarketData))
}

// StartEngine launches the trading loops.
func (h *Handlers) StartEngine(w http.ResponseWriter, r *http.Request) {
	started, message := h.srv.orch.Start(r.Context())
	writeResult(w, engine.OpResult{OK: started, Message: message})
}

// StopEngine halts the trading loops.
func (h *Handlers) StopEngine(w http.ResponseWriter, r *http.Request) {
	stopped, message := h.srv.orch.Stop()
	writeResult(w, engine.OpResult{OK: stopped, Message: message})
}

// SetMode switches the strategy mode.
func (h *Handlers) SetMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !types.ValidMode(body.Mode) {
		writeResult(w, engine.OpResult{Message: "unknown mode"})
		return
	}
	writeResult(w, h.srv.orch.SetMode(body.Mode))
}

// SymbolParams applies whitelisted runtime parameter updates.
func (h *Handlers) SymbolParams(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if !decodeBody(w, r, &params) {
		return
	}
	writeResult(w, h.srv.orch.UpdateSymbolParams(r.PathValue("symbol"), params))
}

// FlattenSymbol force-closes both legs of one symbol.
func (h *Handlers) FlattenSymbol(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.srv.orch.FlattenSymbol(r.Context(), r.PathValue("symbol")))
}

// CredentialsStatus reports the masked stored credentials.
func (h *Handlers) CredentialsStatus(w http.ResponseWriter, r *http.Request) {
	if h.srv.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, engine.OpResult{Message: "credential store unavailable"})
		return
	}
	status, err := h.srv.repo.CredentialsStatus()
	if err != nil {
		h.logger.Error("credentials status failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, engine.OpResult{Message: "credential store error"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SaveCredentials persists venue credential fields. An empty string
// clears a field.
func (h *Handlers) SaveCredentials(w http.ResponseWriter, r *http.Request) {
	if h.srv.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, engine.OpResult{Message: "credential store unavailable"})
		return
	}
	var body map[types.Venue]map[string]string
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.srv.repo.SaveCredentials(body); err != nil {
		h.logger.Error("credentials save failed", "error", err)
		writeResult(w, engine.OpResult{Message: "credential store error"})
		return
	}
	writeResult(w, engine.OpResult{OK: true, Message: "credentials saved"})
}

// ApplyCredentials pushes stored credentials into the running config.
func (h *Handlers) ApplyCredentials(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.srv.orch.ApplyCredentials(nil))
}
