package engine

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"perp-arb/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Event buffer and emission
// ————————————————————————————————————————————————————————————————————————

// eventBuffer keeps the most recent events in memory, newest first, so
// the events endpoint answers without a DB round-trip.
type eventBuffer struct {
	mu    sync.Mutex
	limit int
	items []types.Event
}

func newEventBuffer(limit int) *eventBuffer {
	return &eventBuffer{limit: limit}
}

func (b *eventBuffer) add(event types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append([]types.Event{event}, b.items...)
	if len(b.items) > b.limit {
		b.items = b.items[:b.limit]
	}
}

func (b *eventBuffer) list() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Event, len(b.items))
	copy(out, b.items)
	return out
}

// emitEvent records an operator event everywhere at once: in-memory ring,
// SQLite, CSV audit trail, and the live stream.
func (o *Orchestrator) emitEvent(level, source, message string, data map[string]any) {
	event := types.Event{
		ID:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		Ts:      utcNow(),
		Level:   level,
		Source:  source,
		Message: message,
		Data:    data,
	}
	o.events.add(event)

	if o.repo != nil {
		if err := o.repo.AddEvent(event); err != nil {
			o.logger.Warn("event persist failed", "error", err)
		}
	}
	if o.csv != nil {
		if err := o.csv.LogEvent(event); err != nil {
			o.logger.Warn("event csv failed", "error", err)
		}
	}

	switch level {
	case types.LevelError:
		o.logger.Error(message, "source", source)
	case types.LevelWarn:
		o.logger.Warn(message, "source", source)
	default:
		o.logger.Info(message, "source", source)
	}
	o.publish(StreamMessage{Type: "event", Data: event})
}

// Events merges the in-memory ring with persisted events, deduplicated by
// id, newest first, capped at limit.
func (o *Orchestrator) Events(limit int) []types.Event {
	if limit <= 0 {
		limit = 100
	}
	merged := o.events.list()
	seen := make(map[string]struct{}, len(merged))
	for _, event := range merged {
		seen[event.ID] = struct{}{}
	}
	if o.repo != nil {
		stored, err := o.repo.ListEvents(limit)
		if err != nil {
			o.logger.Warn("event list failed", "error", err)
		}
		for _, event := range stored {
			if _, dup := seen[event.ID]; dup {
				continue
			}
			seen[event.ID] = struct{}{}
			merged = append(merged, event)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Ts > merged[j].Ts })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// ————————————————————————————————————————————————————————————————————————
// Live stream fan-out
// ————————————————————————————————————————————————————————————————————————

// StreamMessage is one frame on the operator WebSocket.
type StreamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Subscriber is one connected stream client. A slow client drops its
// oldest pending frames rather than stalling the engine.
type Subscriber struct {
	C chan StreamMessage
}

const subscriberQueue = 200

// Subscribe registers a stream client.
func (o *Orchestrator) Subscribe() *Subscriber {
	sub := &Subscriber{C: make(chan StreamMessage, subscriberQueue)}
	o.subMu.Lock()
	o.subs[sub] = struct{}{}
	o.subMu.Unlock()
	return sub
}

// Unsubscribe removes a stream client and closes its channel.
func (o *Orchestrator) Unsubscribe(sub *Subscriber) {
	o.subMu.Lock()
	if _, registered := o.subs[sub]; registered {
		delete(o.subs, sub)
		close(sub.C)
	}
	o.subMu.Unlock()
}

func (o *Orchestrator) publish(message StreamMessage) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for sub := range o.subs {
		for {
			select {
			case sub.C <- message:
			default:
				// Full queue: drop the oldest frame and retry.
				select {
				case <-sub.C:
				default:
				}
				continue
			}
			break
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Status payloads
// ————————————————————————————————————————————————————————————————————————

// StatusPayload is the aggregate engine view served at /api/status and
// pushed in stream snapshot frames.
func (o *Orchestrator) StatusPayload(ctx context.Context) map[string]any {
	cfg := o.Config()
	snapshots := o.Symbols()

	consistencyCount := 0
	var netExposure float64
	riskCounts := map[string]int{"normal": 0, "warning": 0, "critical": 0}
	activeSymbols := make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		activeSymbols = append(activeSymbols, snap.Symbol)
		if snap.Risk.ConsistencyOK {
			consistencyCount++
		}
		netExposure += snap.NetPosition
		switch {
		case !snap.Risk.WsOK || !snap.Risk.HealthOK:
			riskCounts["critical"]++
		case snap.Risk.Stale || !snap.Risk.ConsistencyOK:
			riskCounts["warning"]++
		default:
			riskCounts["normal"]++
		}
	}

	rateLimit := map[string]any{}
	if o.limiter != nil {
		for venue, scopes := range o.limiter.Stats() {
			perScope := map[string]any{}
			for scope, stats := range scopes {
				perScope[string(scope)] = map[string]any{
					"rate_per_sec": stats.Rate,
					"capacity":     stats.Capacity,
					"tokens":       stats.Tokens,
				}
			}
			rateLimit[string(venue)] = perScope
		}
	}

	return map[string]any{
		"engine_status":   string(o.Status()),
		"mode":            string(o.Mode()),
		"selected_symbol": o.Selection(),
		"runtime": map[string]any{
			"simulated_market_data": cfg.Runtime.SimulatedMarketData,
			"live_order_enabled":    cfg.Runtime.LiveOrderEnabled,
		},
		"active_symbols":       activeSymbols,
		"consistency_ok_count": consistencyCount,
		"ws_ok":                o.wsSup.IsOK(),
		"health_ok":            o.health.CanOpen(),
		"net_exposure":         netExposure,
		"risk_counts":          riskCounts,
		"positions":            o.ledger.Snapshot(),
		"performance":          o.perf.Snapshot(),
		"balances":             o.balances(ctx),
		"started_at":           o.startedAtLocked(),
		"updated_at":           utcNow(),
		"rate_limit":           rateLimit,
	}
}

func (o *Orchestrator) startedAtLocked() string {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	return o.startedAt
}

// balances polls both venues best-effort; a venue error just leaves that
// side out of the payload.
func (o *Orchestrator) balances(ctx context.Context) map[string]any {
	out := map[string]any{}
	if summary, err := o.adapterA.FetchBalanceSummary(ctx); err == nil {
		out[string(types.VenueA)] = balanceMap(summary)
	}
	if summary, err := o.adapterB.FetchBalanceSummary(ctx); err == nil {
		out[string(types.VenueB)] = balanceMap(summary)
	}
	return out
}

func balanceMap(summary types.BalanceSummary) map[string]any {
	return map[string]any{
		"asset":       summary.Asset,
		"equity":      summary.Equity.InexactFloat64(),
		"available":   summary.Available.InexactFloat64(),
		"margin_used": summary.MarginUsed.InexactFloat64(),
	}
}

// Symbols returns the latest in-memory snapshot per symbol, sorted by
// symbol. When the engine has not run yet, persisted snapshots fill in so
// a restarted UI is not blank.
func (o *Orchestrator) Symbols() []SymbolSnapshot {
	o.stateMu.RLock()
	out := make([]SymbolSnapshot, 0, len(o.snapshots))
	for _, snap := range o.snapshots {
		out = append(out, snap)
	}
	o.stateMu.RUnlock()

	if len(out) == 0 && o.repo != nil {
		if rows, err := o.repo.LatestSymbolSnapshots(); err == nil {
			for _, row := range rows {
				out = append(out, snapshotFromMap(row))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func snapshotMap(snapshot SymbolSnapshot) map[string]any {
	return map[string]any{
		"symbol":           snapshot.Symbol,
		"status":           snapshot.Status,
		"signal":           snapshot.Signal,
		"venue_a_bid":      snapshot.VenueABid,
		"venue_a_ask":      snapshot.VenueAAsk,
		"venue_a_mid":      snapshot.VenueAMid,
		"venue_b_bid":      snapshot.VenueBBid,
		"venue_b_ask":      snapshot.VenueBAsk,
		"venue_b_mid":      snapshot.VenueBMid,
		"spread_bps":       snapshot.SpreadBps,
		"zscore":           snapshot.ZScore,
		"net_position":     snapshot.NetPosition,
		"target_position":  snapshot.TargetPosition,
		"venue_a_position": snapshot.VenueAPosition,
		"venue_b_position": snapshot.VenueBPosition,
		"updated_at":       snapshot.UpdatedAt,
		"risk": map[string]any{
			"stale":          snapshot.Risk.Stale,
			"consistency_ok": snapshot.Risk.ConsistencyOK,
			"health_ok":      snapshot.Risk.HealthOK,
			"ws_ok":          snapshot.Risk.WsOK,
			"can_open":       snapshot.Risk.CanOpen,
			"reason":         snapshot.Risk.Reason,
		},
	}
}

func snapshotFromMap(row map[string]any) SymbolSnapshot {
	snap := SymbolSnapshot{
		Symbol:         str(row["symbol"]),
		Status:         str(row["status"]),
		Signal:         str(row["signal"]),
		VenueABid:      num(row["venue_a_bid"]),
		VenueAAsk:      num(row["venue_a_ask"]),
		VenueAMid:      num(row["venue_a_mid"]),
		VenueBBid:      num(row["venue_b_bid"]),
		VenueBAsk:      num(row["venue_b_ask"]),
		VenueBMid:      num(row["venue_b_mid"]),
		SpreadBps:      num(row["spread_bps"]),
		ZScore:         num(row["zscore"]),
		NetPosition:    num(row["net_position"]),
		TargetPosition: num(row["target_position"]),
		VenueAPosition: num(row["venue_a_position"]),
		VenueBPosition: num(row["venue_b_position"]),
		UpdatedAt:      str(row["updated_at"]),
	}
	if riskRaw, is := row["risk"].(map[string]any); is {
		snap.Risk = RiskState{
			Stale:         boolean(riskRaw["stale"]),
			ConsistencyOK: boolean(riskRaw["consistency_ok"]),
			HealthOK:      boolean(riskRaw["health_ok"]),
			WsOK:          boolean(riskRaw["ws_ok"]),
			CanOpen:       boolean(riskRaw["can_open"]),
			Reason:        str(riskRaw["reason"]),
		}
	}
	return snap
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

// RiskSummary is the detailed guard view for debugging endpoints.
func (o *Orchestrator) RiskSummary() map[string]any {
	return map[string]any{
		"ws":          o.wsSup.Snapshot(),
		"health":      o.health.Summary(),
		"consistency": o.consistency.Snapshot(),
	}
}
