// Package store persists the bot's audit trail: operator events, executed
// trades, per-symbol snapshots, the scanner's spread history, and venue
// credentials. Everything lives in one SQLite file (WAL, single connection);
// a CSV logger mirrors the append-only streams for offline analysis.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"perp-arb/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id      TEXT PRIMARY KEY,
	ts      TEXT NOT NULL,
	level   TEXT NOT NULL,
	source  TEXT NOT NULL,
	message TEXT NOT NULL,
	data_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_ms    INTEGER NOT NULL,
	venue    TEXT NOT NULL,
	symbol   TEXT NOT NULL,
	side     TEXT NOT NULL,
	qty      TEXT NOT NULL,
	price    TEXT NOT NULL,
	order_id TEXT NOT NULL,
	tag      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS symbol_snapshots (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts        TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	data_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS market_spread_history (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	ts                INTEGER NOT NULL,
	symbol            TEXT NOT NULL,
	signed_edge_bps   TEXT NOT NULL,
	tradable_edge_pct TEXT NOT NULL,
	source            TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_spread_unique
	ON market_spread_history (symbol, ts, source);

CREATE TABLE IF NOT EXISTS credentials (
	venue      TEXT NOT NULL,
	field      TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (venue, field)
);
`

// Store is the SQLite-backed repository. All writes are serialized: SQLite
// allows one writer, so the store keeps a single connection and its own
// mutex rather than relying on the driver's busy handler.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates (or opens) the database at path, applying WAL mode and the
// schema. Parent directories are created as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// events
// ————————————————————————————————————————————————————————————————————————

// AddEvent upserts one event by id.
func (s *Store) AddEvent(event types.Event) error {
	data := []byte("{}")
	if event.Data != nil {
		var err error
		data, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO events (id, ts, level, source, message, data_json) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Ts, event.Level, event.Source, event.Message, string(data),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first.
func (s *Store) ListEvents(limit int) ([]types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, ts, level, source, message, data_json FROM events ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var event types.Event
		var data string
		if err := rows.Scan(&event.ID, &event.Ts, &event.Level, &event.Source, &event.Message, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &event.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// trades
// ————————————————————————————————————————————————————————————————————————

// AddTrade appends one executed fill.
func (s *Store) AddTrade(trade types.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO trades (ts_ms, venue, symbol, side, qty, price, order_id, tag) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.TsMs, string(trade.Venue), trade.Symbol, string(trade.Side),
		trade.Qty.String(), trade.Price.String(), trade.OrderID, trade.Tag,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// ListTrades returns the most recent trades, newest first.
func (s *Store) ListTrades(limit int) ([]types.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, ts_ms, venue, symbol, side, qty, price, order_id, tag FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []types.TradeRecord
	for rows.Next() {
		var trade types.TradeRecord
		var venue, side, qty, price string
		if err := rows.Scan(&trade.ID, &trade.TsMs, &venue, &trade.Symbol, &side, &qty, &price, &trade.OrderID, &trade.Tag); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trade.Venue = types.Venue(venue)
		trade.Side = types.Side(side)
		if trade.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("parse trade qty %q: %w", qty, err)
		}
		if trade.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse trade price %q: %w", price, err)
		}
		out = append(out, trade)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// symbol snapshots
// ————————————————————————————————————————————————————————————————————————

// AddSymbolSnapshot appends one per-symbol state snapshot.
func (s *Store) AddSymbolSnapshot(ts, symbol string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO symbol_snapshots (ts, symbol, data_json) VALUES (?, ?, ?)`,
		ts, symbol, string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSymbolSnapshots returns the newest snapshot for each symbol,
// ordered by symbol.
func (s *Store) LatestSymbolSnapshots() ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT s.data_json
		FROM symbol_snapshots s
		INNER JOIN (
			SELECT symbol, MAX(id) AS max_id
			FROM symbol_snapshots
			GROUP BY symbol
		) latest ON s.id = latest.max_id
		ORDER BY s.symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(payload), &data); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// market spread history
// ————————————————————————————————————————————————————————————————————————

// AppendSpreadPoints inserts observations, silently skipping duplicates of
// (symbol, ts, source). Returns the number of rows actually inserted.
func (s *Store) AppendSpreadPoints(points []types.SpreadPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, p := range points {
		res, err := s.db.Exec(
			`INSERT OR IGNORE INTO market_spread_history (ts, symbol, signed_edge_bps, tradable_edge_pct, source) VALUES (?, ?, ?, ?, ?)`,
			p.Ts, p.Symbol, p.SignedEdgeBps.String(), p.TradableEdgePct.String(), p.Source,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert spread point: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// RecentSpreadPoints returns up to limit observations for a symbol in
// chronological order, drawn from the newest rows.
func (s *Store) RecentSpreadPoints(symbol string, limit int) ([]types.SpreadPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT ts, symbol, signed_edge_bps, tradable_edge_pct, source
		 FROM market_spread_history WHERE symbol = ? ORDER BY id DESC LIMIT ?`,
		symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query spread history: %w", err)
	}
	defer rows.Close()

	var out []types.SpreadPoint
	for rows.Next() {
		var p types.SpreadPoint
		var edge, pct string
		if err := rows.Scan(&p.Ts, &p.Symbol, &edge, &pct, &p.Source); err != nil {
			return nil, fmt.Errorf("scan spread point: %w", err)
		}
		if p.SignedEdgeBps, err = decimal.NewFromString(edge); err != nil {
			return nil, fmt.Errorf("parse signed edge %q: %w", edge, err)
		}
		if p.TradableEdgePct, err = decimal.NewFromString(pct); err != nil {
			return nil, fmt.Errorf("parse tradable edge %q: %w", pct, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The query walks newest-first; flip to oldest-first for ring seeding.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountSpreadPoints returns the stored observation count for a symbol.
func (s *Store) CountSpreadPoints(symbol string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM market_spread_history WHERE symbol = ?`, symbol).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count spread history: %w", err)
	}
	return n, nil
}

// TrimSpreadHistory deletes all but the most recent keep rows for a symbol.
func (s *Store) TrimSpreadHistory(symbol string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`DELETE FROM market_spread_history
		 WHERE symbol = ? AND id NOT IN (
			SELECT id FROM market_spread_history WHERE symbol = ? ORDER BY id DESC LIMIT ?
		 )`,
		symbol, symbol, keep)
	if err != nil {
		return fmt.Errorf("trim spread history: %w", err)
	}
	return nil
}
