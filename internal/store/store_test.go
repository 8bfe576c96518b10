package store

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"perp-arb/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEventReplaceOnID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	ev := types.Event{ID: "ev-1", Ts: "2026-08-26T00:00:00Z", Level: types.LevelInfo, Source: types.SourceEngine, Message: "started"}
	if err := s.AddEvent(ev); err != nil {
		t.Fatalf("AddEvent() error = %v", err)
	}
	ev.Message = "restarted"
	if err := s.AddEvent(ev); err != nil {
		t.Fatalf("AddEvent() replace error = %v", err)
	}

	events, err := s.ListEvents(10)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Message != "restarted" {
		t.Errorf("message = %q, want %q", events[0].Message, "restarted")
	}
}

func TestListEventsNewestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.AddEvent(types.Event{ID: id, Ts: id, Level: types.LevelInfo, Source: types.SourceEngine, Message: id}); err != nil {
			t.Fatalf("AddEvent(%s) error = %v", id, err)
		}
	}

	events, err := s.ListEvents(2)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].ID != "c" || events[1].ID != "b" {
		t.Errorf("order = [%s %s], want [c b]", events[0].ID, events[1].ID)
	}
}

func TestTradeRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	in := types.TradeRecord{
		TsMs:    1756166400000,
		Venue:   types.VenueA,
		Symbol:  "BTC",
		Side:    types.BUY,
		Qty:     decimal.RequireFromString("0.0015"),
		Price:   decimal.RequireFromString("50123.45"),
		OrderID: "ord-1",
		Tag:     "open",
	}
	if err := s.AddTrade(in); err != nil {
		t.Fatalf("AddTrade() error = %v", err)
	}

	trades, err := s.ListTrades(5)
	if err != nil {
		t.Fatalf("ListTrades() error = %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("len(trades) = %d, want 1", len(trades))
	}
	got := trades[0]
	if !got.Qty.Equal(in.Qty) || !got.Price.Equal(in.Price) {
		t.Errorf("qty/price = %s/%s, want %s/%s", got.Qty, got.Price, in.Qty, in.Price)
	}
	if got.Venue != in.Venue || got.Tag != in.Tag {
		t.Errorf("venue/tag = %s/%s, want %s/%s", got.Venue, got.Tag, in.Venue, in.Tag)
	}
}

func TestLatestSymbolSnapshots(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	rows := []struct {
		ts     string
		symbol string
		status string
	}{
		{"t1", "BTC", "warming"},
		{"t2", "ETH", "running"},
		{"t3", "BTC", "running"},
	}
	for _, r := range rows {
		data := map[string]any{"symbol": r.symbol, "status": r.status}
		if err := s.AddSymbolSnapshot(r.ts, r.symbol, data); err != nil {
			t.Fatalf("AddSymbolSnapshot() error = %v", err)
		}
	}

	latest, err := s.LatestSymbolSnapshots()
	if err != nil {
		t.Fatalf("LatestSymbolSnapshots() error = %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("len(latest) = %d, want 2", len(latest))
	}
	if latest[0]["symbol"] != "BTC" || latest[1]["symbol"] != "ETH" {
		t.Fatalf("symbols = [%v %v], want [BTC ETH]", latest[0]["symbol"], latest[1]["symbol"])
	}
	if latest[0]["status"] != "running" {
		t.Errorf("BTC status = %v, want running", latest[0]["status"])
	}
}

func TestAppendSpreadPointsDedup(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	points := []types.SpreadPoint{
		{Symbol: "BTC", Ts: 100, Source: types.SpreadSourceScanner, SignedEdgeBps: decimal.NewFromInt(3)},
		{Symbol: "BTC", Ts: 160, Source: types.SpreadSourceScanner, SignedEdgeBps: decimal.NewFromInt(4)},
	}
	n, err := s.AppendSpreadPoints(points)
	if err != nil {
		t.Fatalf("AppendSpreadPoints() error = %v", err)
	}
	if n != 2 {
		t.Errorf("inserted = %d, want 2", n)
	}

	// Same (symbol, ts, source) key must be ignored.
	n, err = s.AppendSpreadPoints(points[:1])
	if err != nil {
		t.Fatalf("AppendSpreadPoints() dup error = %v", err)
	}
	if n != 0 {
		t.Errorf("dup inserted = %d, want 0", n)
	}

	count, err := s.CountSpreadPoints("BTC")
	if err != nil {
		t.Fatalf("CountSpreadPoints() error = %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestRecentSpreadPointsChronological(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	var points []types.SpreadPoint
	for i := int64(0); i < 5; i++ {
		points = append(points, types.SpreadPoint{
			Symbol: "ETH", Ts: 100 + i*60, Source: types.SpreadSourceBackfill,
			SignedEdgeBps: decimal.NewFromInt(i),
		})
	}
	if _, err := s.AppendSpreadPoints(points); err != nil {
		t.Fatalf("AppendSpreadPoints() error = %v", err)
	}

	recent, err := s.RecentSpreadPoints("ETH", 3)
	if err != nil {
		t.Fatalf("RecentSpreadPoints() error = %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d, want 3", len(recent))
	}
	// Most recent three, oldest first.
	for i, want := range []int64{220, 280, 340} {
		if recent[i].Ts != want {
			t.Errorf("recent[%d].Ts = %d, want %d", i, recent[i].Ts, want)
		}
	}
}

func TestTrimSpreadHistory(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	var points []types.SpreadPoint
	for i := int64(0); i < 10; i++ {
		points = append(points, types.SpreadPoint{
			Symbol: "SOL", Ts: i, Source: types.SpreadSourceScanner,
			SignedEdgeBps: decimal.NewFromInt(i),
		})
	}
	if _, err := s.AppendSpreadPoints(points); err != nil {
		t.Fatalf("AppendSpreadPoints() error = %v", err)
	}

	if err := s.TrimSpreadHistory("SOL", 4); err != nil {
		t.Fatalf("TrimSpreadHistory() error = %v", err)
	}
	recent, err := s.RecentSpreadPoints("SOL", 10)
	if err != nil {
		t.Fatalf("RecentSpreadPoints() error = %v", err)
	}
	if len(recent) != 4 {
		t.Fatalf("len(recent) = %d, want 4", len(recent))
	}
	if recent[0].Ts != 6 {
		t.Errorf("oldest kept Ts = %d, want 6", recent[0].Ts)
	}
}

func TestCredentialsLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	err := s.SaveCredentials(map[types.Venue]map[string]string{
		types.VenueA: {"api_key": "alpha-key-12345", "api_secret": "sec"},
	})
	if err != nil {
		t.Fatalf("SaveCredentials() error = %v", err)
	}

	status, err := s.CredentialsStatus()
	if err != nil {
		t.Fatalf("CredentialsStatus() error = %v", err)
	}
	a := status[types.VenueA]
	if !a["api_key"].Configured {
		t.Error("api_key configured = false, want true")
	}
	if a["api_key"].Masked != "****2345" {
		t.Errorf("api_key masked = %q, want %q", a["api_key"].Masked, "****2345")
	}
	if a["api_secret"].Masked != "****c" {
		t.Errorf("api_secret masked = %q, want %q", a["api_secret"].Masked, "****c")
	}
	if a["passphrase"].Configured {
		t.Error("passphrase configured = true, want false")
	}
	if _, ok := status[types.VenueB]["private_key"]; !ok {
		t.Error("venue B whitelist field missing from status")
	}

	// Empty value clears the field; absent fields stay untouched.
	err = s.SaveCredentials(map[types.Venue]map[string]string{
		types.VenueA: {"api_key": ""},
	})
	if err != nil {
		t.Fatalf("SaveCredentials() clear error = %v", err)
	}
	eff, err := s.EffectiveCredentials()
	if err != nil {
		t.Fatalf("EffectiveCredentials() error = %v", err)
	}
	if eff[types.VenueA]["api_key"] != "" {
		t.Errorf("cleared api_key = %q, want empty", eff[types.VenueA]["api_key"])
	}
	if eff[types.VenueA]["api_secret"] != "sec" {
		t.Errorf("api_secret = %q, want %q", eff[types.VenueA]["api_secret"], "sec")
	}
}

func TestCSVLoggerWritesHeadersAndRows(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	l, err := NewCSVLogger(dir)
	if err != nil {
		t.Fatalf("NewCSVLogger() error = %v", err)
	}
	err = l.LogTrade(types.TradeRecord{
		TsMs: 42, Venue: types.VenueB, Symbol: "BTC", Side: types.SELL,
		Qty: decimal.RequireFromString("0.001"), Price: decimal.RequireFromString("50000"),
		OrderID: "o1", Tag: "close",
	})
	if err != nil {
		t.Fatalf("LogTrade() error = %v", err)
	}
	err = l.LogEvent(types.Event{ID: "e1", Ts: "t", Level: types.LevelWarn, Source: types.SourceRisk, Message: "stale book", Data: map[string]any{"symbol": "BTC"}})
	if err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}
	err = l.LogSnapshot(SnapshotRow{UpdatedAt: "t", Symbol: "BTC", Status: "running", Signal: "hold", SpreadBps: 1.5})
	if err != nil {
		t.Fatalf("LogSnapshot() error = %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "trades.csv"))
	if err != nil {
		t.Fatalf("open trades.csv: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read trades.csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("trades.csv rows = %d, want 2", len(rows))
	}
	if rows[0][1] != "exchange" {
		t.Errorf("header[1] = %q, want %q", rows[0][1], "exchange")
	}
	if rows[1][4] != "0.001" || rows[1][7] != "close" {
		t.Errorf("row = %v, want qty 0.001 and tag close", rows[1])
	}
}
