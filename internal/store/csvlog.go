package store

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"perp-arb/pkg/types"
)

// SnapshotRow is the flattened per-symbol state line the CSV logger writes.
type SnapshotRow struct {
	UpdatedAt      string
	Symbol         string
	Status         string
	Signal         string
	SpreadBps      float64
	ZScore         float64
	NetPosition    float64
	TargetPosition float64
}

// CSVLogger mirrors the append-only streams to CSV files for offline
// analysis. Writes are best effort: the caller logs failures and keeps
// trading.
type CSVLogger struct {
	mu           sync.Mutex
	eventPath    string
	tradePath    string
	snapshotPath string
}

// NewCSVLogger creates the directory and the three files with headers if
// they do not exist yet.
func NewCSVLogger(dir string) (*CSVLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create csv dir: %w", err)
	}

	l := &CSVLogger{
		eventPath:    filepath.Join(dir, "events.csv"),
		tradePath:    filepath.Join(dir, "trades.csv"),
		snapshotPath: filepath.Join(dir, "symbol_snapshots.csv"),
	}

	headers := []struct {
		path   string
		fields []string
	}{
		{l.eventPath, []string{"id", "ts", "level", "source", "message", "data"}},
		{l.tradePath, []string{"ts_ms", "exchange", "symbol", "side", "quantity", "price", "order_id", "tag"}},
		{l.snapshotPath, []string{"updated_at", "symbol", "status", "signal", "spread_bps", "zscore", "net_position", "target_position"}},
	}
	for _, h := range headers {
		if err := ensureHeader(h.path, h.fields); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func ensureHeader(path string, fields []string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(fields); err != nil {
		return fmt.Errorf("write header %s: %w", path, err)
	}
	w.Flush()
	return w.Error()
}

func (l *CSVLogger) appendRow(path string, row []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(row); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	w.Flush()
	return w.Error()
}

// LogEvent appends one event line.
func (l *CSVLogger) LogEvent(event types.Event) error {
	data := ""
	if event.Data != nil {
		if encoded, err := json.Marshal(event.Data); err == nil {
			data = string(encoded)
		}
	}
	return l.appendRow(l.eventPath, []string{
		event.ID, event.Ts, event.Level, event.Source, event.Message, data,
	})
}

// LogTrade appends one fill line.
func (l *CSVLogger) LogTrade(trade types.TradeRecord) error {
	return l.appendRow(l.tradePath, []string{
		strconv.FormatInt(trade.TsMs, 10),
		string(trade.Venue),
		trade.Symbol,
		string(trade.Side),
		trade.Qty.String(),
		trade.Price.String(),
		trade.OrderID,
		trade.Tag,
	})
}

// LogSnapshot appends one per-symbol state line.
func (l *CSVLogger) LogSnapshot(row SnapshotRow) error {
	return l.appendRow(l.snapshotPath, []string{
		row.UpdatedAt,
		row.Symbol,
		row.Status,
		row.Signal,
		strconv.FormatFloat(row.SpreadBps, 'f', -1, 64),
		strconv.FormatFloat(row.ZScore, 'f', -1, 64),
		strconv.FormatFloat(row.NetPosition, 'f', -1, 64),
		strconv.FormatFloat(row.TargetPosition, 'f', -1, 64),
	})
}
