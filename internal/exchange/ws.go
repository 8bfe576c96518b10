// ws.go implements the live market-data feed shared by both venue adapters.
//
// Each adapter owns one feed. The feed maintains a single WebSocket
// connection, auto-reconnects with exponential backoff (1s → 30s max),
// re-subscribes on reconnection, and keeps only the latest BBO per market.
// Venue dialects differ only in the subscribe payload and frame parsing,
// which the adapters inject.
//
// Liveness callbacks (connected / message / disconnected) feed the WS
// supervisor so the engine can gate entries on feed health.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perp-arb/pkg/types"
)

const (
	wsPingInterval     = 20 * time.Second
	wsReadTimeout      = 30 * time.Second // silent feed triggers reconnect
	wsMaxReconnectWait = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
)

// BBOUpdate is one parsed top-of-book change.
type BBOUpdate struct {
	Market string
	BBO    types.BBO
}

// FeedHooks receives liveness callbacks from a feed or a simulated adapter.
// Nil members are skipped.
type FeedHooks struct {
	OnConnected    func(venue types.Venue)
	OnMessage      func(venue types.Venue)
	OnDisconnected func(venue types.Venue)
}

func (h FeedHooks) connected(v types.Venue) {
	if h.OnConnected != nil {
		h.OnConnected(v)
	}
}

func (h FeedHooks) message(v types.Venue) {
	if h.OnMessage != nil {
		h.OnMessage(v)
	}
}

func (h FeedHooks) disconnected(v types.Venue) {
	if h.OnDisconnected != nil {
		h.OnDisconnected(v)
	}
}

// subscribeFunc writes the venue-specific subscription for the markets.
type subscribeFunc func(conn *websocket.Conn, markets []string) error

// parseFunc extracts BBO updates from one raw frame. Frames that are not
// book updates return an empty slice.
type parseFunc func(data []byte) []BBOUpdate

// WSFeed manages one venue's market-data connection and quote cache.
type WSFeed struct {
	venue     types.Venue
	url       string
	subscribe subscribeFunc
	parse     parseFunc
	hooks     FeedHooks
	logger    *slog.Logger

	connMu sync.Mutex // protects conn writes
	conn   *websocket.Conn

	mu      sync.RWMutex
	latest  map[string]types.BBO
	markets []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSFeed builds a feed. Start connects it.
func NewWSFeed(venue types.Venue, url string, subscribe subscribeFunc, parse parseFunc, hooks FeedHooks, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		venue:     venue,
		url:       url,
		subscribe: subscribe,
		parse:     parse,
		hooks:     hooks,
		latest:    make(map[string]types.BBO),
		logger:    logger.With("component", "ws_feed", "venue", venue),
	}
}

// Start launches the connection loop for the given markets. It returns
// immediately; reconnection is handled internally until Stop.
func (f *WSFeed) Start(ctx context.Context, markets []string) {
	f.mu.Lock()
	f.markets = append([]string(nil), markets...)
	f.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run(runCtx)
	}()
}

// Stop tears down the connection and waits for the loop to exit.
func (f *WSFeed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.connMu.Unlock()
	f.wg.Wait()
}

// Latest returns the freshest quote for a market, if any arrived yet.
func (f *WSFeed) Latest(market string) (types.BBO, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	bbo, ok := f.latest[market]
	return bbo, ok
}

// run connects and maintains the connection with auto-reconnect.
func (f *WSFeed) run(ctx context.Context) {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		f.hooks.disconnected(f.venue)
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.mu.RLock()
	markets := append([]string(nil), f.markets...)
	f.mu.RUnlock()

	if err := f.subscribe(conn, markets); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.hooks.connected(f.venue)
	f.logger.Info("websocket connected", "markets", len(markets))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		updates := f.parse(msg)
		if len(updates) == 0 {
			continue
		}

		f.mu.Lock()
		for _, u := range updates {
			f.latest[u.Market] = u.BBO
		}
		f.mu.Unlock()
		f.hooks.message(f.venue)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeControl(websocket.PingMessage); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeControl(msgType int) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return f.conn.WriteControl(msgType, nil, time.Now().Add(wsWriteTimeout))
}
