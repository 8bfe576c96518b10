package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perp-arb/internal/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The operator UI is served from the same host.
		return true
	},
}

const (
	writeWait         = 10 * time.Second
	heartbeatInterval = 20 * time.Second
	maxMessageSize    = 4 * 1024
)

// streamClient is one connected stream consumer. Engine frames arrive on
// the orchestrator subscription (bounded, drop-oldest); market-top frames
// keep at most one pending, newer scans replace older ones.
type streamClient struct {
	conn   *websocket.Conn
	sub    *engine.Subscriber
	market chan engine.StreamMessage
	done   chan struct{}
	once   sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// offerMarket queues a market-top frame, replacing any pending one.
func (c *streamClient) offerMarket(message engine.StreamMessage) {
	for {
		select {
		case c.market <- message:
			return
		default:
			select {
			case <-c.market:
			default:
			}
		}
	}
}

// Stream upgrades the connection and serves engine frames until the
// client goes away.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &streamClient{
		conn:   conn,
		sub:    h.srv.orch.Subscribe(),
		market: make(chan engine.StreamMessage, 1),
		done:   make(chan struct{}),
	}
	h.srv.addClient(client)
	defer func() {
		h.srv.removeClient(client)
		h.srv.orch.Unsubscribe(client.sub)
		client.close()
	}()

	// Initial state so a fresh client renders immediately.
	initial := engine.StreamMessage{Type: "snapshot", Data: map[string]any{
		"status":  h.srv.orch.StatusPayload(r.Context()),
		"symbols": h.srv.orch.Symbols(),
	}}
	if err := writeFrame(conn, initial); err != nil {
		return
	}

	go client.readPump(h)
	client.writePump(h)
}

func writeFrame(conn *websocket.Conn, message engine.StreamMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// writePump drains the engine subscription, market queue, and heartbeat
// timer into the socket.
func (c *streamClient) writePump(h *Handlers) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.done:
			return
		case message, open := <-c.sub.C:
			if !open {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := writeFrame(c.conn, message); err != nil {
				return
			}
			heartbeat.Reset(heartbeatInterval)
		case message := <-c.market:
			if err := writeFrame(c.conn, message); err != nil {
				return
			}
			heartbeat.Reset(heartbeatInterval)
		case <-heartbeat.C:
			if err := writeFrame(c.conn, engine.StreamMessage{Type: "heartbeat"}); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames and detects the close.
func (c *streamClient) readPump(h *Handlers) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// The stream is one-way; client payloads are ignored.
	}
}
