// venue_a.go implements the venue A REST/WS dialect.
//
// Venue A speaks a JSON-RPC style WebSocket ("bbo.<market>" channels) and a
// conventional REST API with HMAC-signed requests. All numeric fields arrive
// as strings and are parsed into decimals once, at the edge.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"perp-arb/internal/config"
	"perp-arb/pkg/types"
)

// NewVenueA builds the venue A adapter.
func NewVenueA(cfg config.VenueConfig, limiter *Limiter, simulated bool, logger *slog.Logger) *VenueAdapter {
	client := &venueAClient{
		cfg:    cfg,
		signer: NewVenueASigner(cfg.Credentials),
		http: resty.New().
			SetBaseURL(cfg.RestURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json"),
		logger: logger.With("component", "venue_a_client"),
	}
	return NewVenueAdapter(client, limiter, simulated, logger)
}

type venueAClient struct {
	cfg    config.VenueConfig
	http   *resty.Client
	signer *VenueASigner
	logger *slog.Logger
}

func (c *venueAClient) venue() types.Venue { return types.VenueA }
func (c *venueAClient) wsURL() string      { return c.cfg.WsURL }

// authHeaders signs one request. Query strings are excluded from the signed
// path by convention.
func (c *venueAClient) authHeaders(method, path, body string) (map[string]string, error) {
	if !c.signer.Ready() {
		return nil, fmt.Errorf("venue A credentials not configured")
	}
	return c.signer.Headers(method, path, body)
}

// ————————————————————————————————————————————————————————————————————————
// REST wire types
// ————————————————————————————————————————————————————————————————————————

type aMarket struct {
	Symbol        string `json:"symbol"`
	BaseCurrency  string `json:"base_currency"`
	QuoteCurrency string `json:"quote_currency"`
	AssetKind     string `json:"asset_kind"`
	MaxLeverage   string `json:"max_leverage"`
	TakerFee      string `json:"taker_fee"`
	MakerFee      string `json:"maker_fee"`
}

type aMarketsResponse struct {
	Results []aMarket `json:"results"`
}

type aOrderBook struct {
	Bids          [][2]string `json:"bids"`
	Asks          [][2]string `json:"asks"`
	LastUpdatedAt int64       `json:"last_updated_at"`
}

type aCandle struct {
	Time   int64  `json:"time"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

type aCandlesResponse struct {
	Results []aCandle `json:"results"`
}

type aPosition struct {
	Market string `json:"market"`
	Size   string `json:"size"`
}

type aPositionsResponse struct {
	Results []aPosition `json:"results"`
}

type aAccount struct {
	SettlementAsset string `json:"settlement_asset"`
	Equity          string `json:"equity"`
	FreeCollateral  string `json:"free_collateral"`
	MarginUsed      string `json:"margin_used"`
}

type aOrderRequest struct {
	Market     string `json:"market"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	Size       string `json:"size"`
	Price      string `json:"price,omitempty"`
	PostOnly   bool   `json:"post_only,omitempty"`
	ReduceOnly bool   `json:"reduce_only,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
}

type aOrderResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	FilledSize   string `json:"filled_size"`
	AvgFillPrice string `json:"avg_fill_price"`
}

// ————————————————————————————————————————————————————————————————————————
// REST calls
// ————————————————————————————————————————————————————————————————————————

func (c *venueAClient) healthCheck(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/v1/system/state")
	if err != nil {
		return fmt.Errorf("system state: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("system state: status %d", resp.StatusCode())
	}
	return nil
}

func (c *venueAClient) listMarkets(ctx context.Context) ([]types.MarketMeta, error) {
	var result aMarketsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v1/markets")
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list markets: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.MarketMeta, 0, len(result.Results))
	for _, m := range result.Results {
		if m.AssetKind != "" && m.AssetKind != "PERP" {
			continue
		}
		meta, ok := c.toMeta(m)
		if !ok {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (c *venueAClient) toMeta(m aMarket) (types.MarketMeta, bool) {
	lev, err := decimal.NewFromString(m.MaxLeverage)
	if err != nil {
		return types.MarketMeta{}, false
	}
	meta := types.MarketMeta{
		Market:      m.Symbol,
		Base:        strings.ToUpper(m.BaseCurrency),
		Quote:       strings.ToUpper(m.QuoteCurrency),
		MaxLeverage: lev,
		FeeSource:   "api",
	}
	if taker, err := decimal.NewFromString(m.TakerFee); err == nil {
		meta.TakerFeeRate = taker
	}
	if maker, err := decimal.NewFromString(m.MakerFee); err == nil {
		meta.MakerFeeRate = maker
	}
	if meta.TakerFeeRate.IsZero() && meta.MakerFeeRate.IsZero() {
		meta.FeeSource = ""
	}
	return meta, true
}

func (c *venueAClient) topOfBook(ctx context.Context, market string, depth int) (types.BBO, error) {
	var book aOrderBook
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("depth", fmt.Sprintf("%d", depth)).
		SetResult(&book).
		Get("/v1/orderbook/" + market)
	if err != nil {
		return types.BBO{}, fmt.Errorf("orderbook %s: %w", market, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.BBO{}, fmt.Errorf("orderbook %s: status %d", market, resp.StatusCode())
	}
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return types.BBO{}, fmt.Errorf("orderbook %s: empty side", market)
	}

	bbo, err := bboFromLevels(book.Bids[0], book.Asks[0])
	if err != nil {
		return types.BBO{}, fmt.Errorf("orderbook %s: %w", market, err)
	}
	if book.LastUpdatedAt > 0 {
		bbo.Ts = time.UnixMilli(book.LastUpdatedAt).UTC()
	} else {
		bbo.Ts = time.Now().UTC()
	}
	return bbo, nil
}

func (c *venueAClient) candles(ctx context.Context, market string, limit int) ([]types.Candle, error) {
	var result aCandlesResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"market":     market,
			"resolution": "1",
			"limit":      fmt.Sprintf("%d", limit),
		}).
		SetResult(&result).
		Get("/v1/candles")
	if err != nil {
		return nil, fmt.Errorf("candles %s: %w", market, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("candles %s: status %d", market, resp.StatusCode())
	}

	out := make([]types.Candle, 0, len(result.Results))
	for _, k := range result.Results {
		candle, err := parseCandle(k.Time, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			continue
		}
		out = append(out, candle)
	}
	return out, nil
}

func (c *venueAClient) position(ctx context.Context, market string) (decimal.Decimal, error) {
	headers, err := c.authHeaders("GET", "/v1/positions", "")
	if err != nil {
		return decimal.Zero, err
	}

	var result aPositionsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/v1/positions")
	if err != nil {
		return decimal.Zero, fmt.Errorf("positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("positions: status %d", resp.StatusCode())
	}

	for _, p := range result.Results {
		if p.Market != market {
			continue
		}
		size, err := decimal.NewFromString(p.Size)
		if err != nil {
			return decimal.Zero, fmt.Errorf("positions: parse size %q: %w", p.Size, err)
		}
		return size, nil
	}
	return decimal.Zero, nil
}

func (c *venueAClient) balance(ctx context.Context) (types.BalanceSummary, error) {
	headers, err := c.authHeaders("GET", "/v1/account", "")
	if err != nil {
		return types.BalanceSummary{}, err
	}

	var acct aAccount
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&acct).
		Get("/v1/account")
	if err != nil {
		return types.BalanceSummary{}, fmt.Errorf("account: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.BalanceSummary{}, fmt.Errorf("account: status %d", resp.StatusCode())
	}

	summary := types.BalanceSummary{
		Venue:     types.VenueA,
		Asset:     acct.SettlementAsset,
		UpdatedAt: time.Now().UTC(),
	}
	if summary.Asset == "" {
		summary.Asset = "USDC"
	}
	if eq, err := decimal.NewFromString(acct.Equity); err == nil {
		summary.Equity = eq
	}
	if free, err := decimal.NewFromString(acct.FreeCollateral); err == nil {
		summary.Available = free
	}
	if used, err := decimal.NewFromString(acct.MarginUsed); err == nil {
		summary.MarginUsed = used
	}
	return summary, nil
}

func (c *venueAClient) placeOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	payload := aOrderRequest{
		Market:     req.Market,
		Side:       string(req.Side),
		Type:       string(req.Type),
		Size:       req.Qty.String(),
		PostOnly:   req.PostOnly,
		ReduceOnly: req.ReduceOnly,
		ClientID:   req.ClientID,
	}
	if req.Type == types.OrderTypeLimit {
		payload.Price = req.Price.String()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("marshal order: %w", err)
	}

	headers, err := c.authHeaders("POST", "/v1/orders", string(body))
	if err != nil {
		return types.OrderResult{}, err
	}

	var result aOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(&result).
		Post("/v1/orders")
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("place order: %w", err)
	}
	if resp.IsError() {
		return types.OrderResult{}, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := types.OrderResult{OrderID: result.ID, Status: result.Status}
	if filled, err := decimal.NewFromString(result.FilledSize); err == nil {
		out.FilledQty = filled
	}
	if avg, err := decimal.NewFromString(result.AvgFillPrice); err == nil {
		out.AvgPrice = avg
	}
	return out, nil
}

func (c *venueAClient) cancelOrder(ctx context.Context, _ string, orderID string) (bool, error) {
	path := "/v1/orders/" + orderID
	headers, err := c.authHeaders("DELETE", path, "")
	if err != nil {
		return false, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete(path)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusOK:
		return true, nil
	case resp.StatusCode() == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("cancel order: status %d", resp.StatusCode())
	}
}

// ————————————————————————————————————————————————————————————————————————
// WS dialect
// ————————————————————————————————————————————————————————————————————————

type aSubscribeMsg struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      int               `json:"id"`
	Method  string            `json:"method"`
	Params  map[string]string `json:"params"`
}

type aWSFrame struct {
	Params struct {
		Channel string `json:"channel"`
		Data    struct {
			Bid           string `json:"bid"`
			Ask           string `json:"ask"`
			BidSize       string `json:"bid_size"`
			AskSize       string `json:"ask_size"`
			LastUpdatedAt int64  `json:"last_updated_at"`
		} `json:"data"`
	} `json:"params"`
}

// subscribeWS sends one JSON-RPC subscription per market.
func (c *venueAClient) subscribeWS(conn *websocket.Conn, markets []string) error {
	for i, market := range markets {
		msg := aSubscribeMsg{
			JSONRPC: "2.0",
			ID:      i + 1,
			Method:  "subscribe",
			Params:  map[string]string{"channel": "bbo." + market},
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("subscribe %s: %w", market, err)
		}
	}
	return nil
}

// parseFrame extracts a BBO from a "bbo.<market>" subscription frame.
func (c *venueAClient) parseFrame(data []byte) []BBOUpdate {
	var frame aWSFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil
	}
	channel := frame.Params.Channel
	if !strings.HasPrefix(channel, "bbo.") {
		return nil
	}
	market := strings.TrimPrefix(channel, "bbo.")

	bbo, err := bboFromStrings(frame.Params.Data.Bid, frame.Params.Data.Ask,
		frame.Params.Data.BidSize, frame.Params.Data.AskSize)
	if err != nil {
		c.logger.Debug("bad bbo frame", "market", market, "error", err)
		return nil
	}
	if frame.Params.Data.LastUpdatedAt > 0 {
		bbo.Ts = time.UnixMilli(frame.Params.Data.LastUpdatedAt).UTC()
	} else {
		bbo.Ts = time.Now().UTC()
	}
	return []BBOUpdate{{Market: market, BBO: bbo}}
}

// ————————————————————————————————————————————————————————————————————————
// shared parsing helpers
// ————————————————————————————————————————————————————————————————————————

func bboFromStrings(bid, ask, bidQty, askQty string) (types.BBO, error) {
	b, err := decimal.NewFromString(bid)
	if err != nil {
		return types.BBO{}, fmt.Errorf("parse bid %q: %w", bid, err)
	}
	a, err := decimal.NewFromString(ask)
	if err != nil {
		return types.BBO{}, fmt.Errorf("parse ask %q: %w", ask, err)
	}
	out := types.BBO{Bid: b, Ask: a}
	if q, err := decimal.NewFromString(bidQty); err == nil {
		out.BidQty = q
	}
	if q, err := decimal.NewFromString(askQty); err == nil {
		out.AskQty = q
	}
	return out, nil
}

func bboFromLevels(bid, ask [2]string) (types.BBO, error) {
	return bboFromStrings(bid[0], ask[0], bid[1], ask[1])
}

func parseCandle(ts int64, open, high, low, closePx, volume string) (types.Candle, error) {
	o, err := decimal.NewFromString(open)
	if err != nil {
		return types.Candle{}, err
	}
	h, err := decimal.NewFromString(high)
	if err != nil {
		return types.Candle{}, err
	}
	l, err := decimal.NewFromString(low)
	if err != nil {
		return types.Candle{}, err
	}
	c, err := decimal.NewFromString(closePx)
	if err != nil {
		return types.Candle{}, err
	}
	candle := types.Candle{Ts: ts, Open: o, High: h, Low: l, Close: c}
	if v, err := decimal.NewFromString(volume); err == nil {
		candle.Volume = v
	}
	return candle, nil
}
