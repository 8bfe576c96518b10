// venue_b.go implements the venue B REST/WS dialect.
//
// Venue B is RPC-flavored: market data and account queries are POSTs with a
// JSON body, responses arrive wrapped in a "result" envelope, and orders are
// EIP-712 typed-data payloads signed with a secp256k1 account key. The WS
// stream uses named feeds ("book.<market>") instead of JSON-RPC channels.
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

// bOrderExpiry is how far in the future signed orders expire. Orders are
// immediate (taker market or post-only limit cancelled on the next tick), so
// the window only needs to outlive clock skew.
const bOrderExpiry = 5 * time.Minute

// NewVenueB builds the venue B adapter. A bad private key is a hard error;
// missing credentials degrade to market-data-only operation.
func NewVenueB(cfg config.VenueConfig, limiter *Limiter, simulated bool, logger *slog.Logger) (*VenueAdapter, error) {
	signer, err := NewVenueBSigner(cfg.Credentials, cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("venue B signer: %w", err)
	}
	client := &venueBClient{
		cfg:    cfg,
		signer: signer,
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
		logger: logger.With("component", "venue_b_client"),
	}
	return NewVenueAdapter(client, limiter, simulated, logger), nil
}

type venueBClient struct {
	cfg    config.VenueConfig
	http   *resty.Client
	signer *VenueBSigner
	logger *slog.Logger
}

func (c *venueBClient) venue() types.Venue { return types.VenueB }
func (c *venueBClient) wsURL() string      { return c.cfg.WsURL }

// ————————————————————————————————————————————————————————————————————————
// REST wire types
// ————————————————————————————————————————————————————————————————————————

type bInstrument struct {
	Instrument   string `json:"instrument"`
	Base         string `json:"base"`
	Quote        string `json:"quote"`
	Kind         string `json:"kind"`
	MaxLeverage  string `json:"max_leverage"`
	TakerFeeRate string `json:"taker_fee_rate"`
	MakerFeeRate string `json:"maker_fee_rate"`
}

type bInstrumentsResponse struct {
	Result []bInstrument `json:"result"`
}

type bBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bBookResponse struct {
	Result struct {
		Bids   []bBookLevel `json:"bids"`
		Asks   []bBookLevel `json:"asks"`
		EventTime int64     `json:"event_time"` // unix milliseconds
	} `json:"result"`
}

type bCandle struct {
	OpenTime int64  `json:"open_time"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
}

type bCandlesResponse struct {
	Result []bCandle `json:"result"`
}

type bPositionsResponse struct {
	Result []struct {
		Instrument string `json:"instrument"`
		Size       string `json:"size"`
	} `json:"result"`
}

type bAccountResponse struct {
	Result struct {
		SettleCurrency   string `json:"settle_currency"`
		TotalEquity      string `json:"total_equity"`
		AvailableBalance string `json:"available_balance"`
		InitialMargin    string `json:"initial_margin"`
	} `json:"result"`
}

// bOrderPayload is the signed order envelope. Size and limit price travel in
// the venue's 9-decimal fixed-point representation, matching what the
// EIP-712 digest commits to.
type bOrderPayload struct {
	AccountID  string `json:"account_id"`
	Instrument string `json:"instrument"`
	IsBuy      bool   `json:"is_buy"`
	OrderType  string `json:"order_type"`
	Size       string `json:"size"`
	LimitPrice string `json:"limit_price"`
	ReduceOnly bool   `json:"reduce_only"`
	PostOnly   bool   `json:"post_only"`
	Nonce      int64  `json:"nonce"`
	Expiration int64  `json:"expiration"`
	Signature  string `json:"signature"`
	Signer     string `json:"signer"`
	ClientID   string `json:"client_order_id,omitempty"`
}

type bOrderResponse struct {
	Result struct {
		OrderID  string `json:"order_id"`
		State    string `json:"state"`
		Filled   string `json:"filled_size"`
		AvgPrice string `json:"average_price"`
	} `json:"result"`
}

// ————————————————————————————————————————————————————————————————————————
// REST calls
// ————————————————————————————————————————————————————————————————————————

func (c *venueBClient) healthCheck(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/v1/time")
	if err != nil {
		return fmt.Errorf("server time: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("server time: status %d", resp.StatusCode())
	}
	return nil
}

func (c *venueBClient) listMarkets(ctx context.Context) ([]types.MarketMeta, error) {
	var result bInstrumentsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"kind": "PERPETUAL"}).
		SetResult(&result).
		Post("/v1/instruments")
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list instruments: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.MarketMeta, 0, len(result.Result))
	for _, inst := range result.Result {
		if inst.Kind != "" && inst.Kind != "PERPETUAL" {
			continue
		}
		meta, ok := c.toMeta(inst)
		if !ok {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (c *venueBClient) toMeta(inst bInstrument) (types.MarketMeta, bool) {
	lev, err := decimal.NewFromString(inst.MaxLeverage)
	if err != nil {
		return types.MarketMeta{}, false
	}
	meta := types.MarketMeta{
		Market:      inst.Instrument,
		Base:        strings.ToUpper(inst.Base),
		Quote:       strings.ToUpper(inst.Quote),
		MaxLeverage: lev,
		FeeSource:   "api",
	}
	if taker, err := decimal.NewFromString(inst.TakerFeeRate); err == nil {
		meta.TakerFeeRate = taker
	}
	if maker, err := decimal.NewFromString(inst.MakerFeeRate); err == nil {
		meta.MakerFeeRate = maker
	}
	if meta.TakerFeeRate.IsZero() && meta.MakerFeeRate.IsZero() {
		meta.FeeSource = ""
	}
	return meta, true
}

func (c *venueBClient) topOfBook(ctx context.Context, market string, depth int) (types.BBO, error) {
	var book bBookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"instrument": market, "depth": depth}).
		SetResult(&book).
		Post("/v1/book")
	if err != nil {
		return types.BBO{}, fmt.Errorf("book %s: %w", market, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.BBO{}, fmt.Errorf("book %s: status %d", market, resp.StatusCode())
	}
	if len(book.Result.Bids) == 0 || len(book.Result.Asks) == 0 {
		return types.BBO{}, fmt.Errorf("book %s: empty side", market)
	}

	bid, ask := book.Result.Bids[0], book.Result.Asks[0]
	bbo, err := bboFromStrings(bid.Price, ask.Price, bid.Size, ask.Size)
	if err != nil {
		return types.BBO{}, fmt.Errorf("book %s: %w", market, err)
	}
	if book.Result.EventTime > 0 {
		bbo.Ts = time.UnixMilli(book.Result.EventTime).UTC()
	} else {
		bbo.Ts = time.Now().UTC()
	}
	return bbo, nil
}

func (c *venueBClient) candles(ctx context.Context, market string, limit int) ([]types.Candle, error) {
	var result bCandlesResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"instrument": market,
			"interval":   "1m",
			"limit":      limit,
		}).
		SetResult(&result).
		Post("/v1/kline")
	if err != nil {
		return nil, fmt.Errorf("kline %s: %w", market, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("kline %s: status %d", market, resp.StatusCode())
	}

	out := make([]types.Candle, 0, len(result.Result))
	for _, k := range result.Result {
		candle, err := parseCandle(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			continue
		}
		out = append(out, candle)
	}
	return out, nil
}

func (c *venueBClient) position(ctx context.Context, market string) (decimal.Decimal, error) {
	if c.signer.AccountID() == "" {
		return decimal.Zero, fmt.Errorf("venue B trading account not configured")
	}

	var result bPositionsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.signer.AuthHeaders()).
		SetBody(map[string]any{"account_id": c.signer.AccountID()}).
		SetResult(&result).
		Post("/v1/positions")
	if err != nil {
		return decimal.Zero, fmt.Errorf("positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("positions: status %d", resp.StatusCode())
	}

	for _, p := range result.Result {
		if p.Instrument != market {
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

func (c *venueBClient) balance(ctx context.Context) (types.BalanceSummary, error) {
	if c.signer.AccountID() == "" {
		return types.BalanceSummary{}, fmt.Errorf("venue B trading account not configured")
	}

	var acct bAccountResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.signer.AuthHeaders()).
		SetBody(map[string]any{"account_id": c.signer.AccountID()}).
		SetResult(&acct).
		Post("/v1/account_summary")
	if err != nil {
		return types.BalanceSummary{}, fmt.Errorf("account summary: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.BalanceSummary{}, fmt.Errorf("account summary: status %d", resp.StatusCode())
	}

	summary := types.BalanceSummary{
		Venue:     types.VenueB,
		Asset:     acct.Result.SettleCurrency,
		UpdatedAt: time.Now().UTC(),
	}
	if summary.Asset == "" {
		summary.Asset = "USDT"
	}
	if eq, err := decimal.NewFromString(acct.Result.TotalEquity); err == nil {
		summary.Equity = eq
	}
	if avail, err := decimal.NewFromString(acct.Result.AvailableBalance); err == nil {
		summary.Available = avail
	}
	if used, err := decimal.NewFromString(acct.Result.InitialMargin); err == nil {
		summary.MarginUsed = used
	}
	return summary, nil
}

func (c *venueBClient) placeOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	if !c.signer.Ready() {
		return types.OrderResult{}, fmt.Errorf("venue B credentials not configured")
	}

	nonce := time.Now().UnixNano()
	expiry := time.Now().Add(bOrderExpiry)
	sig, err := c.signer.SignOrder(req, nonce, expiry)
	if err != nil {
		return types.OrderResult{}, err
	}

	payload := bOrderPayload{
		AccountID:  c.signer.AccountID(),
		Instrument: req.Market,
		IsBuy:      req.Side == types.BUY,
		OrderType:  string(req.Type),
		Size:       orderScale(req.Qty).String(),
		LimitPrice: orderScale(req.Price).String(),
		ReduceOnly: req.ReduceOnly,
		PostOnly:   req.PostOnly,
		Nonce:      nonce,
		Expiration: expiry.Unix(),
		Signature:  sig,
		Signer:     c.signer.Address().Hex(),
		ClientID:   req.ClientID,
	}

	var result bOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.signer.AuthHeaders()).
		SetBody(payload).
		SetResult(&result).
		Post("/v1/create_order")
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("place order: %w", err)
	}
	if resp.IsError() {
		return types.OrderResult{}, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := types.OrderResult{OrderID: result.Result.OrderID, Status: result.Result.State}
	if filled, err := decimal.NewFromString(result.Result.Filled); err == nil {
		out.FilledQty = unscale(filled)
	}
	if avg, err := decimal.NewFromString(result.Result.AvgPrice); err == nil {
		out.AvgPrice = unscale(avg)
	}
	return out, nil
}

// unscale reverses the 9-decimal fixed-point wire representation.
func unscale(d decimal.Decimal) decimal.Decimal {
	return d.Shift(-9)
}

func (c *venueBClient) cancelOrder(ctx context.Context, market, orderID string) (bool, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.signer.AuthHeaders()).
		SetBody(map[string]any{
			"account_id": c.signer.AccountID(),
			"instrument": market,
			"order_id":   orderID,
		}).
		Post("/v1/cancel_order")
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

type bSubscribeMsg struct {
	Method string   `json:"method"`
	Feeds  []string `json:"feeds"`
}

type bWSFrame struct {
	Feed string `json:"feed"`
	Data struct {
		BestBid     string `json:"best_bid"`
		BestAsk     string `json:"best_ask"`
		BestBidSize string `json:"best_bid_size"`
		BestAskSize string `json:"best_ask_size"`
		EventTime   int64  `json:"event_time"`
	} `json:"data"`
}

// subscribeWS requests all book feeds in one message.
func (c *venueBClient) subscribeWS(conn *websocket.Conn, markets []string) error {
	feeds := make([]string, 0, len(markets))
	for _, market := range markets {
		feeds = append(feeds, "book."+market)
	}
	msg := bSubscribeMsg{Method: "subscribe", Feeds: feeds}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// parseFrame extracts a BBO from a "book.<market>" feed frame.
func (c *venueBClient) parseFrame(data []byte) []BBOUpdate {
	var frame bWSFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil
	}
	if !strings.HasPrefix(frame.Feed, "book.") {
		return nil
	}
	market := strings.TrimPrefix(frame.Feed, "book.")

	bbo, err := bboFromStrings(frame.Data.BestBid, frame.Data.BestAsk,
		frame.Data.BestBidSize, frame.Data.BestAskSize)
	if err != nil {
		c.logger.Debug("bad book frame", "market", market, "error", err)
		return nil
	}
	if frame.Data.EventTime > 0 {
		bbo.Ts = time.UnixMilli(frame.Data.EventTime).UTC()
	} else {
		bbo.Ts = time.Now().UTC()
	}
	return []BBOUpdate{{Market: market, BBO: bbo}}
}
