package futures_usdt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
)

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64         // ms
	Timeout    time.Duration // per HTTP request
	BaseURL    string        // overrides the testnet/mainnet default
}

// Client handles Binance USDT-M futures over REST.
type Client struct {
	cfg         Config
	http        *resty.Client
	clock       *common.ServerClock
	rateLimiter *common.RateLimiter
}

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(cfg.Timeout).
			SetHeader("X-MBX-APIKEY", cfg.APIKey),
	}
	c.clock = common.NewServerClock(c.GetServerTime, 30*time.Minute)
	// 2400 weight/min for futures; pace well below the order-rate limits.
	c.rateLimiter = common.NewRateLimiter(20, 40, 2400, time.Minute)
	return c
}

// StartTimeSync keeps the signed-request timestamp aligned with the server.
func (c *Client) StartTimeSync(ctx context.Context) {
	go c.clock.Run(ctx)
}

func (c *Client) now() int64 {
	return c.clock.Timestamp()
}

func (c *Client) requireKeys(op string) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errs.Validation(op, "binance usdt futures: API key/secret required")
	}
	return nil
}

// CreateListenKey creates a listen key for the user data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	body, err := c.doKeyed(ctx, http.MethodPost, "/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", errors.Wrap(err, "decode listen key")
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends listen key life.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.doKeyed(ctx, http.MethodPut, "/fapi/v1/listenKey", params)
	return err
}

// PlaceOrder submits an order.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := c.requireKeys("place order"); err != nil {
		return common.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", formatFloat(req.Qty))
	params.Set("newOrderRespType", "RESULT")

	switch req.Type {
	case common.OrderTypeLimit:
		params.Set("price", formatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params.Set("timeInForce", string(tif))
		if tif == common.TIFGTD {
			// Binance rejects goodTillDate closer than 600s.
			gtd := req.GoodTillDate
			if floor := time.UnixMilli(c.now()).Add(601 * time.Second); gtd.Before(floor) {
				gtd = floor
			}
			params.Set("goodTillDate", strconv.FormatInt(gtd.UnixMilli(), 10))
		}
	case common.OrderTypeStopMarket, common.OrderTypeTakeProfitMarket:
		params.Set("stopPrice", formatFloat(req.StopPrice))
		if req.WorkingType != "" {
			params.Set("workingType", req.WorkingType)
		}
	}

	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.PositionSide != "" {
		params.Set("positionSide", req.PositionSide)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, errors.Wrap(err, "decode order")
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientID:        resp.ClientOrderID,
		Status:          mapStatus(resp.Status),
		ExecutedQty:     parseFloat(resp.ExecutedQty),
		AvgPrice:        parseFloat(resp.AvgPrice),
	}, nil
}

// CancelOrder cancels one order. Unknown orders report CancelNotFound and
// orders that finished before the cancel landed report CancelAlreadyTerminal.
func (c *Client) CancelOrder(ctx context.Context, symbol string, ref common.OrderRef) (common.CancelResult, error) {
	if err := c.requireKeys("cancel order"); err != nil {
		return 0, err
	}
	params := refParams(symbol, ref)
	body, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return common.CancelNotFound, nil
		}
		return 0, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, errors.Wrap(err, "decode cancel")
	}
	if st := mapStatus(resp.Status); st.IsTerminal() && st != common.StatusCanceled {
		return common.CancelAlreadyTerminal, nil
	}
	return common.CancelSuccess, nil
}

// QueryOrder fetches one order by client or exchange id.
func (c *Client) QueryOrder(ctx context.Context, symbol string, ref common.OrderRef) (common.OrderSnapshot, error) {
	if err := c.requireKeys("query order"); err != nil {
		return common.OrderSnapshot{}, err
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", refParams(symbol, ref))
	if err != nil {
		return common.OrderSnapshot{}, err
	}
	var o openOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return common.OrderSnapshot{}, errors.Wrap(err, "decode order")
	}
	return o.snapshot(), nil
}

// QueryOpenOrders returns open orders; symbol optional.
func (c *Client) QueryOpenOrders(ctx context.Context, symbol string) ([]common.OrderSnapshot, error) {
	if err := c.requireKeys("open orders"); err != nil {
		return nil, err
	}
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	var orders []openOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, errors.Wrap(err, "decode open orders")
	}
	out := make([]common.OrderSnapshot, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.snapshot())
	}
	return out, nil
}

// QueryPositions returns non-empty positions; symbol optional.
func (c *Client) QueryPositions(ctx context.Context, symbol string) ([]common.PositionSnapshot, error) {
	if err := c.requireKeys("positions"); err != nil {
		return nil, err
	}
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var risks []positionRisk
	if err := json.Unmarshal(body, &risks); err != nil {
		return nil, errors.Wrap(err, "decode positions")
	}
	out := make([]common.PositionSnapshot, 0, len(risks))
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := common.SideBuy
		switch {
		case r.PositionSide == "SHORT":
			side = common.SideSell
		case r.PositionSide != "LONG" && amt < 0:
			side = common.SideSell
		}
		if amt < 0 {
			amt = -amt
		}
		out = append(out, common.PositionSnapshot{
			Symbol:     r.Symbol,
			Side:       side,
			Qty:        amt,
			EntryPrice: parseFloat(r.EntryPrice),
		})
	}
	return out, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// SetMarginType sets margin type (ISOLATED or CROSSED). Already being in the
// requested mode is not an error.
func (c *Client) SetMarginType(ctx context.Context, symbol, marginType string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", strings.ToUpper(marginType))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/marginType", params)
	if err != nil && errs.CodeOf(err) == codeNoMarginChange {
		return nil
	}
	return err
}

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&res).Get("/fapi/v1/time")
	if err != nil {
		return 0, classifyTransport("server time", err)
	}
	if resp.IsError() {
		return 0, classifyResponse("server time", resp.StatusCode(), resp.Body())
	}
	return res.ServerTime, nil
}

func refParams(symbol string, ref common.OrderRef) url.Values {
	params := url.Values{}
	params.Set("symbol", symbol)
	if ref.ExchangeOrderID != "" {
		params.Set("orderId", ref.ExchangeOrderID)
	} else {
		params.Set("origClientOrderId", ref.ClientOrderID)
	}
	return params
}

// doKeyed sends an API-key-only request (listen key endpoints).
func (c *Client) doKeyed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	op := method + " " + path
	r := c.http.R().SetContext(ctx)
	if params != nil {
		r.SetQueryParamsFromValues(params)
	}
	resp, err := r.Execute(method, path)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	if resp.IsError() {
		return nil, classifyResponse(op, resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}

// doSigned handles signing and sending requests. Parameters always travel in
// the query string, which Binance accepts for every method. The query is put
// on the URL directly so resty does not re-sort it behind the signature.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	op := method + " " + path
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	encoded := params.Encode()
	query := encoded + "&signature=" + sign(encoded, c.cfg.APISecret)

	resp, err := c.http.R().
		SetContext(ctx).
		Execute(method, path+"?"+query)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	if c.rateLimiter != nil {
		c.rateLimiter.UpdateFromHeader(resp.Header().Get("X-MBX-USED-WEIGHT-1M"))
	}
	if resp.IsError() {
		err := classifyResponse(op, resp.StatusCode(), resp.Body())
		if errs.CodeOf(err) == codeTimestampOutside {
			c.clock.MarkStale()
		}
		return nil, err
	}
	return resp.Body(), nil
}

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
}

type openOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (o openOrder) snapshot() common.OrderSnapshot {
	return common.OrderSnapshot{
		Symbol:          o.Symbol,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: fmt.Sprintf("%d", o.OrderID),
		Side:            common.Side(o.Side),
		Type:            common.OrderType(o.Type),
		Status:          mapStatus(o.Status),
		Price:           parseFloat(o.Price),
		OrigQty:         parseFloat(o.OrigQty),
		ExecutedQty:     parseFloat(o.ExecutedQty),
		AvgPrice:        parseFloat(o.AvgPrice),
		UpdateTime:      msToTime(o.UpdateTime),
	}
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}
