package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const defaultRecvWindow = "5000"

// Client is a Bybit v5 REST client. Public calls need no credentials.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	recvWindow string
	httpClient *http.Client
	now        func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default 10s-timeout http.Client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = h }
}

// WithClock overrides the signing timestamp source (tests).
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client for baseURL (MainnetREST, TestnetREST or a test server).
func NewClient(baseURL, apiKey, apiSecret string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: defaultRecvWindow,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// GetKlines returns up to limit klines for symbol, newest first, exactly as
// the venue orders them. The newest row may still be forming.
func (c *Client) GetKlines(ctx context.Context, category, symbol, interval string, limit int) ([]Kline, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))

	raw, err := c.do(ctx, http.MethodGet, "/v5/market/kline", q.Encode(), nil, false)
	if err != nil {
		return nil, fmt.Errorf("get klines %s: %w", symbol, err)
	}

	var res struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("get klines %s: decode: %w", symbol, err)
	}

	out := make([]Kline, 0, len(res.List))
	for i, row := range res.List {
		k, err := parseKlineRow(row, interval)
		if err != nil {
			return nil, fmt.Errorf("get klines %s: row %d: %w", symbol, i, err)
		}
		out = append(out, k)
	}
	return out, nil
}

// parseKlineRow decodes [start, open, high, low, close, volume, turnover].
func parseKlineRow(row []string, interval string) (Kline, error) {
	if len(row) < 6 {
		return Kline{}, fmt.Errorf("expected at least 6 fields, got %d", len(row))
	}
	start, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return Kline{}, fmt.Errorf("start: %w", err)
	}
	vals := make([]decimal.Decimal, 6)
	for i := 1; i < len(row) && i <= 6; i++ {
		d, err := decimal.NewFromString(row[i])
		if err != nil {
			return Kline{}, fmt.Errorf("field %d: %w", i, err)
		}
		vals[i-1] = d
	}
	return Kline{
		Start:    start,
		Interval: interval,
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
		Turnover: vals[5],
		Confirm:  true,
	}, nil
}

// PlaceOrder submits a market order. Zero stop-loss / take-profit are omitted.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderAck, error) {
	body := map[string]any{
		"category":  req.Category,
		"symbol":    req.Symbol,
		"side":      req.Side,
		"orderType": "Market",
		"qty":       req.Qty.String(),
	}
	if !req.StopLoss.IsZero() {
		body["stopLoss"] = req.StopLoss.String()
	}
	if !req.TakeProfit.IsZero() {
		body["takeProfit"] = req.TakeProfit.String()
	}
	if req.OrderLinkID != "" {
		body["orderLinkId"] = req.OrderLinkID
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("place order: marshal: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/v5/order/create", "", payload, true)
	if err != nil {
		return nil, fmt.Errorf("place order %s %s: %w", req.Symbol, req.Side, err)
	}

	var ack OrderAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("place order: decode: %w", err)
	}
	return &ack, nil
}

// GetPositions lists positions for symbol.
func (c *Client) GetPositions(ctx context.Context, category, symbol string) ([]PositionRecord, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)

	raw, err := c.do(ctx, http.MethodGet, "/v5/position/list", q.Encode(), nil, true)
	if err != nil {
		return nil, fmt.Errorf("get positions %s: %w", symbol, err)
	}

	var res struct {
		List []positionRow `json:"list"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("get positions: decode: %w", err)
	}
	out := make([]PositionRecord, 0, len(res.List))
	for _, r := range res.List {
		out = append(out, r.record())
	}
	return out, nil
}

// sign returns hex HMAC-SHA256(timestamp + key + recvWindow + payload).
func (c *Client) sign(timestamp, payload string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(timestamp + c.apiKey + c.recvWindow + payload))
	return hex.EncodeToString(h.Sum(nil))
}

// do sends a request and returns the envelope's result. For signed GETs the
// signed payload is the query string; for POSTs it is the JSON body.
func (c *Client) do(ctx context.Context, method, path, query string, body []byte, signed bool) (json.RawMessage, error) {
	u := c.baseURL + path
	if query != "" {
		u += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		if c.apiKey == "" || c.apiSecret == "" {
			return nil, ErrMissingCredentials
		}
		ts := strconv.FormatInt(c.now().UnixMilli(), 10)
		payload := query
		if method == http.MethodPost {
			payload = string(body)
		}
		req.Header.Set("X-BAPI-API-KEY", c.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
		req.Header.Set("X-BAPI-SIGN", c.sign(ts, payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.RetCode != 0 {
		return nil, &APIError{RetCode: env.RetCode, RetMsg: env.RetMsg}
	}
	return env.Result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
