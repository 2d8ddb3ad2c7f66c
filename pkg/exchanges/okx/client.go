// Package okx implements the live-trading adapter for OKX's v5 REST
// API.
package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"papertrade-core/pkg/exchanges/common"
)

const defaultBaseURL = "https://www.okx.com"

// Client talks to OKX. With Simulated set it targets the exchange's
// demo-trading environment via the x-simulated-trading header.
type Client struct {
	apiKey     string
	apiSecret  string
	passphrase string
	simulated  bool

	baseURL string
	httpc   *http.Client
	limiter *rate.Limiter
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API host, mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the underlying transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// New builds an OKX adapter. OKX allows roughly 20 requests per 2
// seconds on the trade endpoints; the limiter stays under that.
func New(apiKey, apiSecret, passphrase string, simulated bool, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		simulated:  simulated,
		baseURL:    defaultBaseURL,
		httpc:      &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(8), 8),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Name() string { return "okx" }

// sign produces the OK-ACCESS-SIGN header: base64 HMAC-SHA256 over
// timestamp + method + requestPath + body.
func sign(secret, timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// envelope is OKX's uniform response wrapper. A non-zero code is a
// venue-reported failure.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", c.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", sign(c.apiSecret, ts, method, path, string(body)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.passphrase)
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &common.AdapterError{Venue: "okx", Code: "transport", Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &common.AdapterError{Venue: "okx", Code: "transport", Message: err.Error()}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &common.AdapterError{Venue: "okx", Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: string(raw)}
	}
	if env.Code != "0" {
		return &common.AdapterError{Venue: "okx", Code: env.Code, Message: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// GetAccountBalance returns the available USDT trading balance.
func (c *Client) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	var data []struct {
		Details []struct {
			Ccy      string          `json:"ccy"`
			AvailBal decimal.Decimal `json:"availBal"`
		} `json:"details"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/account/balance?ccy=USDT", nil, &data); err != nil {
		return decimal.Zero, err
	}
	for _, acct := range data {
		for _, d := range acct.Details {
			if d.Ccy == "USDT" {
				return d.AvailBal, nil
			}
		}
	}
	return decimal.Zero, nil
}

// PlaceOrder submits an order in the cross-margin cash account.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (*common.OrderResult, error) {
	payload := map[string]string{
		"instId":  req.InstID,
		"tdMode":  "cash",
		"side":    req.Side,
		"ordType": req.Type,
		"sz":      req.Quantity.String(),
	}
	if req.Type != "market" {
		payload["px"] = req.Price.String()
	}
	if req.Leverage > 0 {
		payload["tdMode"] = "isolated"
	}

	var data []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", payload, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &common.AdapterError{Venue: "okx", Code: "empty", Message: "no order acknowledgement"}
	}
	if data[0].SCode != "" && data[0].SCode != "0" {
		return nil, &common.AdapterError{Venue: "okx", Code: data[0].SCode, Message: data[0].SMsg}
	}
	// The acknowledgement carries no execution details: the requested
	// price stands in for limit orders, and market orders report zero,
	// leaving the caller to settle at its reference price.
	return &common.OrderResult{
		ExchangeOrderID: data[0].OrdID,
		FillPrice:       req.Price,
		Filled:          true,
	}, nil
}

// GetPositions lists open positions, optionally scoped to instID.
func (c *Client) GetPositions(ctx context.Context, instID string) ([]common.PositionInfo, error) {
	path := "/api/v5/account/positions"
	if instID != "" {
		path += "?instId=" + instID
	}
	var data []struct {
		InstID  string          `json:"instId"`
		PosSide string          `json:"posSide"`
		Pos     decimal.Decimal `json:"pos"`
		AvgPx   decimal.Decimal `json:"avgPx"`
		Upl     decimal.Decimal `json:"upl"`
		Lever   string          `json:"lever"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	out := make([]common.PositionInfo, 0, len(data))
	for _, p := range data {
		lev := 0
		fmt.Sscanf(p.Lever, "%d", &lev)
		out = append(out, common.PositionInfo{
			InstID:   p.InstID,
			Side:     p.PosSide,
			Quantity: p.Pos,
			AvgPrice: p.AvgPx,
			UnrealPL: p.Upl,
			Leverage: lev,
		})
	}
	return out, nil
}

// ClosePosition market-closes everything on instID.
func (c *Client) ClosePosition(ctx context.Context, instID string) error {
	payload := map[string]string{
		"instId":  instID,
		"mgnMode": "isolated",
	}
	return c.do(ctx, http.MethodPost, "/api/v5/trade/close-position", payload, nil)
}

// SetLeverage configures isolated leverage for an instrument.
func (c *Client) SetLeverage(ctx context.Context, instID string, leverage int) error {
	payload := map[string]string{
		"instId":  instID,
		"lever":   fmt.Sprintf("%d", leverage),
		"mgnMode": "isolated",
	}
	return c.do(ctx, http.MethodPost, "/api/v5/account/set-leverage", payload, nil)
}
