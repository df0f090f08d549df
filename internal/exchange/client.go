// Package exchange is a minimal Bybit v5 REST client covering the
// endpoints the bot needs: order placement and cancellation, linear
// tickers, funding history, and unified wallet balance.
package exchange

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

	"funding-carry-bot/internal/execution"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	recvWindow string
	http       *http.Client
	log        *zap.Logger
	now        func() time.Time
}

type Option func(*Client)

// WithHTTPClient overrides the underlying transport, used in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithNow overrides the timestamp source used for request signing.
func WithNow(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(baseURL, apiKey, apiSecret string, recvWindowMS int, timeout time.Duration, log *zap.Logger, opts ...Option) *Client {
	if recvWindowMS <= 0 {
		recvWindowMS = 5000
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: strconv.Itoa(recvWindowMS),
		http:       &http.Client{Timeout: timeout},
		log:        log,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// Ticker is the subset of the v5 linear ticker the bot consumes.
type Ticker struct {
	Symbol      string
	LastPrice   decimal.Decimal
	MarkPrice   decimal.Decimal
	IndexPrice  decimal.Decimal
	FundingRate decimal.Decimal
	Volume24h   decimal.Decimal
	Retrieved   time.Time
}

// FundingEntry is one settled funding interval from funding history.
type FundingEntry struct {
	Symbol    string
	Rate      decimal.Decimal
	Timestamp time.Time
}

// WalletStatus carries the unified-account margin figures risk checks need.
type WalletStatus struct {
	TotalEquity            decimal.Decimal
	TotalMaintenanceMargin decimal.Decimal
	TotalAvailableBalance  decimal.Decimal
	AccountMMRate          decimal.Decimal
}

func (c *Client) PlaceOrder(ctx context.Context, req execution.OrderRequest) (execution.OrderResult, error) {
	body := map[string]string{
		"category":  string(req.Category),
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"orderType": "Market",
		"qty":       req.Quantity.String(),
	}
	if req.ClientOrderID != "" {
		body["orderLinkId"] = req.ClientOrderID
	}
	raw, err := c.post(ctx, "/v5/order/create", body)
	if err != nil {
		return execution.OrderResult{}, err
	}
	var created struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return execution.OrderResult{}, fmt.Errorf("decode order create result: %w", err)
	}
	if created.OrderID == "" {
		return execution.OrderResult{}, fmt.Errorf("order create returned no order id")
	}
	fill, err := c.fetchFill(ctx, created.OrderID, req.Symbol, req.Category)
	if err != nil {
		return execution.OrderResult{}, err
	}
	return execution.OrderResult{
		OrderID:       created.OrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Category:      req.Category,
		Quantity:      fill.qty,
		FillPrice:     fill.price,
		Fee:           fill.fee,
		FilledAt:      c.now(),
	}, nil
}

type fillInfo struct {
	qty   decimal.Decimal
	price decimal.Decimal
	fee   decimal.Decimal
}

// fetchFill reads the realtime order record for average fill price and
// cumulative fee. Market orders fill immediately so a single query is
// normally enough.
func (c *Client) fetchFill(ctx context.Context, orderID, symbol string, category execution.Category) (fillInfo, error) {
	params := url.Values{}
	params.Set("category", string(category))
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	raw, err := c.get(ctx, "/v5/order/realtime", params)
	if err != nil {
		return fillInfo{}, err
	}
	var result struct {
		List []struct {
			AvgPrice   string `json:"avgPrice"`
			CumExecQty string `json:"cumExecQty"`
			CumExecFee string `json:"cumExecFee"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fillInfo{}, fmt.Errorf("decode order status: %w", err)
	}
	if len(result.List) == 0 {
		return fillInfo{}, fmt.Errorf("order %s not found after placement", orderID)
	}
	entry := result.List[0]
	price, err := parseDecimal(entry.AvgPrice)
	if err != nil {
		return fillInfo{}, fmt.Errorf("order %s avg price: %w", orderID, err)
	}
	qty, err := parseDecimal(entry.CumExecQty)
	if err != nil {
		return fillInfo{}, fmt.Errorf("order %s exec qty: %w", orderID, err)
	}
	fee, err := parseDecimal(entry.CumExecFee)
	if err != nil {
		return fillInfo{}, fmt.Errorf("order %s exec fee: %w", orderID, err)
	}
	return fillInfo{qty: qty, price: price, fee: fee}, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string, category execution.Category) error {
	body := map[string]string{
		"category": string(category),
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := c.post(ctx, "/v5/order/cancel", body)
	return err
}

func (c *Client) Ticker(ctx context.Context, category execution.Category, symbol string) (Ticker, error) {
	params := url.Values{}
	params.Set("category", string(category))
	params.Set("symbol", symbol)
	raw, err := c.get(ctx, "/v5/market/tickers", params)
	if err != nil {
		return Ticker{}, err
	}
	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			LastPrice   string `json:"lastPrice"`
			MarkPrice   string `json:"markPrice"`
			IndexPrice  string `json:"indexPrice"`
			FundingRate string `json:"fundingRate"`
			Volume24h   string `json:"volume24h"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return Ticker{}, fmt.Errorf("decode tickers: %w", err)
	}
	if len(result.List) == 0 {
		return Ticker{}, fmt.Errorf("no ticker for %s", symbol)
	}
	entry := result.List[0]
	ticker := Ticker{Symbol: entry.Symbol, Retrieved: c.now()}
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&ticker.LastPrice, entry.LastPrice},
		{&ticker.MarkPrice, entry.MarkPrice},
		{&ticker.IndexPrice, entry.IndexPrice},
		{&ticker.FundingRate, entry.FundingRate},
		{&ticker.Volume24h, entry.Volume24h},
	}
	for _, f := range fields {
		v, err := parseDecimal(f.src)
		if err != nil {
			return Ticker{}, fmt.Errorf("ticker %s: %w", symbol, err)
		}
		*f.dst = v
	}
	return ticker, nil
}

func (c *Client) FundingHistory(ctx context.Context, symbol string, limit int) ([]FundingEntry, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	raw, err := c.get(ctx, "/v5/market/funding/history", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		List []struct {
			Symbol               string `json:"symbol"`
			FundingRate          string `json:"fundingRate"`
			FundingRateTimestamp string `json:"fundingRateTimestamp"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode funding history: %w", err)
	}
	entries := make([]FundingEntry, 0, len(result.List))
	for _, item := range result.List {
		rate, err := parseDecimal(item.FundingRate)
		if err != nil {
			return nil, fmt.Errorf("funding history %s: %w", symbol, err)
		}
		ms, err := strconv.ParseInt(item.FundingRateTimestamp, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("funding history %s timestamp: %w", symbol, err)
		}
		entries = append(entries, FundingEntry{
			Symbol:    item.Symbol,
			Rate:      rate,
			Timestamp: time.UnixMilli(ms).UTC(),
		})
	}
	return entries, nil
}

func (c *Client) WalletBalance(ctx context.Context) (WalletStatus, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	raw, err := c.get(ctx, "/v5/account/wallet-balance", params)
	if err != nil {
		return WalletStatus{}, err
	}
	var result struct {
		List []struct {
			TotalEquity            string `json:"totalEquity"`
			TotalMaintenanceMargin string `json:"totalMaintenanceMargin"`
			TotalAvailableBalance  string `json:"totalAvailableBalance"`
			AccountMMRate          string `json:"accountMMRate"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return WalletStatus{}, fmt.Errorf("decode wallet balance: %w", err)
	}
	if len(result.List) == 0 {
		return WalletStatus{}, fmt.Errorf("wallet balance returned no accounts")
	}
	entry := result.List[0]
	status := WalletStatus{}
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&status.TotalEquity, entry.TotalEquity},
		{&status.TotalMaintenanceMargin, entry.TotalMaintenanceMargin},
		{&status.TotalAvailableBalance, entry.TotalAvailableBalance},
		{&status.AccountMMRate, entry.AccountMMRate},
	}
	for _, f := range fields {
		v, err := parseDecimal(f.src)
		if err != nil {
			return WalletStatus{}, fmt.Errorf("wallet balance: %w", err)
		}
		*f.dst = v
	}
	return status, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	query := params.Encode()
	endpoint := c.baseURL + path
	if query != "" {
		endpoint += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.sign(req, query)
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body map[string]string) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, string(payload))
	return c.do(req)
}

// sign applies the v5 HMAC-SHA256 header scheme:
// sign(timestamp + apiKey + recvWindow + payload) where payload is the
// query string for GET and the JSON body for POST.
func (c *Client) sign(req *http.Request, payload string) {
	if c.apiKey == "" {
		return
	}
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + c.apiKey + c.recvWindow + payload))
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return nil, err
	}
	if api.RetCode != 0 {
		return nil, fmt.Errorf("exchange error %d: %s", api.RetCode, api.RetMsg)
	}
	return api.Result, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
