package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"funding-carry-bot/internal/execution"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func fixedNow() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := New(server.URL, "key", "secret", 5000, 5*time.Second, zap.NewNop(),
		WithHTTPClient(server.Client()), WithNow(fixedNow))
	return client, server
}

func TestPlaceOrderReturnsFill(t *testing.T) {
	var createBody map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/order/create", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &createBody); err != nil {
			t.Errorf("bad create body: %v", err)
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"oid-1","orderLinkId":"cl-1"}}`))
	})
	mux.HandleFunc("/v5/order/realtime", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("orderId"); got != "oid-1" {
			t.Errorf("expected orderId oid-1, got %s", got)
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"avgPrice":"100.5","cumExecQty":"0.5","cumExecFee":"0.05"}]}}`))
	})
	client, _ := newTestClient(t, mux)

	res, err := client.PlaceOrder(context.Background(), execution.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          execution.SideBuy,
		Category:      execution.CategorySpot,
		Quantity:      mustDecimal(t, "0.5"),
		ClientOrderID: "cl-1",
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}
	if res.OrderID != "oid-1" {
		t.Fatalf("expected order id oid-1, got %s", res.OrderID)
	}
	if !res.FillPrice.Equal(mustDecimal(t, "100.5")) {
		t.Fatalf("expected fill price 100.5, got %s", res.FillPrice)
	}
	if !res.Fee.Equal(mustDecimal(t, "0.05")) {
		t.Fatalf("expected fee 0.05, got %s", res.Fee)
	}
	if createBody["orderLinkId"] != "cl-1" || createBody["orderType"] != "Market" {
		t.Fatalf("unexpected create payload: %v", createBody)
	}
}

func TestPlaceOrderSurfacesExchangeError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/order/create", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"retCode":110007,"retMsg":"insufficient balance","result":{}}`))
	})
	client, _ := newTestClient(t, mux)

	_, err := client.PlaceOrder(context.Background(), execution.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     execution.SideBuy,
		Category: execution.CategorySpot,
		Quantity: mustDecimal(t, "1"),
	})
	if err == nil {
		t.Fatalf("expected error from retCode != 0")
	}
}

func TestTickerParsesFields(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("category"); got != "linear" {
			t.Errorf("expected category linear, got %s", got)
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{
			"symbol":"BTCUSDT","lastPrice":"50000.5","markPrice":"50001",
			"indexPrice":"49999.9","fundingRate":"0.0001","volume24h":"12345.6"}]}}`))
	})
	client, _ := newTestClient(t, mux)

	ticker, err := client.Ticker(context.Background(), execution.CategoryLinear, "BTCUSDT")
	if err != nil {
		t.Fatalf("ticker failed: %v", err)
	}
	if !ticker.FundingRate.Equal(mustDecimal(t, "0.0001")) {
		t.Fatalf("expected funding rate 0.0001, got %s", ticker.FundingRate)
	}
	if !ticker.MarkPrice.Equal(mustDecimal(t, "50001")) {
		t.Fatalf("expected mark price 50001, got %s", ticker.MarkPrice)
	}
}

func TestFundingHistoryOrderedEntries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/funding/history", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","fundingRate":"0.0002","fundingRateTimestamp":"1717243200000"},
			{"symbol":"BTCUSDT","fundingRate":"0.0001","fundingRateTimestamp":"1717214400000"}]}}`))
	})
	client, _ := newTestClient(t, mux)

	entries, err := client.FundingHistory(context.Background(), "BTCUSDT", 2)
	if err != nil {
		t.Fatalf("funding history failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].Rate.Equal(mustDecimal(t, "0.0002")) {
		t.Fatalf("unexpected first rate: %s", entries[0].Rate)
	}
	if entries[1].Timestamp.UnixMilli() != 1717214400000 {
		t.Fatalf("unexpected second timestamp: %v", entries[1].Timestamp)
	}
}

func TestWalletBalanceParsesMarginFields(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/account/wallet-balance", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("accountType"); got != "UNIFIED" {
			t.Errorf("expected accountType UNIFIED, got %s", got)
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{
			"totalEquity":"1000","totalMaintenanceMargin":"50",
			"totalAvailableBalance":"900","accountMMRate":"0.05"}]}}`))
	})
	client, _ := newTestClient(t, mux)

	status, err := client.WalletBalance(context.Background())
	if err != nil {
		t.Fatalf("wallet balance failed: %v", err)
	}
	if !status.TotalEquity.Equal(mustDecimal(t, "1000")) {
		t.Fatalf("unexpected equity: %s", status.TotalEquity)
	}
	if !status.AccountMMRate.Equal(mustDecimal(t, "0.05")) {
		t.Fatalf("unexpected mm rate: %s", status.AccountMMRate)
	}
}

func TestSigningHeaders(t *testing.T) {
	var gotHeaders http.Header
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{
			"symbol":"BTCUSDT","lastPrice":"1","markPrice":"1",
			"indexPrice":"1","fundingRate":"0","volume24h":"0"}]}}`))
	})
	client, _ := newTestClient(t, mux)

	if _, err := client.Ticker(context.Background(), execution.CategoryLinear, "BTCUSDT"); err != nil {
		t.Fatalf("ticker failed: %v", err)
	}

	timestamp := gotHeaders.Get("X-BAPI-TIMESTAMP")
	if timestamp == "" {
		t.Fatalf("missing timestamp header")
	}
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(timestamp + "key" + "5000" + gotQuery))
	want := hex.EncodeToString(mac.Sum(nil))
	if got := gotHeaders.Get("X-BAPI-SIGN"); got != want {
		t.Fatalf("signature mismatch: got %s want %s", got, want)
	}
	if gotHeaders.Get("X-BAPI-API-KEY") != "key" {
		t.Fatalf("missing api key header")
	}
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return v
}
