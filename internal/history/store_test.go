package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"funding-carry-bot/internal/clock"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ts(hour int) time.Time {
	return time.Date(2024, 1, 1, hour, 0, 0, 0, time.UTC)
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFundingRoundTripAndOrdering(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	recs := []FundingRecord{
		{Symbol: "BTCUSDT", Rate: d("0.0001"), MarkPrice: d("100.5"), Timestamp: ts(8)},
		{Symbol: "BTCUSDT", Rate: d("0.0002"), MarkPrice: d("101"), Timestamp: ts(0)},
		{Symbol: "BTCUSDT", Rate: d("0.0003"), MarkPrice: d("101"), Timestamp: ts(8)},
		{Symbol: "ETHUSDT", Rate: d("0.0009"), MarkPrice: d("10"), Timestamp: ts(8)},
	}
	for _, r := range recs {
		if err := s.InsertFunding(ctx, r); err != nil {
			t.Fatalf("InsertFunding: %v", err)
		}
	}

	got, err := s.FundingRates(ctx, "BTCUSDT", ts(0), ts(16))
	if err != nil {
		t.Fatalf("FundingRates: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d rows, want 3", len(got))
	}
	// Ascending by timestamp; the two hour-8 rows keep insertion order.
	if !got[0].Rate.Equal(d("0.0002")) || !got[1].Rate.Equal(d("0.0001")) || !got[2].Rate.Equal(d("0.0003")) {
		t.Fatalf("order wrong: %s, %s, %s", got[0].Rate, got[1].Rate, got[2].Rate)
	}
	if !got[0].MarkPrice.Equal(d("101")) {
		t.Fatalf("mark price round trip: %s", got[0].MarkPrice)
	}
	if !got[0].Timestamp.Equal(ts(0)) {
		t.Fatalf("timestamp round trip: %s", got[0].Timestamp)
	}
}

func TestPriceAt(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for hour, cls := range map[int]string{0: "100", 4: "102.25", 8: "99.9"} {
		c := Candle{
			Symbol: "BTCUSDT", Timestamp: ts(hour),
			Open: d(cls), High: d(cls), Low: d(cls), Close: d(cls), Volume: d("1"),
		}
		if err := s.InsertCandle(ctx, c); err != nil {
			t.Fatalf("InsertCandle: %v", err)
		}
	}

	// Exact hit.
	p, err := s.PriceAt(ctx, "BTCUSDT", ts(4))
	if err != nil {
		t.Fatalf("PriceAt: %v", err)
	}
	if !p.Equal(d("102.25")) {
		t.Fatalf("price = %s, want 102.25", p)
	}

	// Between candles: most recent at or before, never the next one.
	p, err = s.PriceAt(ctx, "BTCUSDT", ts(6))
	if err != nil {
		t.Fatalf("PriceAt: %v", err)
	}
	if !p.Equal(d("102.25")) {
		t.Fatalf("price = %s, want 102.25", p)
	}

	// Before all data.
	_, err = s.PriceAt(ctx, "BTCUSDT", ts(0).Add(-time.Hour))
	if !errors.Is(err, ErrNoPrice) {
		t.Fatalf("err = %v, want ErrNoPrice", err)
	}

	// Unknown symbol.
	_, err = s.PriceAt(ctx, "NOPEUSDT", ts(8))
	if !errors.Is(err, ErrNoPrice) {
		t.Fatalf("err = %v, want ErrNoPrice", err)
	}
}

func TestBoundedViewClampsUpperBound(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for hour, rate := range map[int]string{0: "0.0001", 8: "0.0002", 16: "0.0003"} {
		rec := FundingRecord{Symbol: "BTCUSDT", Rate: d(rate), MarkPrice: d("100"), Timestamp: ts(hour)}
		if err := s.InsertFunding(ctx, rec); err != nil {
			t.Fatalf("InsertFunding: %v", err)
		}
		c := Candle{Symbol: "BTCUSDT", Timestamp: ts(hour), Open: d("100"), High: d("100"), Low: d("100"), Close: d(rate), Volume: d("1")}
		if err := s.InsertCandle(ctx, c); err != nil {
			t.Fatalf("InsertCandle: %v", err)
		}
	}

	clk := clock.NewSimulated(ts(8))
	view := NewBoundedView(s, clk)

	// Asking far into the future still only returns rows up to the clock.
	rates, err := view.FundingRates(ctx, "BTCUSDT", ts(0), ts(23))
	if err != nil {
		t.Fatalf("FundingRates: %v", err)
	}
	if len(rates) != 2 {
		t.Fatalf("got %d rows, want 2", len(rates))
	}

	p, err := view.PriceAt(ctx, "BTCUSDT", ts(23))
	if err != nil {
		t.Fatalf("PriceAt: %v", err)
	}
	if !p.Equal(d("0.0002")) {
		t.Fatalf("price = %s, want the hour-8 close", p)
	}

	// Advancing the clock widens the window.
	clk.Advance(ts(16))
	rates, err = view.FundingRates(ctx, "BTCUSDT", ts(0), ts(23))
	if err != nil {
		t.Fatalf("FundingRates: %v", err)
	}
	if len(rates) != 3 {
		t.Fatalf("got %d rows after advance, want 3", len(rates))
	}
}
