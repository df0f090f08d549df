package backtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"funding-carry-bot/internal/fees"
	"funding-carry-bot/internal/history"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func ts(interval int) time.Time { return t0.Add(time.Duration(interval) * 8 * time.Hour) }

// memReader is an in-memory history.Reader for replay tests.
type memReader struct {
	rates   []history.FundingRecord
	candles []history.Candle
}

func (m *memReader) FundingRates(_ context.Context, symbol string, from, to time.Time) ([]history.FundingRecord, error) {
	var out []history.FundingRecord
	for _, r := range m.rates {
		if r.Symbol == symbol && !r.Timestamp.Before(from) && !r.Timestamp.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memReader) Candles(_ context.Context, symbol string, from, to time.Time) ([]history.Candle, error) {
	var out []history.Candle
	for _, c := range m.candles {
		if c.Symbol == symbol && !c.Timestamp.Before(from) && !c.Timestamp.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memReader) PriceAt(_ context.Context, symbol string, at time.Time) (decimal.Decimal, error) {
	best := -1
	for i, c := range m.candles {
		if c.Symbol == symbol && !c.Timestamp.After(at) {
			best = i
		}
	}
	if best < 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: %s at %s", history.ErrNoPrice, symbol, at)
	}
	return m.candles[best].Close, nil
}

func flatCandle(at time.Time, price string) history.Candle {
	return history.Candle{
		Symbol: "BTCUSDT", Timestamp: at,
		Open: d(price), High: d(price), Low: d(price), Close: d(price), Volume: d("1000"),
	}
}

func fundingData(rates []string) *memReader {
	m := &memReader{candles: []history.Candle{flatCandle(t0, "100")}}
	for i, r := range rates {
		m.rates = append(m.rates, history.FundingRecord{
			Symbol: "BTCUSDT", Rate: d(r), MarkPrice: d("100"), Timestamp: ts(i),
		})
	}
	return m
}

func thresholdConfig() Config {
	cfg := DefaultConfig("BTCUSDT", t0, ts(10))
	cfg.InitialCapital = d("1000")
	cfg.EntryRate = d("0.0005")
	cfg.ExitRate = d("0.0001")
	return cfg
}

func run(t *testing.T, cfg Config, store history.Reader) Result {
	t.Helper()
	calc := fees.NewCalculator(fees.DefaultSchedule())
	res, err := NewEngine(cfg, store, calc, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func TestReplayEntersCollectsTwiceAndExits(t *testing.T) {
	store := fundingData([]string{"0.001", "0.0008", "-0.0002"})
	res := run(t, thresholdConfig(), store)

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	// Opened on the first record, so it collects that period's funding and
	// the next, then closes before the third settles.
	if tr.FundingPeriods != 2 {
		t.Fatalf("funding periods = %d, want 2", tr.FundingPeriods)
	}
	// qty = 1000/100 = 10; payments 10*100*0.001 and 10*100*0.0008.
	if !tr.FundingCollected.Equal(d("1.8")) {
		t.Fatalf("funding collected = %s, want 1.8", tr.FundingCollected)
	}
	if tr.ForcedClose {
		t.Fatal("signal exit flagged as forced close")
	}
	if !tr.EntryTime.Equal(ts(0)) || !tr.ExitTime.Equal(ts(2)) {
		t.Fatalf("entry %s exit %s", tr.EntryTime, tr.ExitTime)
	}
	if len(res.EquityCurve) != 3 {
		t.Fatalf("equity points = %d, want 3", len(res.EquityCurve))
	}
	// Net P&L must reconcile exactly: funding minus both fees.
	want := tr.FundingCollected.Sub(tr.Fees)
	if !tr.NetPnL.Equal(want) {
		t.Fatalf("net pnl = %s, want %s", tr.NetPnL, want)
	}
	if !res.Metrics.NetPnL.Equal(want) {
		t.Fatalf("metrics net pnl = %s, want %s", res.Metrics.NetPnL, want)
	}
}

func TestReplayForcedCloseAtEnd(t *testing.T) {
	store := fundingData([]string{"0.001", "0.001", "0.001"})
	res := run(t, thresholdConfig(), store)

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	if !res.Trades[0].ForcedClose {
		t.Fatal("end-of-data close not flagged forced")
	}
	if res.Trades[0].FundingPeriods != 3 {
		t.Fatalf("funding periods = %d, want 3", res.Trades[0].FundingPeriods)
	}
}

func TestReplayStaysFlatBelowEntry(t *testing.T) {
	store := fundingData([]string{"0.0001", "0.0002", "0.0001"})
	res := run(t, thresholdConfig(), store)

	if len(res.Trades) != 0 {
		t.Fatalf("trades = %d, want 0", len(res.Trades))
	}
	for _, pt := range res.EquityCurve {
		if !pt.Equity.Equal(d("1000")) {
			t.Fatalf("flat run equity moved: %s", pt.Equity)
		}
	}
}

func TestReplayAbortsOnMissingPrice(t *testing.T) {
	store := fundingData([]string{"0.001", "0.001"})
	store.candles = nil // no price data at all

	calc := fees.NewCalculator(fees.DefaultSchedule())
	res, err := NewEngine(thresholdConfig(), store, calc, nil).Run(context.Background())
	if !errors.Is(err, history.ErrNoPrice) {
		t.Fatalf("err = %v, want ErrNoPrice", err)
	}
	if !res.Aborted || res.AbortReason == "" {
		t.Fatalf("aborted result = %+v", res)
	}
	if len(res.EquityCurve) != 0 {
		t.Fatalf("partial curve = %d points, want 0", len(res.EquityCurve))
	}
}

func TestReplayNeverInterpolatesForward(t *testing.T) {
	// A single candle before the range: every record must fill at that
	// stale close, never at a later or averaged price.
	store := fundingData([]string{"0.001", "-0.0002"})
	store.candles = []history.Candle{
		flatCandle(t0.Add(-time.Hour), "100"),
		flatCandle(ts(5), "999"), // future candle, outside the replay window
	}
	res := run(t, thresholdConfig(), store)
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	if !res.Trades[0].SpotEntryPrice.Equal(d("100")) {
		t.Fatalf("entry price = %s, want the stale 100", res.Trades[0].SpotEntryPrice)
	}
}

func TestReplayDeterminism(t *testing.T) {
	store := fundingData([]string{"0.001", "0.0008", "0.0002", "-0.0001", "0.0009", "0.0007"})
	cfg := thresholdConfig()

	first := run(t, cfg, store)
	second := run(t, cfg, store)

	if len(first.EquityCurve) != len(second.EquityCurve) {
		t.Fatalf("curve lengths differ: %d vs %d", len(first.EquityCurve), len(second.EquityCurve))
	}
	for i := range first.EquityCurve {
		if !first.EquityCurve[i].Equity.Equal(second.EquityCurve[i].Equity) {
			t.Fatalf("equity differs at %d: %s vs %s",
				i, first.EquityCurve[i].Equity, second.EquityCurve[i].Equity)
		}
	}
	if !first.Metrics.NetPnL.Equal(second.Metrics.NetPnL) {
		t.Fatalf("net pnl differs: %s vs %s", first.Metrics.NetPnL, second.Metrics.NetPnL)
	}
}

func TestReplayNoLookAhead(t *testing.T) {
	rates := []string{"0.001", "0.0008", "0.0006", "-0.0002", "0.002"}
	full := fundingData(rates)

	// Truncate after record 2 and mutate what would follow; the shared
	// prefix of the equity curve must be unchanged.
	truncated := fundingData(rates[:3])
	cfgFull := thresholdConfig()
	cfgTrunc := thresholdConfig()
	cfgTrunc.End = ts(2)

	fullRes := run(t, cfgFull, full)
	truncRes := run(t, cfgTrunc, truncated)

	for i := range truncRes.EquityCurve {
		if !fullRes.EquityCurve[i].Equity.Equal(truncRes.EquityCurve[i].Equity) {
			t.Fatalf("decision at record %d depended on later data: %s vs %s",
				i, fullRes.EquityCurve[i].Equity, truncRes.EquityCurve[i].Equity)
		}
	}
}

func TestCompositeModeRuns(t *testing.T) {
	store := fundingData([]string{"0.003", "0.003", "0.003", "0.003", "0.003", "0.003", "0.003", "-0.0002"})
	cfg := thresholdConfig()
	cfg.Mode = ModeComposite
	cfg.EntryThreshold = d("0.5")
	cfg.ExitThreshold = d("0.3")

	res := run(t, cfg, store)
	if len(res.Trades) == 0 {
		t.Fatal("composite mode never traded on a saturated rate")
	}
}

func TestConfigOverrides(t *testing.T) {
	cfg := thresholdConfig()
	out, err := cfg.WithOverrides(map[string]decimal.Decimal{"entry_rate": d("0.002")})
	if err != nil {
		t.Fatalf("WithOverrides: %v", err)
	}
	if !out.EntryRate.Equal(d("0.002")) {
		t.Fatalf("override not applied: %s", out.EntryRate)
	}
	if !cfg.EntryRate.Equal(d("0.0005")) {
		t.Fatal("base config mutated by override")
	}
	if _, err := cfg.WithOverrides(map[string]decimal.Decimal{"no_such_param": d("1")}); err == nil {
		t.Fatal("unknown parameter accepted")
	}
}

func TestApplyRejectsNonPositivePeriods(t *testing.T) {
	for _, tc := range []struct {
		name  string
		value string
	}{
		{"trend_ema_span", "0"},
		{"trend_ema_span", "-3"},
		{"persistence_max_periods", "0"},
		{"persistence_max_periods", "-1"},
	} {
		cfg := thresholdConfig()
		if err := cfg.Apply(tc.name, d(tc.value)); err == nil {
			t.Fatalf("%s=%s accepted", tc.name, tc.value)
		}
	}
	cfg := thresholdConfig()
	if err := cfg.Apply("trend_ema_span", d("4")); err != nil {
		t.Fatalf("positive span rejected: %v", err)
	}
	if cfg.TrendEMASpan != 4 {
		t.Fatalf("span not applied: %d", cfg.TrendEMASpan)
	}
}
