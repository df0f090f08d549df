// Package market maintains the live view of the symbols the bot
// trades: spot and perp prices, the current funding rate, and rolling
// rate and volume windows the signal engine consumes.
package market

import (
	"context"
	"sync"
	"time"

	"funding-carry-bot/internal/clock"
	"funding-carry-bot/internal/exchange"
	"funding-carry-bot/internal/execution"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// rateWindow bounds the retained funding-rate history. The composite
// signal looks back at most a few dozen intervals.
const rateWindow = 64

// volumeWindow bounds retained volume observations for the decline filter.
const volumeWindow = 64

// TickerSource is the slice of the exchange client the monitor polls.
type TickerSource interface {
	Ticker(ctx context.Context, category execution.Category, symbol string) (exchange.Ticker, error)
}

// FundingSnapshot is one refreshed observation for a symbol.
type FundingSnapshot struct {
	Symbol      string
	SpotPrice   decimal.Decimal
	PerpPrice   decimal.Decimal
	MarkPrice   decimal.Decimal
	FundingRate decimal.Decimal
	Volume24h   decimal.Decimal
	UpdatedAt   time.Time
}

type symbolState struct {
	snapshot FundingSnapshot
	rates    []decimal.Decimal
	volumes  []decimal.Decimal
}

// Monitor polls tickers and exposes the latest snapshot plus rolling
// windows. It satisfies the price source contract used to size
// positions; prices older than maxAge are treated as missing.
type Monitor struct {
	src    TickerSource
	clk    clock.Clock
	maxAge time.Duration
	log    *zap.Logger

	mu      sync.RWMutex
	symbols map[string]*symbolState
}

func NewMonitor(src TickerSource, clk clock.Clock, maxAge time.Duration, log *zap.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		src:     src,
		clk:     clk,
		maxAge:  maxAge,
		log:     log,
		symbols: make(map[string]*symbolState),
	}
}

// Refresh polls spot and perp tickers for a symbol and appends to the
// rolling windows. Rate history only grows when the exchange reports a
// new funding timestamp is not detectable from the ticker, so callers
// refresh once per scan cycle and the windows mirror scan cadence.
func (m *Monitor) Refresh(ctx context.Context, symbol string) (FundingSnapshot, error) {
	spot, err := m.src.Ticker(ctx, execution.CategorySpot, symbol)
	if err != nil {
		return FundingSnapshot{}, err
	}
	perp, err := m.src.Ticker(ctx, execution.CategoryLinear, symbol)
	if err != nil {
		return FundingSnapshot{}, err
	}

	snap := FundingSnapshot{
		Symbol:      symbol,
		SpotPrice:   spot.LastPrice,
		PerpPrice:   perp.LastPrice,
		MarkPrice:   perp.MarkPrice,
		FundingRate: perp.FundingRate,
		Volume24h:   perp.Volume24h,
		UpdatedAt:   m.clk.Now(),
	}

	m.mu.Lock()
	st, ok := m.symbols[symbol]
	if !ok {
		st = &symbolState{}
		m.symbols[symbol] = st
	}
	st.snapshot = snap
	st.rates = appendBounded(st.rates, perp.FundingRate, rateWindow)
	st.volumes = appendBounded(st.volumes, perp.Volume24h, volumeWindow)
	m.mu.Unlock()

	m.log.Debug("market refreshed",
		zap.String("symbol", symbol),
		zap.String("spot", spot.LastPrice.String()),
		zap.String("perp", perp.LastPrice.String()),
		zap.String("funding_rate", perp.FundingRate.String()),
	)
	return snap, nil
}

// Price returns the latest spot price for sizing. A snapshot older
// than maxAge reports as unavailable so stale data never sizes a trade.
func (m *Monitor) Price(symbol string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.symbols[symbol]
	if !ok {
		return decimal.Zero, false
	}
	if m.maxAge > 0 && m.clk.Now().Sub(st.snapshot.UpdatedAt) > m.maxAge {
		return decimal.Zero, false
	}
	return st.snapshot.SpotPrice, true
}

// Snapshot returns the most recent observation for a symbol.
func (m *Monitor) Snapshot(symbol string) (FundingSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.symbols[symbol]
	if !ok {
		return FundingSnapshot{}, false
	}
	return st.snapshot, true
}

// RateHistory returns a copy of the rolling funding-rate window,
// oldest first.
func (m *Monitor) RateHistory(symbol string) []decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.symbols[symbol]
	if !ok {
		return nil
	}
	out := make([]decimal.Decimal, len(st.rates))
	copy(out, st.rates)
	return out
}

// Volumes returns a copy of the rolling volume window, oldest first.
func (m *Monitor) Volumes(symbol string) []decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.symbols[symbol]
	if !ok {
		return nil
	}
	out := make([]decimal.Decimal, len(st.volumes))
	copy(out, st.volumes)
	return out
}

// ApplyUpdate merges a streamed ticker frame into the snapshot.
// Delta frames omit unchanged fields, which arrive zero-valued, so
// only populated fields overwrite. Windows are untouched; they stay
// on scan cadence.
func (m *Monitor) ApplyUpdate(category string, t exchange.Ticker) {
	if t.Symbol == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.symbols[t.Symbol]
	if !ok {
		st = &symbolState{snapshot: FundingSnapshot{Symbol: t.Symbol}}
		m.symbols[t.Symbol] = st
	}
	switch category {
	case string(execution.CategorySpot):
		if !t.LastPrice.IsZero() {
			st.snapshot.SpotPrice = t.LastPrice
		}
	case string(execution.CategoryLinear):
		if !t.LastPrice.IsZero() {
			st.snapshot.PerpPrice = t.LastPrice
		}
		if !t.MarkPrice.IsZero() {
			st.snapshot.MarkPrice = t.MarkPrice
		}
		if !t.FundingRate.IsZero() {
			st.snapshot.FundingRate = t.FundingRate
		}
		if !t.Volume24h.IsZero() {
			st.snapshot.Volume24h = t.Volume24h
		}
	default:
		return
	}
	st.snapshot.UpdatedAt = m.clk.Now()
}

// SeedRates preloads the rate window from funding history so the
// composite signal has lookback on startup.
func (m *Monitor) SeedRates(symbol string, rates []decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.symbols[symbol]
	if !ok {
		st = &symbolState{}
		m.symbols[symbol] = st
	}
	for _, r := range rates {
		st.rates = appendBounded(st.rates, r, rateWindow)
	}
}

func appendBounded(window []decimal.Decimal, v decimal.Decimal, max int) []decimal.Decimal {
	window = append(window, v)
	if len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}
