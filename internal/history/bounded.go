package history

import (
	"context"
	"time"

	"funding-carry-bot/internal/clock"

	"github.com/shopspring/decimal"
)

// BoundedView wraps a Reader and clamps every query's upper bound to the
// clock's current instant. The replay driver hands this to the decision
// function so it can only ever see the past, whatever the underlying store
// physically holds.
type BoundedView struct {
	inner Reader
	clk   clock.Clock
}

func NewBoundedView(inner Reader, clk clock.Clock) *BoundedView {
	return &BoundedView{inner: inner, clk: clk}
}

func (v *BoundedView) FundingRates(ctx context.Context, symbol string, from, to time.Time) ([]FundingRecord, error) {
	return v.inner.FundingRates(ctx, symbol, from, v.clamp(to))
}

func (v *BoundedView) Candles(ctx context.Context, symbol string, from, to time.Time) ([]Candle, error) {
	return v.inner.Candles(ctx, symbol, from, v.clamp(to))
}

func (v *BoundedView) PriceAt(ctx context.Context, symbol string, at time.Time) (decimal.Decimal, error) {
	return v.inner.PriceAt(ctx, symbol, v.clamp(at))
}

func (v *BoundedView) clamp(t time.Time) time.Time {
	now := v.clk.Now()
	if t.After(now) {
		return now
	}
	return t
}
