package history

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoPrice means no candle exists at or before the requested instant.
// Callers must treat it as fatal for a replay rather than substitute data.
var ErrNoPrice = errors.New("no price at or before requested time")

type FundingRecord struct {
	Symbol    string
	Rate      decimal.Decimal
	MarkPrice decimal.Decimal
	Timestamp time.Time
}

type Candle struct {
	Symbol    string
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Timestamp time.Time
}

// Reader is the query surface the decision function and replay driver see.
// Implementations return rows in ascending timestamp order; rows sharing a
// timestamp keep ingestion order.
type Reader interface {
	FundingRates(ctx context.Context, symbol string, from, to time.Time) ([]FundingRecord, error)
	Candles(ctx context.Context, symbol string, from, to time.Time) ([]Candle, error)
	// PriceAt returns the most recent close at or before the instant,
	// never interpolated or read forward.
	PriceAt(ctx context.Context, symbol string, at time.Time) (decimal.Decimal, error)
}
