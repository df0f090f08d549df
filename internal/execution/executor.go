package execution

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

type Category string

const (
	CategorySpot   Category = "spot"
	CategoryLinear Category = "linear"
)

var (
	ErrRejected         = errors.New("order rejected")
	ErrPriceUnavailable = errors.New("no reference price for symbol")
	ErrStalePrice       = errors.New("reference price is stale")
)

type OrderRequest struct {
	Symbol        string
	Side          Side
	Category      Category
	Quantity      decimal.Decimal
	ClientOrderID string
}

type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Category      Category
	Quantity      decimal.Decimal
	FillPrice     decimal.Decimal
	Fee           decimal.Decimal
	Simulated     bool
	FilledAt      time.Time
}

// Executor is the single order-fill contract shared by live, paper, and
// backtest paths. Implementations must be safe for concurrent use.
type Executor interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string, category Category) bool
}

// ReplayControl is the side channel the backtest driver uses to advance
// simulated market state. Kept separate from Executor so production code
// cannot reach it.
type ReplayControl interface {
	SetPrices(prices map[string]decimal.Decimal)
	SetTime(ts time.Time)
}
