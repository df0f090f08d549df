package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding-carry-bot/internal/clock"
	"funding-carry-bot/internal/fees"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var bpsDivisor = decimal.NewFromInt(10000)

type refPrice struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// SimExecutor fills orders instantly at the current reference price plus
// configured slippage. It backs both paper trading (real clock, prices fed
// by the market poller) and backtesting (simulated clock, prices fed by the
// replay driver).
type SimExecutor struct {
	calc        *fees.Calculator
	clk         clock.Clock
	slippageBps decimal.Decimal
	maxPriceAge time.Duration
	log         *zap.Logger

	mu     sync.Mutex
	prices map[string]refPrice
}

// NewSimExecutor builds a simulated executor. maxPriceAge of zero disables
// staleness checks, which is what the backtest path wants since its prices
// are set synchronously before every decision.
func NewSimExecutor(calc *fees.Calculator, clk clock.Clock, slippageBps decimal.Decimal, maxPriceAge time.Duration, log *zap.Logger) *SimExecutor {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SimExecutor{
		calc:        calc,
		clk:         clk,
		slippageBps: slippageBps,
		maxPriceAge: maxPriceAge,
		log:         log,
		prices:      make(map[string]refPrice),
	}
}

func (e *SimExecutor) PlaceOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	if req.Quantity.Sign() <= 0 {
		return OrderResult{}, fmt.Errorf("%w: quantity %s", ErrRejected, req.Quantity)
	}
	now := e.clk.Now()

	e.mu.Lock()
	ref, ok := e.prices[req.Symbol]
	e.mu.Unlock()
	if !ok {
		return OrderResult{}, fmt.Errorf("%w: %s", ErrPriceUnavailable, req.Symbol)
	}
	if e.maxPriceAge > 0 && now.Sub(ref.updatedAt) > e.maxPriceAge {
		return OrderResult{}, fmt.Errorf("%w: %s last updated %s", ErrStalePrice, req.Symbol, ref.updatedAt.Format(time.RFC3339))
	}

	fill := e.applySlippage(ref.price, req.Side)
	fee, err := e.calc.OrderFee(req.Quantity, fill, string(req.Category))
	if err != nil {
		return OrderResult{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	res := OrderResult{
		OrderID:       "sim-" + uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Category:      req.Category,
		Quantity:      req.Quantity,
		FillPrice:     fill,
		Fee:           fee,
		Simulated:     true,
		FilledAt:      now,
	}
	e.log.Debug("simulated fill",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("category", string(req.Category)),
		zap.String("fill_price", fill.String()),
		zap.String("fee", fee.String()),
	)
	return res, nil
}

// CancelOrder always reports false: simulated fills are instantaneous, so
// there is never a resting order to cancel.
func (e *SimExecutor) CancelOrder(context.Context, string, string, Category) bool {
	return false
}

// SetPrices replaces the reference price for each given symbol, stamped at
// the executor's current clock time. Symbols absent from the map keep their
// previous price.
func (e *SimExecutor) SetPrices(prices map[string]decimal.Decimal) {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for sym, p := range prices {
		e.prices[sym] = refPrice{price: p, updatedAt: now}
	}
}

// SetTime advances the simulated clock when the executor was built with one.
// Under a real clock it is a no-op.
func (e *SimExecutor) SetTime(ts time.Time) {
	if sim, ok := e.clk.(*clock.Simulated); ok {
		sim.Advance(ts)
	}
}

// Price reports the current reference price for a symbol.
func (e *SimExecutor) Price(symbol string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ref, ok := e.prices[symbol]
	if !ok {
		return decimal.Decimal{}, false
	}
	return ref.price, true
}

func (e *SimExecutor) applySlippage(price decimal.Decimal, side Side) decimal.Decimal {
	if e.slippageBps.IsZero() {
		return price
	}
	slip := price.Mul(e.slippageBps).Div(bpsDivisor)
	if side == SideBuy {
		return price.Add(slip)
	}
	return price.Sub(slip)
}
