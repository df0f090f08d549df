package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Order categories used across fee and execution code. "linear" follows
// the exchange's name for USDT perpetual contracts.
const (
	CategorySpot   = "spot"
	CategoryLinear = "linear"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidPrice    = errors.New("price must be positive")
)

// Schedule holds per-category taker/maker rates. Defaults match the
// exchange's non-VIP base tier.
type Schedule struct {
	SpotTaker decimal.Decimal
	SpotMaker decimal.Decimal
	PerpTaker decimal.Decimal
	PerpMaker decimal.Decimal
}

func DefaultSchedule() Schedule {
	return Schedule{
		SpotTaker: decimal.RequireFromString("0.001"),
		SpotMaker: decimal.RequireFromString("0.001"),
		PerpTaker: decimal.RequireFromString("0.00055"),
		PerpMaker: decimal.RequireFromString("0.0002"),
	}
}

// Calculator is stateless fee math over exact decimals. No rounding is
// applied anywhere so repeated application cannot drift.
type Calculator struct {
	schedule Schedule
}

func NewCalculator(schedule Schedule) *Calculator {
	return &Calculator{schedule: schedule}
}

// OrderFee computes the taker fee for a single leg from its own notional.
func (c *Calculator) OrderFee(quantity, price decimal.Decimal, category string) (decimal.Decimal, error) {
	if !quantity.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidQuantity, quantity)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	return quantity.Mul(price).Mul(c.takerRate(category)), nil
}

// EntryFee is the total fee for opening a delta-neutral pair:
// spot buy (taker) plus perp sell (taker), each on its own notional.
func (c *Calculator) EntryFee(quantity, spotPrice, perpPrice decimal.Decimal) (decimal.Decimal, error) {
	spotFee, err := c.OrderFee(quantity, spotPrice, CategorySpot)
	if err != nil {
		return decimal.Zero, err
	}
	perpFee, err := c.OrderFee(quantity, perpPrice, CategoryLinear)
	if err != nil {
		return decimal.Zero, err
	}
	return spotFee.Add(perpFee), nil
}

// ExitFee mirrors EntryFee for the unwind legs.
func (c *Calculator) ExitFee(quantity, spotPrice, perpPrice decimal.Decimal) (decimal.Decimal, error) {
	return c.EntryFee(quantity, spotPrice, perpPrice)
}

func (c *Calculator) RoundTripFee(quantity, spotEntry, perpEntry, spotExit, perpExit decimal.Decimal) (decimal.Decimal, error) {
	entry, err := c.EntryFee(quantity, spotEntry, perpEntry)
	if err != nil {
		return decimal.Zero, err
	}
	exit, err := c.ExitFee(quantity, spotExit, perpExit)
	if err != nil {
		return decimal.Zero, err
	}
	return entry.Add(exit), nil
}

// FundingPayment computes one funding interval's cash flow.
// Exchange convention: a positive rate means longs pay shorts, so a short
// perp leg receives when the rate is positive. Positive result = income.
func (c *Calculator) FundingPayment(quantity, markPrice, rate decimal.Decimal, short bool) decimal.Decimal {
	raw := quantity.Mul(markPrice).Mul(rate)
	if short {
		return raw
	}
	return raw.Neg()
}

// BreakevenRate answers: what per-period funding rate recovers
// roundTripFee over periods intervals at the given position value?
func (c *Calculator) BreakevenRate(quantity, entryPrice, roundTripFee decimal.Decimal, periods int) (decimal.Decimal, error) {
	if !quantity.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidQuantity, quantity)
	}
	if !entryPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidPrice, entryPrice)
	}
	if periods <= 0 {
		return decimal.Zero, errors.New("periods must be positive")
	}
	value := quantity.Mul(entryPrice).Mul(decimal.NewFromInt(int64(periods)))
	return roundTripFee.Div(value), nil
}

// IsProfitable compares expected funding income over minPeriods against a
// conservative round-trip fee estimate using the entry price for all legs.
func (c *Calculator) IsProfitable(rate, quantity, entryPrice decimal.Decimal, minPeriods int) (bool, error) {
	roundTrip, err := c.RoundTripFee(quantity, entryPrice, entryPrice, entryPrice, entryPrice)
	if err != nil {
		return false, err
	}
	expected := quantity.Mul(entryPrice).Mul(rate).Mul(decimal.NewFromInt(int64(minPeriods)))
	return expected.GreaterThan(roundTrip), nil
}

func (c *Calculator) takerRate(category string) decimal.Decimal {
	if category == CategorySpot {
		return c.schedule.SpotTaker
	}
	return c.schedule.PerpTaker
}
