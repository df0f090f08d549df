package pnl

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"funding-carry-bot/internal/clock"
	"funding-carry-bot/internal/fees"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrDuplicatePosition = errors.New("position already tracked")
	ErrUnknownPosition   = errors.New("position not tracked")
	ErrPositionClosed    = errors.New("position already closed")
	ErrFundingBeforeOpen = errors.New("funding timestamp precedes position open")
)

// FundingPayment is one funding interval's settled cash flow for a
// position. Immutable once appended to the ledger.
type FundingPayment struct {
	Amount    decimal.Decimal
	Rate      decimal.Decimal
	MarkPrice decimal.Decimal
	Time      time.Time
}

// PositionPnL is the per-position ledger row: created on open, appended to
// on each funding settlement, finalized on close, immutable thereafter.
type PositionPnL struct {
	PositionID     string
	Symbol         string
	Quantity       decimal.Decimal
	SpotEntryPrice decimal.Decimal
	PerpEntryPrice decimal.Decimal
	SpotExitPrice  decimal.Decimal
	PerpExitPrice  decimal.Decimal
	EntryFee       decimal.Decimal
	ExitFee        decimal.Decimal
	Funding        []FundingPayment
	OpenedAt       time.Time
	ClosedAt       time.Time
	Closed         bool
	ForcedClose    bool
}

func (p PositionPnL) TotalFunding() decimal.Decimal {
	total := decimal.Zero
	for _, fp := range p.Funding {
		total = total.Add(fp.Amount)
	}
	return total
}

func (p PositionPnL) TotalFees() decimal.Decimal {
	return p.EntryFee.Add(p.ExitFee)
}

// NetPnL is funding collected minus both fees. Price P&L on the two legs
// cancels for a delta-neutral pair and is excluded.
func (p PositionPnL) NetPnL() decimal.Decimal {
	return p.TotalFunding().Sub(p.TotalFees())
}

// UnrealizedPnL is the residual price P&L at the supplied marks:
// long spot gains as price rises, short perp gains as it falls.
func (p PositionPnL) UnrealizedPnL(spotPrice, perpPrice decimal.Decimal) decimal.Decimal {
	spotLeg := spotPrice.Sub(p.SpotEntryPrice).Mul(p.Quantity)
	perpLeg := p.PerpEntryPrice.Sub(perpPrice).Mul(p.Quantity)
	return spotLeg.Add(perpLeg)
}

// Summary aggregates the whole ledger.
type Summary struct {
	TotalFunding decimal.Decimal
	TotalFees    decimal.Decimal
	NetPnL       decimal.Decimal
	Positions    int
	OpenCount    int
	ClosedCount  int
}

// Tracker owns the position ledger. All timestamps come from the injected
// clock so backtests settle at simulated, not wall, time.
type Tracker struct {
	calc *fees.Calculator
	clk  clock.Clock
	log  *zap.Logger

	mu     sync.Mutex
	ledger map[string]*PositionPnL
}

func NewTracker(calc *fees.Calculator, clk clock.Clock, log *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		calc:   calc,
		clk:    clk,
		log:    log,
		ledger: make(map[string]*PositionPnL),
	}
}

// RecordOpen starts a ledger row for a newly opened position.
func (t *Tracker) RecordOpen(id, symbol string, quantity, spotEntry, perpEntry, entryFee decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ledger[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePosition, id)
	}
	now := t.clk.Now()
	t.ledger[id] = &PositionPnL{
		PositionID:     id,
		Symbol:         symbol,
		Quantity:       quantity,
		SpotEntryPrice: spotEntry,
		PerpEntryPrice: perpEntry,
		EntryFee:       entryFee,
		OpenedAt:       now,
	}
	t.log.Debug("pnl open recorded",
		zap.String("position_id", id),
		zap.String("entry_fee", entryFee.String()),
		zap.String("quantity", quantity.String()),
	)
	return nil
}

// RecordFunding settles one funding interval for an open position and
// returns the signed payment amount. The strategy is always short the
// perp leg, so a positive rate is income.
func (t *Tracker) RecordFunding(id string, rate, markPrice decimal.Decimal) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.ledger[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}
	if row.Closed {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPositionClosed, id)
	}
	now := t.clk.Now()
	if now.Before(row.OpenedAt) {
		return decimal.Zero, fmt.Errorf("%w: %s at %s", ErrFundingBeforeOpen, id, now)
	}
	amount := t.calc.FundingPayment(row.Quantity, markPrice, rate, true)
	row.Funding = append(row.Funding, FundingPayment{
		Amount:    amount,
		Rate:      rate,
		MarkPrice: markPrice,
		Time:      now,
	})
	t.log.Debug("funding payment recorded",
		zap.String("position_id", id),
		zap.String("amount", amount.String()),
		zap.String("rate", rate.String()),
		zap.Int("total_payments", len(row.Funding)),
	)
	return amount, nil
}

// RecordClose finalizes a ledger row. A second close on the same id fails
// without mutating the row.
func (t *Tracker) RecordClose(id string, spotExit, perpExit, exitFee decimal.Decimal, forced bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.ledger[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}
	if row.Closed {
		return fmt.Errorf("%w: %s", ErrPositionClosed, id)
	}
	now := t.clk.Now()
	if now.Before(row.OpenedAt) {
		now = row.OpenedAt
	}
	row.SpotExitPrice = spotExit
	row.PerpExitPrice = perpExit
	row.ExitFee = exitFee
	row.ClosedAt = now
	row.Closed = true
	row.ForcedClose = forced
	t.log.Debug("pnl close recorded",
		zap.String("position_id", id),
		zap.String("exit_fee", exitFee.String()),
		zap.Bool("forced", forced),
		zap.Int("funding_payments", len(row.Funding)),
	)
	return nil
}

// Position returns a copy of one ledger row.
func (t *Tracker) Position(id string) (PositionPnL, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.ledger[id]
	if !ok {
		return PositionPnL{}, false
	}
	return copyRow(row), true
}

// ClosedPositions returns finalized rows ordered by close time descending.
func (t *Tracker) ClosedPositions() []PositionPnL {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PositionPnL, 0, len(t.ledger))
	for _, row := range t.ledger {
		if row.Closed {
			out = append(out, copyRow(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ClosedAt.After(out[j].ClosedAt)
	})
	return out
}

func (t *Tracker) OpenPositions() []PositionPnL {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PositionPnL, 0, len(t.ledger))
	for _, row := range t.ledger {
		if !row.Closed {
			out = append(out, copyRow(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (t *Tracker) PortfolioSummary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{
		TotalFunding: decimal.Zero,
		TotalFees:    decimal.Zero,
		NetPnL:       decimal.Zero,
	}
	for _, row := range t.ledger {
		s.TotalFunding = s.TotalFunding.Add(row.TotalFunding())
		s.TotalFees = s.TotalFees.Add(row.TotalFees())
		s.Positions++
		if row.Closed {
			s.ClosedCount++
		} else {
			s.OpenCount++
		}
	}
	s.NetPnL = s.TotalFunding.Sub(s.TotalFees)
	return s
}

func copyRow(row *PositionPnL) PositionPnL {
	out := *row
	out.Funding = make([]FundingPayment, len(row.Funding))
	copy(out.Funding, row.Funding)
	return out
}
