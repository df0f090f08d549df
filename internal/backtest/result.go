package backtest

import (
	"math"
	"time"

	"funding-carry-bot/internal/pnl"

	"github.com/shopspring/decimal"
)

type EquityPoint struct {
	Time   time.Time
	Equity decimal.Decimal
}

// Trade is the read-only trade-log projection of one closed ledger row.
type Trade struct {
	Symbol           string
	EntryTime        time.Time
	ExitTime         time.Time
	SpotEntryPrice   decimal.Decimal
	PerpEntryPrice   decimal.Decimal
	SpotExitPrice    decimal.Decimal
	PerpExitPrice    decimal.Decimal
	FundingCollected decimal.Decimal
	Fees             decimal.Decimal
	NetPnL           decimal.Decimal
	FundingPeriods   int
	Win              bool
	ForcedClose      bool
}

// Metrics holds aggregates computed once from the finalized ledger and
// equity curve. Ratios that need data we did not get stay nil.
type Metrics struct {
	TotalTrades   int
	WinningTrades int
	NetPnL        decimal.Decimal
	TotalFees     decimal.Decimal
	TotalFunding  decimal.Decimal
	FinalEquity   decimal.Decimal
	WinRate       *decimal.Decimal
	MaxDrawdown   *decimal.Decimal
	SharpeRatio   *decimal.Decimal
	DurationDays  int
}

// Result is the complete outcome of one run. An aborted run keeps the
// partial equity curve and the reason it stopped.
type Result struct {
	Config      Config
	EquityCurve []EquityPoint
	Trades      []Trade
	Metrics     Metrics
	Aborted     bool
	AbortReason string
}

func projectTrades(closed []pnl.PositionPnL) []Trade {
	out := make([]Trade, 0, len(closed))
	// Closed positions arrive newest first; the trade log reads oldest first.
	for i := len(closed) - 1; i >= 0; i-- {
		p := closed[i]
		net := p.NetPnL()
		out = append(out, Trade{
			Symbol:           p.Symbol,
			EntryTime:        p.OpenedAt,
			ExitTime:         p.ClosedAt,
			SpotEntryPrice:   p.SpotEntryPrice,
			PerpEntryPrice:   p.PerpEntryPrice,
			SpotExitPrice:    p.SpotExitPrice,
			PerpExitPrice:    p.PerpExitPrice,
			FundingCollected: p.TotalFunding(),
			Fees:             p.TotalFees(),
			NetPnL:           net,
			FundingPeriods:   len(p.Funding),
			Win:              net.Sign() > 0,
			ForcedClose:      p.ForcedClose,
		})
	}
	return out
}

func computeMetrics(cfg Config, trades []Trade, curve []EquityPoint, summary pnl.Summary) Metrics {
	m := Metrics{
		TotalTrades:  len(trades),
		NetPnL:       summary.NetPnL,
		TotalFees:    summary.TotalFees,
		TotalFunding: summary.TotalFunding,
		FinalEquity:  cfg.InitialCapital.Add(summary.NetPnL),
		DurationDays: durationDays(cfg.Start, cfg.End),
	}
	for _, tr := range trades {
		if tr.Win {
			m.WinningTrades++
		}
	}
	if len(trades) > 0 {
		wr := decimal.NewFromInt(int64(m.WinningTrades)).
			DivRound(decimal.NewFromInt(int64(len(trades))), 6)
		m.WinRate = &wr
	}
	if dd, ok := maxDrawdown(curve); ok {
		m.MaxDrawdown = &dd
	}
	if sr, ok := sharpeRatio(trades); ok {
		m.SharpeRatio = &sr
	}
	return m
}

// maxDrawdown is the largest peak-to-trough equity drop over the curve.
func maxDrawdown(curve []EquityPoint) (decimal.Decimal, bool) {
	if len(curve) == 0 {
		return decimal.Decimal{}, false
	}
	peak := curve[0].Equity
	worst := decimal.Zero
	for _, pt := range curve[1:] {
		if pt.Equity.GreaterThan(peak) {
			peak = pt.Equity
			continue
		}
		if dd := peak.Sub(pt.Equity); dd.GreaterThan(worst) {
			worst = dd
		}
	}
	return worst, true
}

// sharpeRatio is mean over standard deviation of per-trade net P&L. The
// square root forces a float64 round trip; acceptable for a ranking
// statistic that never feeds back into accounting.
func sharpeRatio(trades []Trade) (decimal.Decimal, bool) {
	if len(trades) < 2 {
		return decimal.Decimal{}, false
	}
	returns := make([]float64, len(trades))
	var sum float64
	for i, tr := range trades {
		returns[i] = tr.NetPnL.InexactFloat64()
		sum += returns[i]
	}
	mean := sum / float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance <= 0 {
		return decimal.Decimal{}, false
	}
	return decimal.NewFromFloat(mean / math.Sqrt(variance)).Round(6), true
}

func durationDays(start, end time.Time) int {
	days := int(end.Sub(start) / (24 * time.Hour))
	if days < 1 {
		return 1
	}
	return days
}
