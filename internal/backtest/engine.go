package backtest

import (
	"context"
	"fmt"

	"funding-carry-bot/internal/clock"
	"funding-carry-bot/internal/execution"
	"funding-carry-bot/internal/fees"
	"funding-carry-bot/internal/history"
	"funding-carry-bot/internal/pnl"
	"funding-carry-bot/internal/position"
	"funding-carry-bot/internal/risk"
	"funding-carry-bot/internal/signal"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine replays one symbol's funding-rate history in ascending timestamp
// order through the unmodified decision, execution, and accounting path.
// Every lookup the decision function makes goes through a view clamped to
// the simulated clock, so record i's decision can never see record i+1.
type Engine struct {
	cfg   Config
	store history.Reader
	calc  *fees.Calculator
	log   *zap.Logger
}

func NewEngine(cfg Config, store history.Reader, calc *fees.Calculator, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg, store: store, calc: calc, log: log}
}

// Run executes the replay. An aborted run returns both the partial Result
// (curve up to the failure point, Aborted set) and the error that stopped it.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	records, err := e.store.FundingRates(ctx, e.cfg.Symbol, e.cfg.Start, e.cfg.End)
	if err != nil {
		return Result{Config: e.cfg}, err
	}
	if len(records) == 0 {
		e.log.Warn("no funding records in range",
			zap.String("symbol", e.cfg.Symbol),
			zap.Time("start", e.cfg.Start),
			zap.Time("end", e.cfg.End),
		)
		res := Result{Config: e.cfg}
		res.Metrics = computeMetrics(e.cfg, nil, nil, pnl.Summary{})
		return res, nil
	}

	clk := clock.NewSimulated(records[0].Timestamp)
	exec := execution.NewSimExecutor(e.calc, clk, e.cfg.SlippageBps, 0, e.log)
	tracker := pnl.NewTracker(e.calc, clk, e.log)
	limits := risk.Limits{
		MaxPositionUSD:      e.cfg.InitialCapital,
		MaxOpenPositions:    1,
		MarginAlertRatio:    decimal.RequireFromString("0.3"),
		MarginCriticalRatio: decimal.RequireFromString("0.15"),
	}
	riskMgr := risk.NewManager(limits, e.log)
	mgr := position.NewManager(exec, exec, riskMgr, tracker, clk, e.cfg.LegTolerance, e.log)
	view := history.NewBoundedView(e.store, clk)
	decider := e.cfg.Decider()

	e.log.Info("backtest starting",
		zap.String("symbol", e.cfg.Symbol),
		zap.String("mode", string(e.cfg.Mode)),
		zap.Int("funding_records", len(records)),
	)

	var curve []EquityPoint
	rateHistory := make([]decimal.Decimal, 0, len(records))

	for i, rec := range records {
		exec.SetTime(rec.Timestamp)

		price, err := view.PriceAt(ctx, e.cfg.Symbol, rec.Timestamp)
		if err != nil {
			return e.abort(tracker, curve, fmt.Errorf("record %d at %s: %w", i, rec.Timestamp, err))
		}
		exec.SetPrices(map[string]decimal.Decimal{e.cfg.Symbol: price})
		rateHistory = append(rateHistory, rec.Rate)

		var volumes []decimal.Decimal
		if e.cfg.Mode == ModeComposite {
			candles, err := view.Candles(ctx, e.cfg.Symbol, e.cfg.Start, rec.Timestamp)
			if err != nil {
				return e.abort(tracker, curve, fmt.Errorf("record %d candles: %w", i, err))
			}
			volumes = make([]decimal.Decimal, len(candles))
			for j, c := range candles {
				volumes[j] = c.Volume
			}
		}

		open, hasOpen := mgr.OpenForSymbol(e.cfg.Symbol)
		snap := signal.Snapshot{
			Symbol:      e.cfg.Symbol,
			Rate:        rec.Rate,
			MarkPrice:   price,
			SpotPrice:   price,
			RateHistory: rateHistory,
			Volumes:     volumes,
			HasPosition: hasOpen,
		}
		sig, err := decider.Decide(snap)
		if err != nil {
			return e.abort(tracker, curve, fmt.Errorf("decision at record %d: %w", i, err))
		}

		if hasOpen && sig.Exit {
			if err := mgr.ClosePosition(ctx, open.ID, position.CloseSignal); err != nil {
				e.log.Warn("replay close failed",
					zap.String("position_id", open.ID),
					zap.Time("at", rec.Timestamp),
					zap.Error(err),
				)
			} else {
				hasOpen = false
			}
		}

		if !hasOpen && sig.Enter {
			if _, err := mgr.OpenPosition(ctx, position.OpenParams{
				Symbol:      e.cfg.Symbol,
				NotionalUSD: e.cfg.InitialCapital,
			}); err != nil {
				// Risk rejections are part of normal replay flow.
				e.log.Debug("replay open rejected",
					zap.Time("at", rec.Timestamp),
					zap.Error(err),
				)
			}
		}

		// Funding settles after the decisions: a position opened on this
		// record collects this period, one closed on it does not.
		for _, pos := range mgr.OpenPositions() {
			if _, err := tracker.RecordFunding(pos.ID, rec.Rate, price); err != nil {
				e.log.Warn("funding settlement failed",
					zap.String("position_id", pos.ID),
					zap.Error(err),
				)
			}
		}

		curve = append(curve, EquityPoint{
			Time:   rec.Timestamp,
			Equity: e.cfg.InitialCapital.Add(tracker.PortfolioSummary().NetPnL),
		})
	}

	for _, pos := range mgr.OpenPositions() {
		if err := mgr.ClosePosition(ctx, pos.ID, position.CloseForced); err != nil {
			e.log.Error("final forced close failed",
				zap.String("position_id", pos.ID),
				zap.Error(err),
			)
		}
	}

	trades := projectTrades(tracker.ClosedPositions())
	res := Result{
		Config:      e.cfg,
		EquityCurve: curve,
		Trades:      trades,
		Metrics:     computeMetrics(e.cfg, trades, curve, tracker.PortfolioSummary()),
	}
	e.log.Info("backtest complete",
		zap.Int("trades", res.Metrics.TotalTrades),
		zap.String("net_pnl", res.Metrics.NetPnL.String()),
		zap.Int("equity_points", len(curve)),
	)
	return res, nil
}

func (e *Engine) abort(tracker *pnl.Tracker, curve []EquityPoint, cause error) (Result, error) {
	trades := projectTrades(tracker.ClosedPositions())
	res := Result{
		Config:      e.cfg,
		EquityCurve: curve,
		Trades:      trades,
		Metrics:     computeMetrics(e.cfg, trades, curve, tracker.PortfolioSummary()),
		Aborted:     true,
		AbortReason: cause.Error(),
	}
	e.log.Error("backtest aborted", zap.Error(cause))
	return res, cause
}
