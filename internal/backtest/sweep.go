package backtest

import (
	"context"
	"fmt"

	"funding-carry-bot/internal/fees"
	"funding-carry-bot/internal/history"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Param is one sweep dimension: a config field name and the values to try.
type Param struct {
	Name   string
	Values []decimal.Decimal
}

// Grid declares the sweep dimensions. Combination order follows the
// declared order, first parameter outermost.
type Grid []Param

func (g Grid) combinations() int {
	if len(g) == 0 {
		return 0
	}
	total := 1
	for _, p := range g {
		total *= len(p.Values)
	}
	return total
}

type ComboResult struct {
	Params map[string]decimal.Decimal
	Result Result
}

// SweepResult holds every combination's outcome. Only the best-by-net-P&L
// combination keeps its equity curve and trade list; the rest keep compact
// metrics so a wide grid stays bounded in memory.
type SweepResult struct {
	Grid      Grid
	Results   []ComboResult
	BestIndex int
}

func (r SweepResult) Best() (ComboResult, bool) {
	if r.BestIndex < 0 || r.BestIndex >= len(r.Results) {
		return ComboResult{}, false
	}
	return r.Results[r.BestIndex], true
}

type ProgressFunc func(done, total int, params map[string]decimal.Decimal, res Result)

// Sweep runs an engine per grid combination against a shared base config.
type Sweep struct {
	base  Config
	store history.Reader
	calc  *fees.Calculator
	log   *zap.Logger
}

func NewSweep(base Config, store history.Reader, calc *fees.Calculator, log *zap.Logger) *Sweep {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweep{base: base, store: store, calc: calc, log: log}
}

// Run walks the full cartesian product in declared order. Ranking ties
// break in favor of the earlier combination. An aborted combination keeps
// its partial metrics and the sweep proceeds.
func (s *Sweep) Run(ctx context.Context, grid Grid, progress ProgressFunc) (SweepResult, error) {
	for _, p := range grid {
		if len(p.Values) == 0 {
			return SweepResult{}, fmt.Errorf("sweep parameter %q has no values", p.Name)
		}
		for _, v := range p.Values {
			trial := s.base
			if err := trial.Apply(p.Name, v); err != nil {
				return SweepResult{}, err
			}
		}
	}

	total := grid.combinations()
	out := SweepResult{Grid: grid, BestIndex: -1}
	s.log.Info("sweep starting",
		zap.Int("parameters", len(grid)),
		zap.Int("combinations", total),
	)

	bestPnL := decimal.Decimal{}
	indices := make([]int, len(grid))
	for done := 0; done < total; done++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		params := make(map[string]decimal.Decimal, len(grid))
		for i, p := range grid {
			params[p.Name] = p.Values[indices[i]]
		}
		cfg, err := s.base.WithOverrides(params)
		if err != nil {
			return out, err
		}

		res, runErr := NewEngine(cfg, s.store, s.calc, s.log).Run(ctx)
		if runErr != nil {
			s.log.Warn("sweep combination aborted",
				zap.Any("params", paramStrings(params)),
				zap.Error(runErr),
			)
		}

		keep := ComboResult{Params: params, Result: res}
		if out.BestIndex < 0 || res.Metrics.NetPnL.GreaterThan(bestPnL) {
			if out.BestIndex >= 0 {
				compact(&out.Results[out.BestIndex].Result)
			}
			bestPnL = res.Metrics.NetPnL
			out.BestIndex = len(out.Results)
		} else {
			compact(&keep.Result)
		}
		out.Results = append(out.Results, keep)

		if progress != nil {
			progress(done+1, total, params, res)
		}
		s.log.Debug("sweep combination complete",
			zap.Int("done", done+1),
			zap.Int("total", total),
			zap.String("net_pnl", res.Metrics.NetPnL.String()),
		)

		for i := len(grid) - 1; i >= 0; i-- {
			indices[i]++
			if indices[i] < len(grid[i].Values) {
				break
			}
			indices[i] = 0
		}
	}

	s.log.Info("sweep complete",
		zap.Int("combinations", total),
		zap.String("best_net_pnl", bestPnL.String()),
	)
	return out, nil
}

func compact(res *Result) {
	res.EquityCurve = nil
	res.Trades = nil
}

func paramStrings(params map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v.String()
	}
	return out
}
