package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"funding-carry-bot/internal/backtest"
	"funding-carry-bot/internal/config"
	"funding-carry-bot/internal/fees"
	"funding-carry-bot/internal/history"
	"funding-carry-bot/internal/logging"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "optional config path for fee schedule")
	dbPath := flag.String("db", "data/historical.db", "path to historical sqlite database")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to replay")
	startStr := flag.String("start", "", "replay start (RFC3339 or YYYY-MM-DD)")
	endStr := flag.String("end", "", "replay end (RFC3339 or YYYY-MM-DD)")
	mode := flag.String("mode", "threshold", "decision mode: threshold or composite")
	capital := flag.String("capital", "10000", "initial capital in USD")
	slippageBps := flag.String("slippage-bps", "0", "simulated slippage in basis points")
	entryRate := flag.String("entry-rate", "0.0003", "threshold entry funding rate")
	exitRate := flag.String("exit-rate", "0.0001", "threshold exit funding rate")
	sweepSpec := flag.String("sweep", "", `parameter sweep grid, e.g. "entry_rate=0.0003,0.0005;exit_rate=0.0001,0.0002"`)
	flag.Parse()

	logCfg := config.LoggingConfig{Level: "info"}
	schedule := fees.DefaultSchedule()
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		logCfg = cfg.Log
		schedule = cfg.FeeSchedule()
	}
	log := logging.New(logCfg)
	defer func() { _ = log.Sync() }()

	start, err := parseTime(*startStr)
	if err != nil {
		fatal(fmt.Errorf("invalid -start: %w", err))
	}
	end, err := parseTime(*endStr)
	if err != nil {
		fatal(fmt.Errorf("invalid -end: %w", err))
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}

	cfg := backtest.DefaultConfig(*symbol, start, end)
	cfg.Mode = backtest.Mode(*mode)
	for name, raw := range map[string]string{
		"initial_capital": *capital,
		"slippage_bps":    *slippageBps,
		"entry_rate":      *entryRate,
		"exit_rate":       *exitRate,
	} {
		value, err := decimal.NewFromString(raw)
		if err != nil {
			fatal(fmt.Errorf("invalid value for %s: %w", name, err))
		}
		if err := cfg.Apply(name, value); err != nil {
			fatal(err)
		}
	}

	store, err := history.Open(*dbPath)
	if err != nil {
		fatal(fmt.Errorf("open history db: %w", err))
	}
	defer store.Close()

	calc := fees.NewCalculator(schedule)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *sweepSpec != "" {
		grid, err := parseGrid(*sweepSpec)
		if err != nil {
			fatal(err)
		}
		sweep := backtest.NewSweep(cfg, store, calc, log)
		result, err := sweep.Run(ctx, grid, func(done, total int, params map[string]decimal.Decimal, _ backtest.Result) {
			log.Info("sweep progress", zap.Int("done", done), zap.Int("total", total))
		})
		if err != nil {
			fatal(err)
		}
		fmt.Println(formatSweepSummary(result))
		return
	}

	engine := backtest.NewEngine(cfg, store, calc, log)
	result, err := engine.Run(ctx)
	if err != nil {
		log.Error("backtest aborted", zap.Error(err))
	}
	fmt.Println(formatRunSummary(result))
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// parseGrid reads "name=v1,v2;name2=v3,v4" into a sweep grid, keeping
// the declared parameter order.
func parseGrid(spec string) (backtest.Grid, error) {
	var grid backtest.Grid
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid sweep parameter %q", part)
		}
		name := strings.TrimSpace(kv[0])
		var values []decimal.Decimal
		for _, raw := range strings.Split(kv[1], ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			v, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid sweep value %q for %s: %w", raw, name, err)
			}
			values = append(values, v)
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("sweep parameter %s has no values", name)
		}
		grid = append(grid, backtest.Param{Name: name, Values: values})
	}
	if len(grid) == 0 {
		return nil, fmt.Errorf("empty sweep grid")
	}
	return grid, nil
}

func formatRunSummary(res backtest.Result) string {
	m := res.Metrics
	lines := []string{
		strings.Repeat("=", 60),
		"BACKTEST RESULT",
		strings.Repeat("=", 60),
		fmt.Sprintf("symbol:          %s", res.Config.Symbol),
		fmt.Sprintf("mode:            %s", res.Config.Mode),
		fmt.Sprintf("duration (days): %d", m.DurationDays),
		fmt.Sprintf("trades:          %d", m.TotalTrades),
		fmt.Sprintf("winning trades:  %d", m.WinningTrades),
		fmt.Sprintf("net pnl:         $%s", m.NetPnL.StringFixed(2)),
		fmt.Sprintf("total funding:   $%s", m.TotalFunding.StringFixed(2)),
		fmt.Sprintf("total fees:      $%s", m.TotalFees.StringFixed(2)),
		fmt.Sprintf("final equity:    $%s", m.FinalEquity.StringFixed(2)),
		fmt.Sprintf("win rate:        %s", formatPercent(m.WinRate)),
		fmt.Sprintf("max drawdown:    %s", formatOptional(m.MaxDrawdown)),
		fmt.Sprintf("sharpe ratio:    %s", formatOptional(m.SharpeRatio)),
	}
	if res.Aborted {
		lines = append(lines, fmt.Sprintf("ABORTED: %s", res.AbortReason))
	}
	return strings.Join(lines, "\n")
}

func formatSweepSummary(sweep backtest.SweepResult) string {
	if len(sweep.Results) == 0 {
		return "No sweep results to display."
	}
	order := make([]int, len(sweep.Results))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return sweep.Results[order[a]].Result.Metrics.NetPnL.GreaterThan(sweep.Results[order[b]].Result.Metrics.NetPnL)
	})

	paramNames := make([]string, len(sweep.Grid))
	for i, p := range sweep.Grid {
		paramNames[i] = p.Name
	}

	var lines []string
	lines = append(lines,
		strings.Repeat("=", 80),
		"PARAMETER SWEEP RESULTS",
		strings.Repeat("=", 80),
		fmt.Sprintf("Total combinations: %d", len(sweep.Results)),
		"",
	)
	headerParts := make([]string, 0, len(paramNames)+4)
	for _, name := range paramNames {
		headerParts = append(headerParts, fmt.Sprintf("%15s", name))
	}
	headerParts = append(headerParts,
		fmt.Sprintf("%12s", "Net P&L"),
		fmt.Sprintf("%8s", "Sharpe"),
		fmt.Sprintf("%10s", "Win Rate"),
		fmt.Sprintf("%8s", "Trades"),
	)
	header := strings.Join(headerParts, " | ")
	lines = append(lines, header, strings.Repeat("-", len(header)))

	for _, idx := range order {
		combo := sweep.Results[idx]
		m := combo.Result.Metrics
		rowParts := make([]string, 0, len(paramNames)+4)
		for _, name := range paramNames {
			rowParts = append(rowParts, fmt.Sprintf("%15s", combo.Params[name].String()))
		}
		marker := ""
		if idx == sweep.BestIndex {
			marker = " *"
		}
		rowParts = append(rowParts,
			fmt.Sprintf("$%11s", m.NetPnL.StringFixed(2)),
			fmt.Sprintf("%8s", formatOptional(m.SharpeRatio)),
			fmt.Sprintf("%10s", formatPercent(m.WinRate)),
			fmt.Sprintf("%8d", m.TotalTrades),
		)
		lines = append(lines, strings.Join(rowParts, " | ")+marker)
	}
	if best, ok := sweep.Best(); ok {
		lines = append(lines, "", fmt.Sprintf("Best combination (*): net pnl $%s", best.Result.Metrics.NetPnL.StringFixed(2)))
	}
	return strings.Join(lines, "\n")
}

func formatPercent(v *decimal.Decimal) string {
	if v == nil {
		return "N/A"
	}
	return v.Mul(decimal.NewFromInt(100)).StringFixed(1) + "%"
}

func formatOptional(v *decimal.Decimal) string {
	if v == nil {
		return "N/A"
	}
	return v.StringFixed(2)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
