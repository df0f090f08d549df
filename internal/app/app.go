// Package app wires the live trading loop: poll the market, run the
// decision function, open or close the delta-neutral position, and keep
// margin inside limits.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	osSignal "os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"funding-carry-bot/internal/alerts"
	"funding-carry-bot/internal/clock"
	"funding-carry-bot/internal/config"
	"funding-carry-bot/internal/exchange"
	"funding-carry-bot/internal/execution"
	"funding-carry-bot/internal/fees"
	"funding-carry-bot/internal/market"
	"funding-carry-bot/internal/metrics"
	"funding-carry-bot/internal/pnl"
	"funding-carry-bot/internal/position"
	"funding-carry-bot/internal/risk"
	"funding-carry-bot/internal/signal"
	"funding-carry-bot/internal/state/sqlite"
	"funding-carry-bot/internal/timescale"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// fundingSeedLookback is how many settled intervals to preload into the
// rate window on startup so the composite signal has history.
const fundingSeedLookback = 48

// exchangeAPI is the slice of the exchange client the orchestrator
// itself calls. The executor and market monitor hold their own slices.
type exchangeAPI interface {
	FundingHistory(ctx context.Context, symbol string, limit int) ([]exchange.FundingEntry, error)
	WalletBalance(ctx context.Context) (exchange.WalletStatus, error)
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	exchange  exchangeAPI
	monitor   *market.Monitor
	executor  execution.Executor
	sim       *execution.SimExecutor
	calc      *fees.Calculator
	tracker   *pnl.Tracker
	riskMgr   *risk.Manager
	positions *position.Manager
	emergency *risk.Controller
	decider   signal.Decider
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	notifier  *alerts.Notifier
	telegram  *alerts.Telegram
	writer    *timescale.Writer

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
	lastFundingAt  time.Time
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	clk := clock.Real()
	calc := fees.NewCalculator(cfg.FeeSchedule())
	tracker := pnl.NewTracker(calc, clk, log)
	riskMgr := risk.NewManager(cfg.RiskLimits(), log)

	apiKey := strings.TrimSpace(os.Getenv(cfg.Exchange.APIKeyEnv))
	apiSecret := strings.TrimSpace(os.Getenv(cfg.Exchange.APISecretEnv))
	if !cfg.Execution.Paper && (apiKey == "" || apiSecret == "") {
		_ = store.Close()
		return nil, fmt.Errorf("%s and %s are required for live trading", cfg.Exchange.APIKeyEnv, cfg.Exchange.APISecretEnv)
	}
	exClient := exchange.New(cfg.Exchange.BaseURL, apiKey, apiSecret, cfg.Exchange.RecvWindow, cfg.Exchange.Timeout, log)
	monitor := market.NewMonitor(exClient, clk, cfg.Market.MaxPriceAge, log)

	var executor execution.Executor
	var sim *execution.SimExecutor
	if cfg.Execution.Paper {
		sim = execution.NewSimExecutor(calc, clk, cfg.Execution.SlippageBps, cfg.Market.MaxPriceAge, log)
		executor = sim
	} else {
		executor = execution.NewLiveExecutor(exClient, store, log)
	}

	posMgr := position.NewManager(executor, monitor, riskMgr, tracker, clk, cfg.Risk.LegTolerance, log)
	emergency := risk.NewController(position.EmergencyCloser{Manager: posMgr}, log)

	var prom *metrics.Prometheus
	m := metrics.NewNoop()
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	telegram := alerts.NewTelegram(cfg.Telegram, log)
	notifier := alerts.NewNotifier(telegram, log)

	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		exchange:  exClient,
		monitor:   monitor,
		executor:  executor,
		sim:       sim,
		calc:      calc,
		tracker:   tracker,
		riskMgr:   riskMgr,
		positions: posMgr,
		emergency: emergency,
		decider:   buildDecider(cfg.Strategy),
		metrics:   m,
		prom:      prom,
		notifier:  notifier,
		telegram:  telegram,
		writer:    writer,
	}, nil
}

func buildDecider(cfg config.StrategyConfig) signal.Decider {
	if cfg.Mode == "composite" {
		sc := signal.DefaultCompositeConfig()
		if !cfg.EntryThreshold.IsZero() {
			sc.EntryThreshold = cfg.EntryThreshold
		}
		if !cfg.ExitThreshold.IsZero() {
			sc.ExitThreshold = cfg.ExitThreshold
		}
		if !cfg.WeightRateLevel.IsZero() || !cfg.WeightTrend.IsZero() || !cfg.WeightPersistence.IsZero() || !cfg.WeightBasis.IsZero() {
			sc.Weights = signal.Weights{
				RateLevel:   cfg.WeightRateLevel,
				Trend:       cfg.WeightTrend,
				Persistence: cfg.WeightPersistence,
				Basis:       cfg.WeightBasis,
			}
		}
		return signal.NewComposite(sc)
	}
	return signal.Threshold{EntryRate: cfg.EntryRate, ExitRate: cfg.ExitRate}
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer func() {
		if a.writer != nil {
			_ = a.writer.Close()
		}
	}()

	if a.writer != nil {
		a.writer.Start(ctx)
	}
	a.startMetricsServer(ctx)
	a.startOperator(ctx)
	a.startStreams(ctx)
	a.startStopListener(ctx)

	symbol := a.cfg.Strategy.Symbol
	if err := a.seedRateHistory(ctx, symbol); err != nil {
		a.log.Warn("funding history seed failed", zap.Error(err))
	}
	if err := a.restorePositions(ctx); err != nil {
		a.log.Warn("position restore failed", zap.Error(err))
	}

	a.log.Info("starting scan loop",
		zap.String("symbol", symbol),
		zap.String("mode", a.cfg.Strategy.Mode),
		zap.Bool("paper", a.cfg.Execution.Paper),
		zap.Duration("interval", a.cfg.Strategy.ScanInterval),
	)

	ticker := time.NewTicker(a.cfg.Strategy.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.scan(ctx, symbol); err != nil {
				a.log.Warn("scan cycle failed", zap.Error(err))
			}
		}
	}
}

// scan is one decision cycle. Failures abort the cycle, never the loop.
func (a *App) scan(ctx context.Context, symbol string) error {
	snap, err := a.monitor.Refresh(ctx, symbol)
	if err != nil {
		return fmt.Errorf("market refresh: %w", err)
	}
	if a.sim != nil {
		a.sim.SetPrices(map[string]decimal.Decimal{symbol: snap.SpotPrice})
	}

	if a.emergency.Triggered() {
		return nil
	}
	if err := a.checkMargin(ctx); err != nil {
		return err
	}
	if a.emergency.Triggered() {
		a.persistSnapshots(ctx)
		return nil
	}
	if a.isPaused() {
		return nil
	}

	open, hasPosition := a.positions.OpenForSymbol(symbol)
	sig, err := a.decider.Decide(signal.Snapshot{
		Symbol:      symbol,
		Rate:        snap.FundingRate,
		MarkPrice:   snap.MarkPrice,
		SpotPrice:   snap.SpotPrice,
		RateHistory: a.monitor.RateHistory(symbol),
		Volumes:     a.monitor.Volumes(symbol),
		HasPosition: hasPosition,
	})
	if err != nil {
		return fmt.Errorf("signal decide: %w", err)
	}

	switch {
	case sig.Exit && hasPosition:
		if err := a.positions.ClosePosition(ctx, open.ID, position.CloseSignal); err != nil {
			a.metrics.OrdersFailed.Inc()
			return fmt.Errorf("close %s: %w", open.ID, err)
		}
		a.metrics.PositionsClosed.Inc()
		if row, ok := a.tracker.Position(open.ID); ok {
			a.notifier.PositionClosed(ctx, symbol, string(position.CloseSignal), row.NetPnL())
		}
	case sig.Enter && !hasPosition:
		pos, err := a.positions.OpenPosition(ctx, position.OpenParams{
			Symbol:      symbol,
			NotionalUSD: a.cfg.Strategy.NotionalUSD,
		})
		if err != nil {
			if errors.Is(err, risk.ErrViolation) {
				a.metrics.RiskViolations.Inc()
			} else {
				a.metrics.OrdersFailed.Inc()
			}
			return fmt.Errorf("open %s: %w", symbol, err)
		}
		a.metrics.PositionsOpened.Inc()
		a.metrics.OrdersPlaced.Inc()
		a.notifier.PositionOpened(ctx, symbol, pos.SpotQty, pos.SpotEntryPrice, pos.PerpEntryPrice)
	}

	a.settleFunding(ctx, symbol, snap)
	a.persistSnapshots(ctx)
	a.recordTimescale(snap)
	a.metrics.ScansCompleted.Inc()
	return nil
}

// settleFunding credits funding once per settled interval. The monitor
// only reports the current predicted rate, so settlement walks funding
// history and applies entries newer than the last one applied.
func (a *App) settleFunding(ctx context.Context, symbol string, snap market.FundingSnapshot) {
	open, ok := a.positions.OpenForSymbol(symbol)
	if !ok {
		return
	}
	entries, err := a.exchange.FundingHistory(ctx, symbol, 4)
	if err != nil {
		a.log.Warn("funding history fetch failed", zap.Error(err))
		return
	}
	// History arrives newest first; apply oldest first.
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if !entry.Timestamp.After(a.lastFundingReceipt()) {
			continue
		}
		if entry.Timestamp.Before(open.OpenedAt) {
			a.setLastFundingReceipt(entry.Timestamp)
			continue
		}
		amount, err := a.tracker.RecordFunding(open.ID, entry.Rate, snap.MarkPrice)
		if err != nil {
			a.log.Warn("funding record failed", zap.String("position", open.ID), zap.Error(err))
			continue
		}
		a.setLastFundingReceipt(entry.Timestamp)
		a.metrics.FundingAccrued.Inc()
		a.notifier.FundingCollected(ctx, symbol, amount)
		if a.writer != nil {
			a.writer.EnqueueFunding(timescale.FundingTick{
				Time:      entry.Timestamp,
				Symbol:    symbol,
				Rate:      entry.Rate.String(),
				MarkPrice: snap.MarkPrice.String(),
				SpotPrice: snap.SpotPrice.String(),
				Accrued:   amount.String(),
			})
		}
	}
}

// checkMargin reads unified-account margin and reacts: alert level pings
// the operator channel, critical level flattens everything.
func (a *App) checkMargin(ctx context.Context) error {
	if a.cfg.Execution.Paper {
		return nil
	}
	wallet, err := a.exchange.WalletBalance(ctx)
	if err != nil {
		return fmt.Errorf("wallet balance: %w", err)
	}
	ratio := marginRatio(wallet)
	switch a.riskMgr.MarginStatus(ratio) {
	case risk.MarginCritical:
		a.notifier.MarginAlert(ctx, "critical", ratio)
		if _, err := a.triggerEmergency(ctx, "margin_critical", ratio); err != nil {
			return fmt.Errorf("emergency stop: %w", err)
		}
	case risk.MarginAlert:
		a.notifier.MarginAlert(ctx, "alert", ratio)
	}
	return nil
}

// triggerEmergency latches the stop, flattens the book, and leaves an
// audit record. Shared by the critical-margin path, SIGUSR1, and the
// operator stop command.
func (a *App) triggerEmergency(ctx context.Context, reason string, ratio decimal.Decimal) (risk.StopResult, error) {
	a.metrics.EmergencyStops.Inc()
	result, err := a.emergency.Trigger(ctx)
	a.auditEmergencyStop(ctx, reason, ratio, result)
	a.notifier.EmergencyStop(ctx, result.Closed, result.Failed)
	a.persistSnapshots(ctx)
	return result, err
}

// startStopListener makes the emergency stop externally invocable:
// SIGUSR1 flattens the book without shutting the process down.
func (a *App) startStopListener(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	osSignal.Notify(ch, syscall.SIGUSR1)
	go func() {
		defer osSignal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				a.log.Warn("emergency stop requested via SIGUSR1")
				if _, err := a.triggerEmergency(ctx, "sigusr1", decimal.Zero); err != nil {
					a.log.Error("signal-triggered emergency stop incomplete", zap.Error(err))
				}
			}
		}
	}()
}

// marginRatio is available balance over equity; zero equity reports as
// fully depleted.
func marginRatio(wallet exchange.WalletStatus) decimal.Decimal {
	if wallet.TotalEquity.Sign() <= 0 {
		return decimal.Zero
	}
	return wallet.TotalAvailableBalance.DivRound(wallet.TotalEquity, 8)
}

func (a *App) seedRateHistory(ctx context.Context, symbol string) error {
	entries, err := a.exchange.FundingHistory(ctx, symbol, fundingSeedLookback)
	if err != nil {
		return err
	}
	rates := make([]decimal.Decimal, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		rates = append(rates, entries[i].Rate)
	}
	a.monitor.SeedRates(symbol, rates)
	if len(entries) > 0 {
		a.setLastFundingReceipt(entries[0].Timestamp)
	}
	a.log.Info("seeded funding history", zap.String("symbol", symbol), zap.Int("count", len(rates)))
	return nil
}

// startStreams subscribes to the public ticker stream for each leg so
// the monitor's snapshot stays current between scans. The decision loop
// still runs on scan cadence; streams only tighten price staleness.
func (a *App) startStreams(ctx context.Context) {
	if !a.cfg.Exchange.StreamEnabled {
		return
	}
	symbols := []string{a.cfg.Strategy.Symbol}
	base := strings.TrimRight(a.cfg.Exchange.StreamURL, "/")
	for _, category := range []execution.Category{execution.CategorySpot, execution.CategoryLinear} {
		stream := exchange.NewStream(
			base+"/"+string(category),
			string(category),
			symbols,
			a.cfg.Exchange.StreamReconnectDelay,
			a.cfg.Exchange.StreamPingInterval,
			a.log,
		)
		go func(s *exchange.Stream) {
			err := s.Run(ctx, func(u exchange.TickerUpdate) {
				a.monitor.ApplyUpdate(u.Category, u.Ticker)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("ticker stream stopped", zap.Error(err))
			}
		}(stream)
	}
	a.log.Info("ticker streams started", zap.String("url", base), zap.Strings("symbols", symbols))
}

func (a *App) startMetricsServer(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics server listening", zap.String("addr", a.cfg.Metrics.Listen))
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}

func (a *App) lastFundingReceipt() time.Time {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.lastFundingAt
}

func (a *App) setLastFundingReceipt(t time.Time) {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	if t.After(a.lastFundingAt) {
		a.lastFundingAt = t
	}
}
