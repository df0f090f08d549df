package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"funding-carry-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// FundingTick is one observed funding interval for a symbol. Rates and
// prices arrive as strings produced by decimal.Decimal so the exact
// exchange values survive the round trip.
type FundingTick struct {
	Time      time.Time
	Symbol    string
	Rate      string
	MarkPrice string
	SpotPrice string
	Accrued   string
}

// EquitySnapshot is the portfolio state at the end of a scan cycle.
type EquitySnapshot struct {
	Time          time.Time
	Equity        string
	NetPnL        string
	TotalFunding  string
	TotalFees     string
	OpenPositions int
}

type Writer struct {
	db       *sql.DB
	log      *zap.Logger
	schema   string
	funding  chan FundingTick
	equity   chan EquitySnapshot
	started  atomic.Bool
	dropFund atomic.Uint64
	dropEq   atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		funding: make(chan FundingTick, queueSize),
		equity:  make(chan EquitySnapshot, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueFunding(tick FundingTick) {
	if w == nil {
		return
	}
	select {
	case w.funding <- tick:
		return
	default:
		if w.dropFund.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale funding queue full")
		}
	}
}

func (w *Writer) EnqueueEquity(snap EquitySnapshot) {
	if w == nil {
		return
	}
	select {
	case w.equity <- snap:
		return
	default:
		if w.dropEq.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale equity queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-w.funding:
			w.writeFunding(ctx, tick)
		case snap := <-w.equity:
			w.writeEquity(ctx, snap)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		rate NUMERIC NOT NULL,
		mark_price NUMERIC NOT NULL,
		spot_price NUMERIC NOT NULL,
		accrued NUMERIC NOT NULL DEFAULT 0,
		PRIMARY KEY (ts, symbol)
	)`, w.table("funding_ticks"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		equity NUMERIC NOT NULL,
		net_pnl NUMERIC NOT NULL,
		total_funding NUMERIC NOT NULL,
		total_fees NUMERIC NOT NULL,
		open_positions INTEGER NOT NULL
	)`, w.table("equity_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("funding_ticks"))); err != nil && w.log != nil {
		w.log.Warn("timescale funding_ticks hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("equity_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("timescale equity_snapshots hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeFunding(ctx context.Context, tick FundingTick) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, rate, mark_price, spot_price, accrued
	) VALUES (
		$1,$2,$3,$4,$5,$6
	)
	ON CONFLICT (ts, symbol) DO UPDATE SET
		rate = EXCLUDED.rate,
		mark_price = EXCLUDED.mark_price,
		spot_price = EXCLUDED.spot_price,
		accrued = EXCLUDED.accrued`, w.table("funding_ticks"))
	if _, err := w.db.ExecContext(ctx, query,
		tick.Time,
		tick.Symbol,
		tick.Rate,
		tick.MarkPrice,
		tick.SpotPrice,
		tick.Accrued,
	); err != nil && w.log != nil {
		w.log.Warn("timescale funding upsert failed", zap.Error(err))
	}
}

func (w *Writer) writeEquity(ctx context.Context, snap EquitySnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, equity, net_pnl, total_funding, total_fees, open_positions
	) VALUES (
		$1,$2,$3,$4,$5,$6
	)`, w.table("equity_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Equity,
		snap.NetPnL,
		snap.TotalFunding,
		snap.TotalFees,
		snap.OpenPositions,
	); err != nil && w.log != nil {
		w.log.Warn("timescale equity insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
