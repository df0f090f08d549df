package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Store persists funding-rate history and OHLCV candles in SQLite.
// Monetary columns are TEXT so decimals round-trip without loss.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS funding_rate_history (
	symbol TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	rate TEXT NOT NULL,
	mark_price TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_funding_symbol_ts ON funding_rate_history (symbol, timestamp_ms);
CREATE TABLE IF NOT EXISTS ohlcv_candles (
	symbol TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	open TEXT NOT NULL,
	high TEXT NOT NULL,
	low TEXT NOT NULL,
	close TEXT NOT NULL,
	volume TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_candles_symbol_ts ON ohlcv_candles (symbol, timestamp_ms);
`
	_, err := db.Exec(ddl)
	return err
}

func (s *Store) InsertFunding(ctx context.Context, rec FundingRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO funding_rate_history (symbol, timestamp_ms, rate, mark_price) VALUES (?, ?, ?, ?)`,
		rec.Symbol, rec.Timestamp.UnixMilli(), rec.Rate.String(), rec.MarkPrice.String(),
	)
	return err
}

func (s *Store) InsertCandle(ctx context.Context, c Candle) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ohlcv_candles (symbol, timestamp_ms, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Symbol, c.Timestamp.UnixMilli(), c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
	)
	return err
}

// FundingRates returns rows in [from, to] ascending; equal timestamps keep
// insertion order via rowid.
func (s *Store) FundingRates(ctx context.Context, symbol string, from, to time.Time) ([]FundingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp_ms, rate, mark_price FROM funding_rate_history
		 WHERE symbol = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		 ORDER BY timestamp_ms ASC, rowid ASC`,
		symbol, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FundingRecord
	for rows.Next() {
		var ms int64
		var rate, mark string
		if err := rows.Scan(&ms, &rate, &mark); err != nil {
			return nil, err
		}
		rec := FundingRecord{Symbol: symbol, Timestamp: time.UnixMilli(ms).UTC()}
		if rec.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("bad rate %q: %w", rate, err)
		}
		if rec.MarkPrice, err = decimal.NewFromString(mark); err != nil {
			return nil, fmt.Errorf("bad mark price %q: %w", mark, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Candles(ctx context.Context, symbol string, from, to time.Time) ([]Candle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp_ms, open, high, low, close, volume FROM ohlcv_candles
		 WHERE symbol = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		 ORDER BY timestamp_ms ASC, rowid ASC`,
		symbol, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candle
	for rows.Next() {
		var ms int64
		var open, high, low, cls, vol string
		if err := rows.Scan(&ms, &open, &high, &low, &cls, &vol); err != nil {
			return nil, err
		}
		c := Candle{Symbol: symbol, Timestamp: time.UnixMilli(ms).UTC()}
		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&c.Open, open}, {&c.High, high}, {&c.Low, low}, {&c.Close, cls}, {&c.Volume, vol},
		} {
			v, err := decimal.NewFromString(f.src)
			if err != nil {
				return nil, fmt.Errorf("bad candle field %q: %w", f.src, err)
			}
			*f.dst = v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PriceAt returns the latest close at or before the instant. Missing data
// is ErrNoPrice, never a guess.
func (s *Store) PriceAt(ctx context.Context, symbol string, at time.Time) (decimal.Decimal, error) {
	var cls string
	err := s.db.QueryRowContext(ctx,
		`SELECT close FROM ohlcv_candles
		 WHERE symbol = ? AND timestamp_ms <= ?
		 ORDER BY timestamp_ms DESC, rowid DESC LIMIT 1`,
		symbol, at.UnixMilli(),
	).Scan(&cls)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s at %s", ErrNoPrice, symbol, at.Format(time.RFC3339))
	}
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(cls)
}

func (s *Store) Close() error {
	return s.db.Close()
}
