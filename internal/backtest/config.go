package backtest

import (
	"fmt"
	"time"

	"funding-carry-bot/internal/signal"

	"github.com/shopspring/decimal"
)

type Mode string

const (
	ModeThreshold Mode = "threshold"
	ModeComposite Mode = "composite"
)

// Config is one backtest run's full parameter set. Values are copied, never
// mutated; sweeps derive override copies via WithOverrides.
type Config struct {
	Symbol string
	Start  time.Time
	End    time.Time

	Mode           Mode
	InitialCapital decimal.Decimal
	SlippageBps    decimal.Decimal
	// LegTolerance is the relative quantity mismatch allowed between legs.
	LegTolerance decimal.Decimal

	// Threshold mode.
	EntryRate decimal.Decimal
	ExitRate  decimal.Decimal

	// Composite mode.
	EntryThreshold        decimal.Decimal
	ExitThreshold         decimal.Decimal
	WeightRateLevel       decimal.Decimal
	WeightTrend           decimal.Decimal
	WeightPersistence     decimal.Decimal
	WeightBasis           decimal.Decimal
	TrendEMASpan          int
	PersistenceThreshold  decimal.Decimal
	PersistenceMaxPeriods int
}

func DefaultConfig(symbol string, start, end time.Time) Config {
	return Config{
		Symbol:                symbol,
		Start:                 start,
		End:                   end,
		Mode:                  ModeThreshold,
		InitialCapital:        decimal.NewFromInt(10000),
		SlippageBps:           decimal.Zero,
		LegTolerance:          decimal.RequireFromString("0.001"),
		EntryRate:             decimal.RequireFromString("0.0003"),
		ExitRate:              decimal.RequireFromString("0.0001"),
		EntryThreshold:        decimal.RequireFromString("0.5"),
		ExitThreshold:         decimal.RequireFromString("0.3"),
		WeightRateLevel:       decimal.RequireFromString("0.35"),
		WeightTrend:           decimal.RequireFromString("0.25"),
		WeightPersistence:     decimal.RequireFromString("0.25"),
		WeightBasis:           decimal.RequireFromString("0.15"),
		TrendEMASpan:          6,
		PersistenceThreshold:  decimal.RequireFromString("0.0003"),
		PersistenceMaxPeriods: 30,
	}
}

// Apply sets one named numeric parameter. Unknown names are an error so a
// sweep grid typo cannot silently run the base config nine times.
func (c *Config) Apply(name string, value decimal.Decimal) error {
	switch name {
	case "initial_capital":
		c.InitialCapital = value
	case "slippage_bps":
		c.SlippageBps = value
	case "entry_rate":
		c.EntryRate = value
	case "exit_rate":
		c.ExitRate = value
	case "entry_threshold":
		c.EntryThreshold = value
	case "exit_threshold":
		c.ExitThreshold = value
	case "weight_rate_level":
		c.WeightRateLevel = value
	case "weight_trend":
		c.WeightTrend = value
	case "weight_persistence":
		c.WeightPersistence = value
	case "weight_basis":
		c.WeightBasis = value
	case "trend_ema_span":
		if value.IntPart() <= 0 {
			return fmt.Errorf("trend_ema_span must be positive, got %s", value)
		}
		c.TrendEMASpan = int(value.IntPart())
	case "persistence_threshold":
		c.PersistenceThreshold = value
	case "persistence_max_periods":
		if value.IntPart() <= 0 {
			return fmt.Errorf("persistence_max_periods must be positive, got %s", value)
		}
		c.PersistenceMaxPeriods = int(value.IntPart())
	default:
		return fmt.Errorf("unknown backtest parameter %q", name)
	}
	return nil
}

// WithOverrides returns a copy with the named parameters replaced.
func (c Config) WithOverrides(overrides map[string]decimal.Decimal) (Config, error) {
	out := c
	for name, value := range overrides {
		if err := out.Apply(name, value); err != nil {
			return Config{}, err
		}
	}
	return out, nil
}

// Decider builds the decision function this config selects.
func (c Config) Decider() signal.Decider {
	if c.Mode == ModeComposite {
		cfg := signal.DefaultCompositeConfig()
		cfg.EntryThreshold = c.EntryThreshold
		cfg.ExitThreshold = c.ExitThreshold
		cfg.Weights = signal.Weights{
			RateLevel:   c.WeightRateLevel,
			Trend:       c.WeightTrend,
			Persistence: c.WeightPersistence,
			Basis:       c.WeightBasis,
		}
		cfg.EMASpan = c.TrendEMASpan
		cfg.PersistenceThreshold = c.PersistenceThreshold
		cfg.PersistenceMaxPeriods = c.PersistenceMaxPeriods
		return signal.NewComposite(cfg)
	}
	return signal.Threshold{EntryRate: c.EntryRate, ExitRate: c.ExitRate}
}
