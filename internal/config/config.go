package config

import (
	"errors"
	"os"
	"time"

	"funding-carry-bot/internal/fees"
	"funding-carry-bot/internal/risk"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	State     StateConfig     `yaml:"state"`
	History   HistoryConfig   `yaml:"history"`
	Market    MarketConfig    `yaml:"market"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Fees      FeesConfig      `yaml:"fees"`
	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" (default) or "console"
}

type ExchangeConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RecvWindow int           `yaml:"recv_window_ms"`
	// Credentials come from the environment, never the YAML file.
	APIKeyEnv    string `yaml:"api_key_env"`
	APISecretEnv string `yaml:"api_secret_env"`

	// Public websocket stream for between-scan price updates.
	StreamEnabled        bool          `yaml:"stream_enabled"`
	StreamURL            string        `yaml:"stream_url"`
	StreamReconnectDelay time.Duration `yaml:"stream_reconnect_delay"`
	StreamPingInterval   time.Duration `yaml:"stream_ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type HistoryConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MarketConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPriceAge  time.Duration `yaml:"max_price_age"`
}

type StrategyConfig struct {
	Symbol      string          `yaml:"symbol"`
	Mode        string          `yaml:"mode"` // "threshold" or "composite"
	NotionalUSD decimal.Decimal `yaml:"notional_usd"`

	EntryRate decimal.Decimal `yaml:"entry_rate"`
	ExitRate  decimal.Decimal `yaml:"exit_rate"`

	EntryThreshold    decimal.Decimal `yaml:"entry_threshold"`
	ExitThreshold     decimal.Decimal `yaml:"exit_threshold"`
	WeightRateLevel   decimal.Decimal `yaml:"weight_rate_level"`
	WeightTrend       decimal.Decimal `yaml:"weight_trend"`
	WeightPersistence decimal.Decimal `yaml:"weight_persistence"`
	WeightBasis       decimal.Decimal `yaml:"weight_basis"`

	ScanInterval time.Duration `yaml:"scan_interval"`
}

type FeesConfig struct {
	SpotTaker decimal.Decimal `yaml:"spot_taker"`
	SpotMaker decimal.Decimal `yaml:"spot_maker"`
	PerpTaker decimal.Decimal `yaml:"perp_taker"`
	PerpMaker decimal.Decimal `yaml:"perp_maker"`
}

type RiskConfig struct {
	MaxPositionUSD      decimal.Decimal `yaml:"max_position_usd"`
	MaxOpenPositions    int             `yaml:"max_open_positions"`
	MarginAlertRatio    decimal.Decimal `yaml:"margin_alert_ratio"`
	MarginCriticalRatio decimal.Decimal `yaml:"margin_critical_ratio"`
	LegTolerance        decimal.Decimal `yaml:"leg_tolerance"`
}

type ExecutionConfig struct {
	Paper       bool            `yaml:"paper"`
	SlippageBps decimal.Decimal `yaml:"slippage_bps"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`

	// Operator commands (/status, /pause, /resume) over the same bot.
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

// applyEnvOverrides lets secrets come from the environment so they never
// live in the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("TIMESCALE_DSN"); v != "" {
		cfg.Timescale.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Exchange.BaseURL == "" {
		cfg.Exchange.BaseURL = "https://api.bybit.com"
	}
	if cfg.Exchange.Timeout == 0 {
		cfg.Exchange.Timeout = 10 * time.Second
	}
	if cfg.Exchange.RecvWindow == 0 {
		cfg.Exchange.RecvWindow = 5000
	}
	if cfg.Exchange.APIKeyEnv == "" {
		cfg.Exchange.APIKeyEnv = "EXCHANGE_API_KEY"
	}
	if cfg.Exchange.APISecretEnv == "" {
		cfg.Exchange.APISecretEnv = "EXCHANGE_API_SECRET"
	}
	if cfg.Exchange.StreamURL == "" {
		cfg.Exchange.StreamURL = "wss://stream.bybit.com/v5/public"
	}
	if cfg.Exchange.StreamReconnectDelay == 0 {
		cfg.Exchange.StreamReconnectDelay = 5 * time.Second
	}
	if cfg.Exchange.StreamPingInterval == 0 {
		cfg.Exchange.StreamPingInterval = 20 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/funding-carry-bot.db"
	}
	if cfg.History.SQLitePath == "" {
		cfg.History.SQLitePath = "data/historical.db"
	}
	if cfg.Market.PollInterval == 0 {
		cfg.Market.PollInterval = 30 * time.Second
	}
	if cfg.Market.MaxPriceAge == 0 {
		cfg.Market.MaxPriceAge = 2 * time.Minute
	}
	if cfg.Strategy.Mode == "" {
		cfg.Strategy.Mode = "threshold"
	}
	if cfg.Strategy.EntryRate.IsZero() {
		cfg.Strategy.EntryRate = decimal.RequireFromString("0.0003")
	}
	if cfg.Strategy.ExitRate.IsZero() {
		cfg.Strategy.ExitRate = decimal.RequireFromString("0.0001")
	}
	if cfg.Strategy.EntryThreshold.IsZero() {
		cfg.Strategy.EntryThreshold = decimal.RequireFromString("0.5")
	}
	if cfg.Strategy.ExitThreshold.IsZero() {
		cfg.Strategy.ExitThreshold = decimal.RequireFromString("0.3")
	}
	if cfg.Strategy.WeightRateLevel.IsZero() {
		cfg.Strategy.WeightRateLevel = decimal.RequireFromString("0.35")
	}
	if cfg.Strategy.WeightTrend.IsZero() {
		cfg.Strategy.WeightTrend = decimal.RequireFromString("0.25")
	}
	if cfg.Strategy.WeightPersistence.IsZero() {
		cfg.Strategy.WeightPersistence = decimal.RequireFromString("0.25")
	}
	if cfg.Strategy.WeightBasis.IsZero() {
		cfg.Strategy.WeightBasis = decimal.RequireFromString("0.15")
	}
	if cfg.Strategy.ScanInterval == 0 {
		cfg.Strategy.ScanInterval = 30 * time.Second
	}
	if cfg.Fees.SpotTaker.IsZero() {
		cfg.Fees.SpotTaker = decimal.RequireFromString("0.001")
	}
	if cfg.Fees.SpotMaker.IsZero() {
		cfg.Fees.SpotMaker = decimal.RequireFromString("0.001")
	}
	if cfg.Fees.PerpTaker.IsZero() {
		cfg.Fees.PerpTaker = decimal.RequireFromString("0.00055")
	}
	if cfg.Fees.PerpMaker.IsZero() {
		cfg.Fees.PerpMaker = decimal.RequireFromString("0.0002")
	}
	if cfg.Risk.MaxPositionUSD.IsZero() {
		cfg.Risk.MaxPositionUSD = decimal.NewFromInt(1000)
	}
	if cfg.Risk.MaxOpenPositions == 0 {
		cfg.Risk.MaxOpenPositions = 3
	}
	if cfg.Risk.MarginAlertRatio.IsZero() {
		cfg.Risk.MarginAlertRatio = decimal.RequireFromString("0.3")
	}
	if cfg.Risk.MarginCriticalRatio.IsZero() {
		cfg.Risk.MarginCriticalRatio = decimal.RequireFromString("0.15")
	}
	if cfg.Risk.LegTolerance.IsZero() {
		cfg.Risk.LegTolerance = decimal.RequireFromString("0.001")
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
}

func validate(cfg *Config) error {
	if cfg.Strategy.Symbol == "" {
		return errors.New("strategy.symbol is required")
	}
	if cfg.Strategy.NotionalUSD.Sign() <= 0 {
		return errors.New("strategy.notional_usd must be > 0")
	}
	if cfg.Strategy.Mode != "threshold" && cfg.Strategy.Mode != "composite" {
		return errors.New("strategy.mode must be threshold or composite")
	}
	if cfg.Strategy.NotionalUSD.GreaterThan(cfg.Risk.MaxPositionUSD) {
		return errors.New("strategy.notional_usd exceeds risk.max_position_usd")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}

// FeeSchedule maps the fee section onto the calculator's schedule.
func (c *Config) FeeSchedule() fees.Schedule {
	return fees.Schedule{
		SpotTaker: c.Fees.SpotTaker,
		SpotMaker: c.Fees.SpotMaker,
		PerpTaker: c.Fees.PerpTaker,
		PerpMaker: c.Fees.PerpMaker,
	}
}

// RiskLimits maps the risk section onto the risk manager's limits.
func (c *Config) RiskLimits() risk.Limits {
	return risk.Limits{
		MaxPositionUSD:      c.Risk.MaxPositionUSD,
		MaxOpenPositions:    c.Risk.MaxOpenPositions,
		MarginAlertRatio:    c.Risk.MarginAlertRatio,
		MarginCriticalRatio: c.Risk.MarginCriticalRatio,
	}
}
