package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrViolation wraps every policy rejection so callers can branch on the
// whole class without inspecting messages.
var ErrViolation = errors.New("risk violation")

type MarginLevel int

const (
	MarginOK MarginLevel = iota
	MarginAlert
	MarginCritical
)

func (l MarginLevel) String() string {
	switch l {
	case MarginAlert:
		return "alert"
	case MarginCritical:
		return "critical"
	default:
		return "ok"
	}
}

type Limits struct {
	MaxPositionUSD      decimal.Decimal
	MaxOpenPositions    int
	MarginAlertRatio    decimal.Decimal
	MarginCriticalRatio decimal.Decimal
}

func DefaultLimits() Limits {
	return Limits{
		MaxPositionUSD:      decimal.NewFromInt(1000),
		MaxOpenPositions:    3,
		MarginAlertRatio:    decimal.RequireFromString("0.3"),
		MarginCriticalRatio: decimal.RequireFromString("0.15"),
	}
}

// OpenExposure is the slice of an open position the policy checks need.
type OpenExposure struct {
	Symbol      string
	NotionalUSD decimal.Decimal
}

type Manager struct {
	limits Limits
	log    *zap.Logger
}

func NewManager(limits Limits, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{limits: limits, log: log}
}

func (m *Manager) Limits() Limits { return m.limits }

// CheckCanOpen applies every open-side policy in one pass: positive size,
// per-pair notional cap, portfolio count cap, and no second position on a
// symbol already held.
func (m *Manager) CheckCanOpen(symbol string, notionalUSD decimal.Decimal, open []OpenExposure) error {
	if notionalUSD.Sign() <= 0 {
		return fmt.Errorf("%w: notional %s must be positive", ErrViolation, notionalUSD)
	}
	if notionalUSD.GreaterThan(m.limits.MaxPositionUSD) {
		return fmt.Errorf("%w: notional %s exceeds per-pair cap %s", ErrViolation, notionalUSD, m.limits.MaxPositionUSD)
	}
	if len(open) >= m.limits.MaxOpenPositions {
		return fmt.Errorf("%w: %d positions already open (limit %d)", ErrViolation, len(open), m.limits.MaxOpenPositions)
	}
	for _, ex := range open {
		if ex.Symbol == symbol {
			return fmt.Errorf("%w: position already open for %s", ErrViolation, symbol)
		}
	}
	return nil
}

// MarginStatus grades an account margin ratio against the configured
// thresholds. Alerts are advisory; the caller decides whether critical
// escalates to an emergency stop.
func (m *Manager) MarginStatus(ratio decimal.Decimal) MarginLevel {
	switch {
	case ratio.LessThan(m.limits.MarginCriticalRatio):
		m.log.Warn("margin ratio critical",
			zap.String("ratio", ratio.String()),
			zap.String("threshold", m.limits.MarginCriticalRatio.String()),
		)
		return MarginCritical
	case ratio.LessThan(m.limits.MarginAlertRatio):
		m.log.Warn("margin ratio low",
			zap.String("ratio", ratio.String()),
			zap.String("threshold", m.limits.MarginAlertRatio.String()),
		)
		return MarginAlert
	default:
		return MarginOK
	}
}
