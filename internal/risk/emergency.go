package risk

import (
	"context"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ReasonEmergency is passed to the closer so the close is attributed to the
// stop rather than a strategy exit.
const ReasonEmergency = "emergency_stop"

// Closer is the slice of the position manager the stop controller drives.
type Closer interface {
	OpenPositionIDs() []string
	ClosePosition(ctx context.Context, id, reason string) error
}

// StopResult reports which positions the stop managed to flatten.
type StopResult struct {
	Closed []string
	Failed []string
}

// Controller runs the emergency stop: close every open position,
// best-effort, never halting on an individual failure. Once triggered it
// stays latched so the trading loop can refuse further opens.
type Controller struct {
	closer    Closer
	log       *zap.Logger
	triggered atomic.Bool
}

func NewController(closer Closer, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{closer: closer, log: log}
}

func (c *Controller) Triggered() bool { return c.triggered.Load() }

// Trigger flattens all open positions. The returned error aggregates every
// individual close failure; StopResult is populated either way.
func (c *Controller) Trigger(ctx context.Context) (StopResult, error) {
	c.triggered.Store(true)
	ids := c.closer.OpenPositionIDs()
	c.log.Warn("emergency stop triggered", zap.Int("open_positions", len(ids)))

	var res StopResult
	var errs error
	for _, id := range ids {
		if err := c.closer.ClosePosition(ctx, id, ReasonEmergency); err != nil {
			c.log.Error("emergency close failed",
				zap.String("position_id", id),
				zap.Error(err),
			)
			res.Failed = append(res.Failed, id)
			errs = multierr.Append(errs, err)
			continue
		}
		res.Closed = append(res.Closed, id)
	}
	c.log.Warn("emergency stop finished",
		zap.Int("closed", len(res.Closed)),
		zap.Int("failed", len(res.Failed)),
	)
	return res, errs
}
