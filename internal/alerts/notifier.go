package alerts

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Sender delivers a plain-text alert to an external channel.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Notifier formats trading events into alert messages. Delivery
// failures are logged and swallowed so alerting never blocks the
// trading path.
type Notifier struct {
	sender Sender
	log    *zap.Logger
}

func NewNotifier(sender Sender, log *zap.Logger) *Notifier {
	return &Notifier{sender: sender, log: log}
}

func (n *Notifier) PositionOpened(ctx context.Context, symbol string, qty, spotPrice, perpPrice decimal.Decimal) {
	msg := fmt.Sprintf("OPENED %s\nqty: %s\nspot: %s\nperp: %s",
		symbol, qty.String(), spotPrice.String(), perpPrice.String())
	n.deliver(ctx, msg)
}

func (n *Notifier) PositionClosed(ctx context.Context, symbol, reason string, netPnL decimal.Decimal) {
	msg := fmt.Sprintf("CLOSED %s\nreason: %s\nnet pnl: %s", symbol, reason, netPnL.String())
	n.deliver(ctx, msg)
}

func (n *Notifier) FundingCollected(ctx context.Context, symbol string, amount decimal.Decimal) {
	msg := fmt.Sprintf("FUNDING %s\namount: %s", symbol, amount.String())
	n.deliver(ctx, msg)
}

func (n *Notifier) MarginAlert(ctx context.Context, level string, ratio decimal.Decimal) {
	msg := fmt.Sprintf("MARGIN %s\nratio: %s", level, ratio.String())
	n.deliver(ctx, msg)
}

func (n *Notifier) EmergencyStop(ctx context.Context, closed, failed []string) {
	msg := fmt.Sprintf("EMERGENCY STOP\nclosed: %d\nfailed: %d", len(closed), len(failed))
	for _, id := range failed {
		msg += "\nfailed: " + id
	}
	n.deliver(ctx, msg)
}

func (n *Notifier) deliver(ctx context.Context, msg string) {
	if n.sender == nil {
		return
	}
	if err := n.sender.Send(ctx, msg); err != nil {
		n.log.Warn("alert delivery failed", zap.Error(err))
	}
}
