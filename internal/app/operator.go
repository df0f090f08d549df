package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"funding-carry-bot/internal/alerts"
	"funding-carry-bot/internal/risk"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.telegram == nil {
		return
	}
	if !a.cfg.Telegram.Enabled || !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.telegram.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarnedSwap(false) {
			a.log.Info("telegram operator recovered")
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp := a.handleOperatorCommand(ctx, cmd, meta)
	if resp == "" {
		return
	}
	if err := a.telegram.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(strings.TrimPrefix(fields[0], "/")), true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, meta operatorMeta) string {
	switch cmd {
	case "status":
		return a.operatorStatus()
	case "pause":
		before := a.isPaused()
		after := a.setPaused(true)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "pause",
			Command:      meta.Raw,
			UserID:       meta.UserID,
			Username:     meta.Username,
			ChatID:       meta.ChatID,
			PausedBefore: before,
			PausedAfter:  after,
		})
		if !before {
			return "trading paused"
		}
		return "trading already paused"
	case "resume":
		before := a.isPaused()
		after := a.setPaused(false)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "resume",
			Command:      meta.Raw,
			UserID:       meta.UserID,
			Username:     meta.Username,
			ChatID:       meta.ChatID,
			PausedBefore: before,
			PausedAfter:  after,
		})
		if before {
			return "trading resumed"
		}
		return "trading already active"
	case "stop":
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "stop",
			Command:      meta.Raw,
			UserID:       meta.UserID,
			Username:     meta.Username,
			ChatID:       meta.ChatID,
			PausedBefore: a.isPaused(),
			PausedAfter:  a.isPaused(),
		})
		result, err := a.triggerEmergency(ctx, "operator_stop", decimal.Zero)
		if err != nil {
			return fmt.Sprintf("emergency stop: closed %d, failed %d: %v", len(result.Closed), len(result.Failed), err)
		}
		return fmt.Sprintf("emergency stop: closed %d position(s)", len(result.Closed))
	default:
		return operatorHelpText()
	}
}

func (a *App) operatorStatus() string {
	symbol := a.cfg.Strategy.Symbol
	summary := a.tracker.PortfolioSummary()
	lines := []string{
		fmt.Sprintf("symbol: %s", symbol),
		fmt.Sprintf("paused: %t", a.isPaused()),
		fmt.Sprintf("emergency_stopped: %t", a.emergency.Triggered()),
		fmt.Sprintf("open_positions: %d", summary.OpenCount),
		fmt.Sprintf("net_pnl: %s", summary.NetPnL.String()),
		fmt.Sprintf("total_funding: %s", summary.TotalFunding.String()),
		fmt.Sprintf("total_fees: %s", summary.TotalFees.String()),
	}
	if snap, ok := a.monitor.Snapshot(symbol); ok {
		lines = append(lines,
			fmt.Sprintf("funding_rate: %s", snap.FundingRate.String()),
			fmt.Sprintf("spot_price: %s", snap.SpotPrice.String()),
			fmt.Sprintf("perp_price: %s", snap.PerpPrice.String()),
		)
	}
	if last := a.lastFundingReceipt(); !last.IsZero() {
		lines = append(lines, fmt.Sprintf("last_funding_receipt: %s", last.UTC().Format(time.RFC3339)))
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - current bot status",
		"/pause - pause new trading actions",
		"/resume - resume trading actions",
		"/stop - flatten all positions and halt trading",
	}, "\n")
}

// operatorWarnedSwap sets the warned flag and reports whether it changed.
func (a *App) operatorWarnedSwap(warned bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	changed := a.operatorWarned != warned
	a.operatorWarned = warned
	return changed
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarnedSwap(true) {
		a.log.Warn("telegram operator failed", zap.Error(err))
	}
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

// auditEmergencyStop leaves a durable record of what a stop managed to
// flatten and what set it off, keyed alongside the operator audit trail.
func (a *App) auditEmergencyStop(ctx context.Context, reason string, ratio decimal.Decimal, result risk.StopResult) {
	if a.store == nil {
		return
	}
	event := struct {
		Time        time.Time `json:"time"`
		Reason      string    `json:"reason"`
		MarginRatio string    `json:"margin_ratio"`
		Closed      []string  `json:"closed"`
		Failed      []string  `json:"failed"`
	}{
		Time:        time.Now().UTC(),
		Reason:      reason,
		MarginRatio: ratio.String(),
		Closed:      result.Closed,
		Failed:      result.Failed,
	}
	key := fmt.Sprintf("ops:audit:%d:emergency", event.Time.UnixNano())
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
