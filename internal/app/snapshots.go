package app

import (
	"context"
	"time"

	"funding-carry-bot/internal/market"
	"funding-carry-bot/internal/position"
	"funding-carry-bot/internal/state"
	"funding-carry-bot/internal/timescale"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// persistSnapshots writes the current open positions to the state store
// so a restart can resume tracking them.
func (a *App) persistSnapshots(ctx context.Context) {
	open := a.positions.OpenPositions()
	snapshots := make([]state.PositionSnapshot, 0, len(open))
	for _, pos := range open {
		entryFee := decimal.Zero
		if row, ok := a.tracker.Position(pos.ID); ok {
			entryFee = row.EntryFee
		}
		snapshots = append(snapshots, state.PositionSnapshot{
			ID:             pos.ID,
			Symbol:         pos.Symbol,
			Quantity:       pos.SpotQty.String(),
			SpotEntryPrice: pos.SpotEntryPrice.String(),
			PerpEntryPrice: pos.PerpEntryPrice.String(),
			EntryFee:       entryFee.String(),
			OpenedAtMS:     pos.OpenedAt.UnixMilli(),
		})
	}
	if err := state.SaveOpenPositions(ctx, a.store, snapshots); err != nil {
		a.log.Warn("position snapshot persist failed", zap.Error(err))
	}
}

// restorePositions reloads positions persisted by an earlier run.
func (a *App) restorePositions(ctx context.Context) error {
	snapshots, err := state.LoadOpenPositions(ctx, a.store)
	if err != nil {
		return err
	}
	for _, snap := range snapshots {
		qty, err := decimal.NewFromString(snap.Quantity)
		if err != nil {
			a.log.Warn("skipping snapshot with bad quantity", zap.String("id", snap.ID), zap.Error(err))
			continue
		}
		spotEntry, err := decimal.NewFromString(snap.SpotEntryPrice)
		if err != nil {
			a.log.Warn("skipping snapshot with bad spot entry", zap.String("id", snap.ID), zap.Error(err))
			continue
		}
		perpEntry, err := decimal.NewFromString(snap.PerpEntryPrice)
		if err != nil {
			a.log.Warn("skipping snapshot with bad perp entry", zap.String("id", snap.ID), zap.Error(err))
			continue
		}
		entryFee, err := decimal.NewFromString(snap.EntryFee)
		if err != nil {
			entryFee = decimal.Zero
		}
		pos := position.Position{
			ID:             snap.ID,
			Symbol:         snap.Symbol,
			SpotQty:        qty,
			PerpQty:        qty,
			SpotEntryPrice: spotEntry,
			PerpEntryPrice: perpEntry,
			NotionalUSD:    qty.Mul(spotEntry),
			OpenedAt:       time.UnixMilli(snap.OpenedAtMS).UTC(),
		}
		if err := a.positions.Restore(pos, entryFee); err != nil {
			a.log.Warn("position restore failed", zap.String("id", snap.ID), zap.Error(err))
		}
	}
	return nil
}

// recordTimescale enqueues the post-scan equity point. Best effort; the
// writer drops on a full queue. Equity is quoted against the configured
// notional, mirroring how replayed runs report their curve.
func (a *App) recordTimescale(snap market.FundingSnapshot) {
	if a.writer == nil {
		return
	}
	summary := a.tracker.PortfolioSummary()
	equity := a.cfg.Strategy.NotionalUSD.Add(summary.NetPnL)
	a.writer.EnqueueEquity(timescale.EquitySnapshot{
		Time:          snap.UpdatedAt,
		Equity:        equity.String(),
		NetPnL:        summary.NetPnL.String(),
		TotalFunding:  summary.TotalFunding.String(),
		TotalFees:     summary.TotalFees.String(),
		OpenPositions: summary.OpenCount,
	})
}
