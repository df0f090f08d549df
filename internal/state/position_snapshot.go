package state

import (
	"context"
	"encoding/json"
	"strings"
)

const OpenPositionsKey = "positions:open"

// PositionSnapshot is the persisted view of an open delta-neutral
// position, written after each mutation so a restart can resume
// tracking without replaying exchange history. Decimal fields are
// stored as strings to avoid float drift.
type PositionSnapshot struct {
	ID             string `json:"id"`
	Symbol         string `json:"symbol"`
	Quantity       string `json:"quantity"`
	SpotEntryPrice string `json:"spot_entry_price"`
	PerpEntryPrice string `json:"perp_entry_price"`
	EntryFee       string `json:"entry_fee"`
	OpenedAtMS     int64  `json:"opened_at_ms"`
}

func LoadOpenPositions(ctx context.Context, store Store) ([]PositionSnapshot, error) {
	if store == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, OpenPositionsKey)
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var snapshots []PositionSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func SaveOpenPositions(ctx context.Context, store Store, snapshots []PositionSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(snapshots) == 0 {
		return store.Delete(ctx, OpenPositionsKey)
	}
	payload, err := json.Marshal(snapshots)
	if err != nil {
		return err
	}
	return store.Set(ctx, OpenPositionsKey, string(payload))
}
