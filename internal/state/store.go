// Package state is the bot's durable key-value scratchpad: submitted
// client order ids for idempotent resubmission, open-position snapshots
// for restart recovery, the operator poll offset, and the audit trail
// of operator commands and emergency stops.
package state

import "context"

// Store is a flat string kv store. Get reports presence explicitly so
// an empty value and a missing key are distinguishable.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
