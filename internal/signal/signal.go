package signal

import (
	"github.com/shopspring/decimal"
)

// Snapshot is everything the decision function may see at one instant. The
// replay driver builds it from the time-bounded view so its contents can
// never include future data.
type Snapshot struct {
	Symbol    string
	Rate      decimal.Decimal
	MarkPrice decimal.Decimal
	SpotPrice decimal.Decimal
	// RateHistory holds funding rates visible so far, oldest first,
	// including the current one.
	RateHistory []decimal.Decimal
	// Volumes holds candle volumes visible so far, oldest first. Empty
	// when no candle data is loaded.
	Volumes     []decimal.Decimal
	HasPosition bool
}

type Signal struct {
	Enter bool
	Exit  bool
	Score decimal.Decimal
}

// Decider is the pluggable entry/exit policy. Implementations must be pure:
// same snapshot, same signal.
type Decider interface {
	Decide(snap Snapshot) (Signal, error)
}

// Threshold is the simple policy: enter while flat when the rate clears the
// entry level, exit while positioned when it drops below the exit level.
type Threshold struct {
	EntryRate decimal.Decimal
	ExitRate  decimal.Decimal
}

func (t Threshold) Decide(snap Snapshot) (Signal, error) {
	sig := Signal{Score: snap.Rate}
	if snap.HasPosition {
		sig.Exit = snap.Rate.LessThan(t.ExitRate)
	} else {
		sig.Enter = snap.Rate.GreaterThanOrEqual(t.EntryRate)
	}
	return sig, nil
}
