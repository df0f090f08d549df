package signal

import (
	"github.com/shopspring/decimal"
)

type Trend int

const (
	TrendStable Trend = iota
	TrendRising
	TrendFalling
)

func (t Trend) String() string {
	switch t {
	case TrendRising:
		return "rising"
	case TrendFalling:
		return "falling"
	default:
		return "stable"
	}
}

var (
	one  = decimal.NewFromInt(1)
	two  = decimal.NewFromInt(2)
	half = decimal.RequireFromString("0.5")
)

// emaPrecision bounds intermediate EMA digits so repeated division cannot
// blow up representation size.
const emaPrecision = 12

// scorePrecision is the fixed precision of the final composite score.
const scorePrecision = 6

type Weights struct {
	RateLevel   decimal.Decimal
	Trend       decimal.Decimal
	Persistence decimal.Decimal
	Basis       decimal.Decimal
}

func DefaultWeights() Weights {
	return Weights{
		RateLevel:   decimal.RequireFromString("0.35"),
		Trend:       decimal.RequireFromString("0.25"),
		Persistence: decimal.RequireFromString("0.25"),
		Basis:       decimal.RequireFromString("0.15"),
	}
}

type CompositeConfig struct {
	Weights        Weights
	EntryThreshold decimal.Decimal
	ExitThreshold  decimal.Decimal

	// RateCap maps rates at or above it to a full rate-level score.
	RateCap decimal.Decimal
	// BasisCap maps basis spreads at or above it to a full basis score.
	BasisCap decimal.Decimal

	EMASpan         int
	StableThreshold decimal.Decimal

	PersistenceThreshold  decimal.Decimal
	PersistenceMaxPeriods int

	// VolumePeriod is the candle count per comparison window for the
	// declining-volume filter. Zero disables the filter.
	VolumePeriod       int
	VolumeDeclineRatio decimal.Decimal
}

func DefaultCompositeConfig() CompositeConfig {
	return CompositeConfig{
		Weights:               DefaultWeights(),
		EntryThreshold:        decimal.RequireFromString("0.5"),
		ExitThreshold:         decimal.RequireFromString("0.3"),
		RateCap:               decimal.RequireFromString("0.003"),
		BasisCap:              decimal.RequireFromString("0.01"),
		EMASpan:               6,
		StableThreshold:       decimal.RequireFromString("0.00005"),
		PersistenceThreshold:  decimal.RequireFromString("0.0003"),
		PersistenceMaxPeriods: 30,
		VolumePeriod:          168,
		VolumeDeclineRatio:    decimal.RequireFromString("0.7"),
	}
}

// Composite scores an opportunity across four dimensions: how high the rate
// is, where it is heading, how long it has stayed elevated, and the basis
// premium. Missing history degrades to neutral sub-scores rather than
// failing.
type Composite struct {
	cfg CompositeConfig
}

func NewComposite(cfg CompositeConfig) *Composite {
	return &Composite{cfg: cfg}
}

func (c *Composite) Decide(snap Snapshot) (Signal, error) {
	score := c.Score(snap)
	sig := Signal{Score: score}
	if snap.HasPosition {
		sig.Exit = score.LessThan(c.cfg.ExitThreshold)
		return sig, nil
	}
	if snap.Rate.Sign() <= 0 {
		return sig, nil
	}
	volumeOK := VolumeTrendOK(snap.Volumes, c.cfg.VolumePeriod, c.cfg.VolumeDeclineRatio)
	sig.Enter = volumeOK && score.GreaterThanOrEqual(c.cfg.EntryThreshold)
	return sig, nil
}

// Score aggregates the weighted sub-signals, quantized to six places.
func (c *Composite) Score(snap Snapshot) decimal.Decimal {
	rateLevel := NormalizeRateLevel(snap.Rate, c.cfg.RateCap)
	trendScore := trendScore(ClassifyTrend(snap.RateHistory, c.cfg.EMASpan, c.cfg.StableThreshold))
	persistence := PersistenceScore(snap.RateHistory, c.cfg.PersistenceThreshold, c.cfg.PersistenceMaxPeriods)

	basis := BasisSpread(snap.SpotPrice, snap.MarkPrice)
	basisScore := NormalizeBasisScore(basis, c.cfg.BasisCap)

	w := c.cfg.Weights
	score := w.RateLevel.Mul(rateLevel).
		Add(w.Trend.Mul(trendScore)).
		Add(w.Persistence.Mul(persistence)).
		Add(w.Basis.Mul(basisScore))
	return score.Round(scorePrecision)
}

// NormalizeRateLevel maps |rate| to [0, 1], saturating at the cap.
func NormalizeRateLevel(rate, rateCap decimal.Decimal) decimal.Decimal {
	if rateCap.Sign() <= 0 {
		return decimal.Zero
	}
	v := rate.Abs().DivRound(rateCap, emaPrecision)
	if v.GreaterThan(one) {
		return one
	}
	return v
}

// ComputeEMA returns the exponential moving average series over values,
// oldest first, seeded with the first value. Empty input yields nil.
func ComputeEMA(values []decimal.Decimal, span int) []decimal.Decimal {
	if len(values) == 0 {
		return nil
	}
	alpha := two.DivRound(decimal.NewFromInt(int64(span)).Add(one), emaPrecision)
	oneMinus := one.Sub(alpha)

	out := make([]decimal.Decimal, len(values))
	out[0] = values[0].Round(emaPrecision)
	for i := 1; i < len(values); i++ {
		out[i] = alpha.Mul(values[i]).Add(oneMinus.Mul(out[i-1])).Round(emaPrecision)
	}
	return out
}

// ClassifyTrend compares the latest EMA against the EMA span periods back.
// Too little history classifies as stable.
func ClassifyTrend(rates []decimal.Decimal, span int, stableThreshold decimal.Decimal) Trend {
	if span <= 0 || len(rates) < span+1 {
		return TrendStable
	}
	ema := ComputeEMA(rates, span)
	diff := ema[len(ema)-1].Sub(ema[len(ema)-span])
	switch {
	case diff.GreaterThan(stableThreshold):
		return TrendRising
	case diff.LessThan(stableThreshold.Neg()):
		return TrendFalling
	default:
		return TrendStable
	}
}

// PersistenceScore counts consecutive trailing periods with the rate at or
// above threshold, normalized by maxPeriods and capped at 1.
func PersistenceScore(rates []decimal.Decimal, threshold decimal.Decimal, maxPeriods int) decimal.Decimal {
	if len(rates) == 0 || maxPeriods <= 0 {
		return decimal.Zero
	}
	consecutive := 0
	for i := len(rates) - 1; i >= 0; i-- {
		if rates[i].LessThan(threshold) {
			break
		}
		consecutive++
	}
	v := decimal.NewFromInt(int64(consecutive)).DivRound(decimal.NewFromInt(int64(maxPeriods)), emaPrecision)
	if v.GreaterThan(one) {
		return one
	}
	return v
}

// BasisSpread is (perp - spot) / spot; positive means the perp trades at a
// premium. Non-positive spot yields zero.
func BasisSpread(spotPrice, perpPrice decimal.Decimal) decimal.Decimal {
	if spotPrice.Sign() <= 0 {
		return decimal.Zero
	}
	return perpPrice.Sub(spotPrice).DivRound(spotPrice, emaPrecision)
}

// NormalizeBasisScore maps |basis| to [0, 1], saturating at the cap.
func NormalizeBasisScore(basis, basisCap decimal.Decimal) decimal.Decimal {
	if basisCap.Sign() <= 0 {
		return decimal.Zero
	}
	v := basis.Abs().DivRound(basisCap, emaPrecision)
	if v.GreaterThan(one) {
		return one
	}
	return v
}

// VolumeTrendOK rejects a pair whose recent average volume fell below
// declineRatio times the prior window's average. Insufficient history
// passes the filter.
func VolumeTrendOK(volumes []decimal.Decimal, period int, declineRatio decimal.Decimal) bool {
	if period <= 0 || len(volumes) < 2*period {
		return true
	}
	prior := volumes[len(volumes)-2*period : len(volumes)-period]
	recent := volumes[len(volumes)-period:]

	priorAvg := average(prior)
	if priorAvg.Sign() == 0 {
		return true
	}
	return average(recent).GreaterThanOrEqual(declineRatio.Mul(priorAvg))
}

func average(vs []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range vs {
		total = total.Add(v)
	}
	return total.DivRound(decimal.NewFromInt(int64(len(vs))), emaPrecision)
}

func trendScore(t Trend) decimal.Decimal {
	switch t {
	case TrendRising:
		return one
	case TrendFalling:
		return decimal.Zero
	default:
		return half
	}
}
