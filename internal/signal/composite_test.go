package signal

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func rates(ss ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ss))
	for i, s := range ss {
		out[i] = d(s)
	}
	return out
}

func TestThresholdDecide(t *testing.T) {
	th := Threshold{EntryRate: d("0.0005"), ExitRate: d("0.0001")}

	sig, err := th.Decide(Snapshot{Rate: d("0.001")})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !sig.Enter || sig.Exit {
		t.Fatalf("flat at 0.001: %+v", sig)
	}

	sig, _ = th.Decide(Snapshot{Rate: d("0.0004")})
	if sig.Enter {
		t.Fatal("entered below entry rate")
	}

	sig, _ = th.Decide(Snapshot{Rate: d("0.00005"), HasPosition: true})
	if !sig.Exit {
		t.Fatal("no exit below exit rate")
	}

	sig, _ = th.Decide(Snapshot{Rate: d("0.0002"), HasPosition: true})
	if sig.Exit {
		t.Fatal("exited while rate still above exit level")
	}
}

func TestNormalizeRateLevel(t *testing.T) {
	cases := []struct {
		rate, want string
	}{
		{"0.003", "1"},
		{"0.005", "1"},
		{"0.0015", "0.5"},
		{"-0.0015", "0.5"},
		{"0", "0"},
	}
	for _, tc := range cases {
		got := NormalizeRateLevel(d(tc.rate), d("0.003"))
		if !got.Equal(d(tc.want)) {
			t.Fatalf("rate %s -> %s, want %s", tc.rate, got, tc.want)
		}
	}
}

func TestComputeEMA(t *testing.T) {
	if got := ComputeEMA(nil, 6); got != nil {
		t.Fatalf("empty input -> %v", got)
	}
	ema := ComputeEMA(rates("0.0001", "0.0001", "0.0001"), 6)
	for _, v := range ema {
		if !v.Equal(d("0.0001")) {
			t.Fatalf("constant series EMA drifted: %s", v)
		}
	}
	rising := ComputeEMA(rates("0.0001", "0.0005", "0.0010"), 2)
	if !rising[2].GreaterThan(rising[0]) {
		t.Fatal("EMA not rising on rising input")
	}
}

func TestClassifyTrend(t *testing.T) {
	if got := ClassifyTrend(rates("0.0001", "0.0002"), 6, d("0.00005")); got != TrendStable {
		t.Fatalf("short history -> %v, want stable", got)
	}

	rising := rates("0.0001", "0.0002", "0.0004", "0.0008", "0.0016", "0.0032", "0.0064")
	if got := ClassifyTrend(rising, 3, d("0.00005")); got != TrendRising {
		t.Fatalf("rising -> %v", got)
	}

	falling := rates("0.0064", "0.0032", "0.0016", "0.0008", "0.0004", "0.0002", "0.0001")
	if got := ClassifyTrend(falling, 3, d("0.00005")); got != TrendFalling {
		t.Fatalf("falling -> %v", got)
	}

	flat := rates("0.0003", "0.0003", "0.0003", "0.0003", "0.0003", "0.0003", "0.0003")
	if got := ClassifyTrend(flat, 3, d("0.00005")); got != TrendStable {
		t.Fatalf("flat -> %v", got)
	}
}

func TestClassifyTrendNonPositiveSpan(t *testing.T) {
	history := rates("0.001", "0.002", "0.004")
	for _, span := range []int{0, -1} {
		if got := ClassifyTrend(history, span, d("0.00005")); got != TrendStable {
			t.Fatalf("span %d -> %v, want stable", span, got)
		}
	}
	if got := ClassifyTrend(rates("0.001"), 0, d("0.00005")); got != TrendStable {
		t.Fatalf("span 0 single rate -> %v, want stable", got)
	}
}

func TestPersistenceScore(t *testing.T) {
	if got := PersistenceScore(nil, d("0.0003"), 30); !got.IsZero() {
		t.Fatalf("empty -> %s", got)
	}

	// Three trailing elevated periods out of a max of 30.
	hist := rates("0.0001", "0.0005", "0.0006", "0.0007")
	got := PersistenceScore(hist, d("0.0003"), 30)
	if !got.Equal(d("0.1")) {
		t.Fatalf("persistence = %s, want 0.1", got)
	}

	// A dip resets the streak.
	dipped := rates("0.0005", "0.0001", "0.0005")
	got = PersistenceScore(dipped, d("0.0003"), 30)
	if !got.Mul(d("30")).Equal(d("1")) {
		t.Fatalf("persistence after dip = %s, want 1/30", got)
	}

	// Long streak saturates at 1.
	long := make([]decimal.Decimal, 40)
	for i := range long {
		long[i] = d("0.0005")
	}
	if got := PersistenceScore(long, d("0.0003"), 30); !got.Equal(d("1")) {
		t.Fatalf("saturated persistence = %s", got)
	}
}

func TestBasisSpread(t *testing.T) {
	if got := BasisSpread(d("100"), d("101")); !got.Equal(d("0.01")) {
		t.Fatalf("basis = %s, want 0.01", got)
	}
	if got := BasisSpread(d("0"), d("101")); !got.IsZero() {
		t.Fatalf("zero spot basis = %s", got)
	}
	if got := NormalizeBasisScore(d("0.02"), d("0.01")); !got.Equal(d("1")) {
		t.Fatalf("basis score = %s, want 1", got)
	}
}

func TestVolumeTrendOK(t *testing.T) {
	if !VolumeTrendOK(nil, 24, d("0.7")) {
		t.Fatal("insufficient data must pass")
	}

	vols := make([]decimal.Decimal, 0, 8)
	for i := 0; i < 4; i++ {
		vols = append(vols, d("100"))
	}
	for i := 0; i < 4; i++ {
		vols = append(vols, d("50"))
	}
	if VolumeTrendOK(vols, 4, d("0.7")) {
		t.Fatal("halved volume passed the 0.7 filter")
	}
	if !VolumeTrendOK(vols, 4, d("0.4")) {
		t.Fatal("halved volume failed the 0.4 filter")
	}
}

func TestCompositeDecide(t *testing.T) {
	cfg := DefaultCompositeConfig()
	cfg.VolumePeriod = 0
	c := NewComposite(cfg)

	// Strong, persistent, rising rate at the cap with a basis premium.
	hist := rates("0.001", "0.0012", "0.0015", "0.002", "0.0025", "0.003", "0.003")
	snap := Snapshot{
		Symbol:      "BTCUSDT",
		Rate:        d("0.003"),
		MarkPrice:   d("101"),
		SpotPrice:   d("100"),
		RateHistory: hist,
	}
	sig, err := c.Decide(snap)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !sig.Enter {
		t.Fatalf("strong setup did not enter, score = %s", sig.Score)
	}
	// rate_level 1*0.35 + trend 1*0.25 + persistence 7/30*0.25 + basis 1*0.15
	want := d("0.35").Add(d("0.25")).Add(d("0.25").Mul(d("7")).DivRound(d("30"), 12).Round(12)).Add(d("0.15")).Round(6)
	if !sig.Score.Equal(want) {
		t.Fatalf("score = %s, want %s", sig.Score, want)
	}

	// Negative rate never enters regardless of score.
	neg := snap
	neg.Rate = d("-0.003")
	sig, _ = c.Decide(neg)
	if sig.Enter {
		t.Fatal("entered on negative rate")
	}

	// Weak setup while positioned exits below the exit threshold.
	weak := Snapshot{
		Symbol:      "BTCUSDT",
		Rate:        d("0.0001"),
		MarkPrice:   d("100"),
		SpotPrice:   d("100"),
		RateHistory: rates("0.0001"),
		HasPosition: true,
	}
	sig, _ = c.Decide(weak)
	if !sig.Exit {
		t.Fatalf("weak setup did not exit, score = %s", sig.Score)
	}
}

func TestCompositeScoreDeterministic(t *testing.T) {
	c := NewComposite(DefaultCompositeConfig())
	snap := Snapshot{
		Rate:        d("0.0007"),
		MarkPrice:   d("100.3"),
		SpotPrice:   d("100"),
		RateHistory: rates("0.0003", "0.0004", "0.0005", "0.0006", "0.0006", "0.0007", "0.0007"),
	}
	first := c.Score(snap)
	for i := 0; i < 100; i++ {
		if got := c.Score(snap); !got.Equal(first) {
			t.Fatalf("score drifted on iteration %d: %s != %s", i, got, first)
		}
	}
}
