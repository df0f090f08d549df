package pnl

import (
	"errors"
	"testing"
	"time"

	"funding-carry-bot/internal/clock"
	"funding-carry-bot/internal/fees"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestTracker() (*Tracker, *clock.Simulated) {
	clk := clock.NewSimulated(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	calc := fees.NewCalculator(fees.DefaultSchedule())
	return NewTracker(calc, clk, nil), clk
}

func TestLifecycleNetPnL(t *testing.T) {
	tr, clk := newTestTracker()

	if err := tr.RecordOpen("p1", "BTCUSDT", d("1"), d("100"), d("100.1"), d("0.155055")); err != nil {
		t.Fatalf("RecordOpen: %v", err)
	}

	clk.Advance(clk.Now().Add(8 * time.Hour))
	amt, err := tr.RecordFunding("p1", d("0.0001"), d("100"))
	if err != nil {
		t.Fatalf("RecordFunding: %v", err)
	}
	if !amt.Equal(d("0.01")) {
		t.Fatalf("funding amount = %s, want 0.01", amt)
	}
	clk.Advance(clk.Now().Add(8 * time.Hour))
	if _, err := tr.RecordFunding("p1", d("0.0002"), d("100")); err != nil {
		t.Fatalf("RecordFunding: %v", err)
	}

	if err := tr.RecordClose("p1", d("100"), d("100"), d("0.155"), false); err != nil {
		t.Fatalf("RecordClose: %v", err)
	}

	row, ok := tr.Position("p1")
	if !ok {
		t.Fatal("position missing after close")
	}
	wantFunding := d("0.03")
	if !row.TotalFunding().Equal(wantFunding) {
		t.Fatalf("total funding = %s, want %s", row.TotalFunding(), wantFunding)
	}
	wantNet := wantFunding.Sub(d("0.155055")).Sub(d("0.155"))
	if !row.NetPnL().Equal(wantNet) {
		t.Fatalf("net pnl = %s, want %s", row.NetPnL(), wantNet)
	}
	if !row.Closed || row.ForcedClose {
		t.Fatalf("close flags wrong: closed=%v forced=%v", row.Closed, row.ForcedClose)
	}
}

func TestDuplicateOpenRejected(t *testing.T) {
	tr, _ := newTestTracker()
	if err := tr.RecordOpen("p1", "ETHUSDT", d("2"), d("50"), d("50.05"), d("0.1")); err != nil {
		t.Fatalf("RecordOpen: %v", err)
	}
	err := tr.RecordOpen("p1", "ETHUSDT", d("2"), d("50"), d("50.05"), d("0.1"))
	if !errors.Is(err, ErrDuplicatePosition) {
		t.Fatalf("err = %v, want ErrDuplicatePosition", err)
	}
}

func TestFundingOnUnknownOrClosed(t *testing.T) {
	tr, clk := newTestTracker()
	if _, err := tr.RecordFunding("nope", d("0.0001"), d("100")); !errors.Is(err, ErrUnknownPosition) {
		t.Fatalf("err = %v, want ErrUnknownPosition", err)
	}
	if err := tr.RecordOpen("p1", "BTCUSDT", d("1"), d("100"), d("100"), d("0.1")); err != nil {
		t.Fatalf("RecordOpen: %v", err)
	}
	clk.Advance(clk.Now().Add(time.Hour))
	if err := tr.RecordClose("p1", d("100"), d("100"), d("0.1"), false); err != nil {
		t.Fatalf("RecordClose: %v", err)
	}
	if _, err := tr.RecordFunding("p1", d("0.0001"), d("100")); !errors.Is(err, ErrPositionClosed) {
		t.Fatalf("err = %v, want ErrPositionClosed", err)
	}
}

func TestDoubleCloseDoesNotMutate(t *testing.T) {
	tr, clk := newTestTracker()
	if err := tr.RecordOpen("p1", "BTCUSDT", d("1"), d("100"), d("100"), d("0.1")); err != nil {
		t.Fatalf("RecordOpen: %v", err)
	}
	clk.Advance(clk.Now().Add(time.Hour))
	if err := tr.RecordClose("p1", d("101"), d("101"), d("0.2"), true); err != nil {
		t.Fatalf("RecordClose: %v", err)
	}
	before, _ := tr.Position("p1")

	clk.Advance(clk.Now().Add(time.Hour))
	err := tr.RecordClose("p1", d("999"), d("999"), d("9"), false)
	if !errors.Is(err, ErrPositionClosed) {
		t.Fatalf("err = %v, want ErrPositionClosed", err)
	}
	after, _ := tr.Position("p1")
	if !after.ExitFee.Equal(before.ExitFee) || !after.SpotExitPrice.Equal(before.SpotExitPrice) ||
		!after.ClosedAt.Equal(before.ClosedAt) || after.ForcedClose != before.ForcedClose {
		t.Fatal("second close mutated the ledger row")
	}
}

func TestNegativeRateIsCost(t *testing.T) {
	tr, clk := newTestTracker()
	if err := tr.RecordOpen("p1", "BTCUSDT", d("1"), d("100"), d("100"), d("0.1")); err != nil {
		t.Fatalf("RecordOpen: %v", err)
	}
	clk.Advance(clk.Now().Add(time.Hour))
	amt, err := tr.RecordFunding("p1", d("-0.0001"), d("100"))
	if err != nil {
		t.Fatalf("RecordFunding: %v", err)
	}
	if !amt.Equal(d("-0.01")) {
		t.Fatalf("funding amount = %s, want -0.01", amt)
	}
}

func TestClosedPositionsOrdering(t *testing.T) {
	tr, clk := newTestTracker()
	for _, id := range []string{"a", "b", "c"} {
		if err := tr.RecordOpen(id, "BTCUSDT", d("1"), d("100"), d("100"), d("0.1")); err != nil {
			t.Fatalf("RecordOpen %s: %v", id, err)
		}
	}
	for _, id := range []string{"a", "b", "c"} {
		clk.Advance(clk.Now().Add(time.Hour))
		if err := tr.RecordClose(id, d("100"), d("100"), d("0.1"), false); err != nil {
			t.Fatalf("RecordClose %s: %v", id, err)
		}
	}
	closed := tr.ClosedPositions()
	if len(closed) != 3 {
		t.Fatalf("closed count = %d, want 3", len(closed))
	}
	if closed[0].PositionID != "c" || closed[2].PositionID != "a" {
		t.Fatalf("ordering wrong: %s, %s, %s", closed[0].PositionID, closed[1].PositionID, closed[2].PositionID)
	}
}

func TestPortfolioSummary(t *testing.T) {
	tr, clk := newTestTracker()
	if err := tr.RecordOpen("p1", "BTCUSDT", d("1"), d("100"), d("100"), d("0.1")); err != nil {
		t.Fatalf("RecordOpen: %v", err)
	}
	if err := tr.RecordOpen("p2", "ETHUSDT", d("10"), d("10"), d("10"), d("0.05")); err != nil {
		t.Fatalf("RecordOpen: %v", err)
	}
	clk.Advance(clk.Now().Add(time.Hour))
	if _, err := tr.RecordFunding("p1", d("0.0001"), d("100")); err != nil {
		t.Fatalf("RecordFunding: %v", err)
	}
	if err := tr.RecordClose("p1", d("100"), d("100"), d("0.1"), false); err != nil {
		t.Fatalf("RecordClose: %v", err)
	}

	s := tr.PortfolioSummary()
	if s.Positions != 2 || s.OpenCount != 1 || s.ClosedCount != 1 {
		t.Fatalf("counts wrong: %+v", s)
	}
	if !s.TotalFunding.Equal(d("0.01")) {
		t.Fatalf("total funding = %s, want 0.01", s.TotalFunding)
	}
	if !s.TotalFees.Equal(d("0.35")) {
		t.Fatalf("total fees = %s, want 0.35", s.TotalFees)
	}
	if !s.NetPnL.Equal(d("-0.34")) {
		t.Fatalf("net pnl = %s, want -0.34", s.NetPnL)
	}
}

func TestUnrealizedPnLDeltaNeutral(t *testing.T) {
	row := PositionPnL{
		Quantity:       d("2"),
		SpotEntryPrice: d("100"),
		PerpEntryPrice: d("100"),
	}
	// Both marks move together: legs cancel exactly.
	if got := row.UnrealizedPnL(d("110"), d("110")); !got.IsZero() {
		t.Fatalf("unrealized = %s, want 0", got)
	}
	// Basis widens: perp above spot hurts the short leg.
	if got := row.UnrealizedPnL(d("100"), d("101")); !got.Equal(d("-2")) {
		t.Fatalf("unrealized = %s, want -2", got)
	}
}
