package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"funding-carry-bot/internal/clock"
	"funding-carry-bot/internal/execution"
	"funding-carry-bot/internal/pnl"
	"funding-carry-bot/internal/risk"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusOpening Status = "OPENING"
	StatusOpen    Status = "OPEN"
	StatusClosing Status = "CLOSING"
	StatusClosed  Status = "CLOSED"
)

type CloseReason string

const (
	CloseSignal    CloseReason = "signal"
	CloseManual    CloseReason = "manual"
	CloseEmergency CloseReason = risk.ReasonEmergency
	CloseForced    CloseReason = "forced_final"
)

var (
	ErrSymbolBusy = errors.New("symbol transition already in progress")
	ErrNotFound   = errors.New("position not found")
	ErrNotOpen    = errors.New("position not open")
)

// Position is a matched spot-long / perp-short pair. The manager owns all
// mutation; callers only ever see copies.
type Position struct {
	ID             string
	Symbol         string
	SpotQty        decimal.Decimal
	PerpQty        decimal.Decimal
	SpotEntryPrice decimal.Decimal
	PerpEntryPrice decimal.Decimal
	NotionalUSD    decimal.Decimal
	Status         Status
	OpenedAt       time.Time
	ClosedAt       time.Time
	CloseReason    CloseReason
}

// DeltaStatus is the neutrality report for one position. Drift is the
// relative quantity mismatch between the two legs.
type DeltaStatus struct {
	PositionID string
	Symbol     string
	SpotQty    decimal.Decimal
	PerpQty    decimal.Decimal
	Drift      decimal.Decimal
	Neutral    bool
}

type OpenParams struct {
	Symbol      string
	NotionalUSD decimal.Decimal
}

// PriceSource supplies the reference price used to size a new position.
// The simulated executor satisfies it directly; live trading plugs in the
// market monitor.
type PriceSource interface {
	Price(symbol string) (decimal.Decimal, bool)
}

type Manager struct {
	exec      execution.Executor
	prices    PriceSource
	risk      *risk.Manager
	tracker   *pnl.Tracker
	clk       clock.Clock
	tolerance decimal.Decimal
	log       *zap.Logger

	locks *lockArena

	mu        sync.Mutex
	positions map[string]*Position
}

func NewManager(exec execution.Executor, prices PriceSource, riskMgr *risk.Manager, tracker *pnl.Tracker, clk clock.Clock, tolerance decimal.Decimal, log *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		exec:      exec,
		prices:    prices,
		risk:      riskMgr,
		tracker:   tracker,
		clk:       clk,
		tolerance: tolerance,
		log:       log,
		locks:     newLockArena(),
		positions: make(map[string]*Position),
	}
}

// OpenPosition sizes a pair from the current reference price, places the
// spot buy and perp sell as close together as the execution model allows,
// and commits the position only once both legs are filled and neutral. A
// failed second leg unwinds the first so no one-legged exposure survives.
func (m *Manager) OpenPosition(ctx context.Context, params OpenParams) (Position, error) {
	release, ok := m.locks.tryAcquire(params.Symbol)
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrSymbolBusy, params.Symbol)
	}
	defer release()

	if err := m.risk.CheckCanOpen(params.Symbol, params.NotionalUSD, m.openExposures()); err != nil {
		return Position{}, err
	}

	price, ok := m.prices.Price(params.Symbol)
	if !ok || price.Sign() <= 0 {
		return Position{}, fmt.Errorf("%w: %s", execution.ErrPriceUnavailable, params.Symbol)
	}
	qty := params.NotionalUSD.DivRound(price, 8)
	if qty.Sign() <= 0 {
		return Position{}, fmt.Errorf("notional %s too small at price %s", params.NotionalUSD, price)
	}

	id := uuid.NewString()
	m.log.Info("opening position",
		zap.String("position_id", id),
		zap.String("symbol", params.Symbol),
		zap.String("quantity", qty.String()),
		zap.String("notional_usd", params.NotionalUSD.String()),
	)

	spotRes, err := m.exec.PlaceOrder(ctx, execution.OrderRequest{
		Symbol:        params.Symbol,
		Side:          execution.SideBuy,
		Category:      execution.CategorySpot,
		Quantity:      qty,
		ClientOrderID: id + "-spot-open",
	})
	if err != nil {
		return Position{}, fmt.Errorf("spot leg: %w", err)
	}

	perpRes, err := m.exec.PlaceOrder(ctx, execution.OrderRequest{
		Symbol:        params.Symbol,
		Side:          execution.SideSell,
		Category:      execution.CategoryLinear,
		Quantity:      qty,
		ClientOrderID: id + "-perp-open",
	})
	if err != nil {
		m.unwindLeg(ctx, id, params.Symbol, execution.CategorySpot, execution.SideSell, spotRes.Quantity)
		return Position{}, fmt.Errorf("perp leg: %w", err)
	}

	if verr := m.checkLegs(spotRes.Quantity, perpRes.Quantity); verr != nil {
		m.unwindLeg(ctx, id, params.Symbol, execution.CategorySpot, execution.SideSell, spotRes.Quantity)
		m.unwindLeg(ctx, id, params.Symbol, execution.CategoryLinear, execution.SideBuy, perpRes.Quantity)
		return Position{}, verr
	}

	entryFee := spotRes.Fee.Add(perpRes.Fee)
	if err := m.tracker.RecordOpen(id, params.Symbol, qty, spotRes.FillPrice, perpRes.FillPrice, entryFee); err != nil {
		return Position{}, err
	}

	pos := &Position{
		ID:             id,
		Symbol:         params.Symbol,
		SpotQty:        spotRes.Quantity,
		PerpQty:        perpRes.Quantity,
		SpotEntryPrice: spotRes.FillPrice,
		PerpEntryPrice: perpRes.FillPrice,
		NotionalUSD:    params.NotionalUSD,
		Status:         StatusOpen,
		OpenedAt:       m.clk.Now(),
	}
	m.mu.Lock()
	m.positions[id] = pos
	m.mu.Unlock()

	m.log.Info("position open",
		zap.String("position_id", id),
		zap.String("spot_fill", spotRes.FillPrice.String()),
		zap.String("perp_fill", perpRes.FillPrice.String()),
		zap.String("entry_fee", entryFee.String()),
	)
	return *pos, nil
}

// ClosePosition unwinds both legs and finalizes the ledger row. A failed
// spot leg leaves the position OPEN for the next cycle; a failed perp leg
// after the spot filled is surfaced loudly since the pair is no longer
// neutral until retried.
func (m *Manager) ClosePosition(ctx context.Context, id string, reason CloseReason) error {
	m.mu.Lock()
	pos, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	symbol := pos.Symbol
	m.mu.Unlock()

	release, ok := m.locks.tryAcquire(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSymbolBusy, symbol)
	}
	defer release()

	m.mu.Lock()
	if pos.Status != StatusOpen {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotOpen, id, pos.Status)
	}
	pos.Status = StatusClosing
	m.mu.Unlock()

	spotRes, err := m.exec.PlaceOrder(ctx, execution.OrderRequest{
		Symbol:        symbol,
		Side:          execution.SideSell,
		Category:      execution.CategorySpot,
		Quantity:      pos.SpotQty,
		ClientOrderID: id + "-spot-close",
	})
	if err != nil {
		m.setStatus(id, StatusOpen)
		return fmt.Errorf("spot close: %w", err)
	}

	perpRes, err := m.exec.PlaceOrder(ctx, execution.OrderRequest{
		Symbol:        symbol,
		Side:          execution.SideBuy,
		Category:      execution.CategoryLinear,
		Quantity:      pos.PerpQty,
		ClientOrderID: id + "-perp-close",
	})
	if err != nil {
		m.setStatus(id, StatusOpen)
		m.log.Error("perp close failed after spot leg flattened, pair no longer neutral",
			zap.String("position_id", id),
			zap.Error(err),
		)
		return fmt.Errorf("perp close: %w", err)
	}

	exitFee := spotRes.Fee.Add(perpRes.Fee)
	forced := reason == CloseForced
	// Both legs are flat from here on: the position is closed on the
	// exchange whatever the ledger says, so a record failure must not
	// strand the state machine in closing.
	ledgerErr := m.tracker.RecordClose(id, spotRes.FillPrice, perpRes.FillPrice, exitFee, forced)
	if ledgerErr != nil {
		m.log.Error("close recorded on exchange but not in ledger",
			zap.String("position_id", id),
			zap.Error(ledgerErr),
		)
	}

	m.mu.Lock()
	pos.Status = StatusClosed
	pos.ClosedAt = m.clk.Now()
	pos.CloseReason = reason
	m.mu.Unlock()

	if ledgerErr != nil {
		return fmt.Errorf("record close: %w", ledgerErr)
	}

	m.log.Info("position closed",
		zap.String("position_id", id),
		zap.String("reason", string(reason)),
		zap.String("exit_fee", exitFee.String()),
	)
	return nil
}

// ValidateDeltaNeutrality surfaces a leg-quantity mismatch as a risk
// violation. It never resizes a leg.
func (m *Manager) ValidateDeltaNeutrality(id string) (DeltaStatus, error) {
	m.mu.Lock()
	pos, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return DeltaStatus{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ds := DeltaStatus{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		SpotQty:    pos.SpotQty,
		PerpQty:    pos.PerpQty,
	}
	m.mu.Unlock()

	ds.Drift = legDrift(ds.SpotQty, ds.PerpQty)
	ds.Neutral = ds.Drift.LessThanOrEqual(m.tolerance)
	if !ds.Neutral {
		return ds, fmt.Errorf("%w: legs drifted %s on %s (spot %s, perp %s)",
			risk.ErrViolation, ds.Drift, ds.Symbol, ds.SpotQty, ds.PerpQty)
	}
	return ds, nil
}

func (m *Manager) Get(id string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// OpenPositions returns copies of OPEN positions ordered by open time.
func (m *Manager) OpenPositions() []Position {
	m.mu.Lock()
	out := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		if pos.Status == StatusOpen {
			out = append(out, *pos)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

func (m *Manager) OpenPositionIDs() []string {
	open := m.OpenPositions()
	ids := make([]string, len(open))
	for i, pos := range open {
		ids[i] = pos.ID
	}
	return ids
}

// Restore re-registers a position persisted before a restart. The
// ledger row restarts with the original entry prices and fee; funding
// resumes from the next settled interval.
func (m *Manager) Restore(pos Position, entryFee decimal.Decimal) error {
	if pos.ID == "" || pos.Symbol == "" {
		return fmt.Errorf("%w: restore needs id and symbol", ErrNotFound)
	}
	m.mu.Lock()
	if _, ok := m.positions[pos.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("position %s already tracked", pos.ID)
	}
	pos.Status = StatusOpen
	stored := pos
	m.positions[pos.ID] = &stored
	m.mu.Unlock()

	if err := m.tracker.RecordOpen(pos.ID, pos.Symbol, pos.SpotQty, pos.SpotEntryPrice, pos.PerpEntryPrice, entryFee); err != nil {
		m.mu.Lock()
		delete(m.positions, pos.ID)
		m.mu.Unlock()
		return err
	}
	m.log.Info("position restored",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("spot_qty", pos.SpotQty.String()),
	)
	return nil
}

// OpenForSymbol reports the OPEN position on a symbol, if any.
func (m *Manager) OpenForSymbol(symbol string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range m.positions {
		if pos.Status == StatusOpen && pos.Symbol == symbol {
			return *pos, true
		}
	}
	return Position{}, false
}

// EmergencyCloser adapts the manager to the stop controller's contract.
type EmergencyCloser struct {
	Manager *Manager
}

func (c EmergencyCloser) OpenPositionIDs() []string {
	return c.Manager.OpenPositionIDs()
}

func (c EmergencyCloser) ClosePosition(ctx context.Context, id, reason string) error {
	return c.Manager.ClosePosition(ctx, id, CloseReason(reason))
}

func (m *Manager) openExposures() []risk.OpenExposure {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]risk.OpenExposure, 0, len(m.positions))
	for _, pos := range m.positions {
		if pos.Status == StatusOpen {
			out = append(out, risk.OpenExposure{Symbol: pos.Symbol, NotionalUSD: pos.NotionalUSD})
		}
	}
	return out
}

func (m *Manager) checkLegs(spotQty, perpQty decimal.Decimal) error {
	drift := legDrift(spotQty, perpQty)
	if drift.GreaterThan(m.tolerance) {
		return fmt.Errorf("%w: fill quantities drifted %s (spot %s, perp %s)",
			risk.ErrViolation, drift, spotQty, perpQty)
	}
	return nil
}

func (m *Manager) unwindLeg(ctx context.Context, id, symbol string, category execution.Category, side execution.Side, qty decimal.Decimal) {
	if qty.Sign() <= 0 {
		return
	}
	_, err := m.exec.PlaceOrder(ctx, execution.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Category:      category,
		Quantity:      qty,
		ClientOrderID: id + "-" + string(category) + "-unwind",
	})
	if err != nil {
		m.log.Error("leg unwind failed, manual intervention required",
			zap.String("position_id", id),
			zap.String("symbol", symbol),
			zap.String("category", string(category)),
			zap.String("quantity", qty.String()),
			zap.Error(err),
		)
		return
	}
	m.log.Warn("unwound partial leg",
		zap.String("position_id", id),
		zap.String("symbol", symbol),
		zap.String("category", string(category)),
	)
}

func (m *Manager) setStatus(id string, status Status) {
	m.mu.Lock()
	if pos, ok := m.positions[id]; ok {
		pos.Status = status
	}
	m.mu.Unlock()
}

func legDrift(spotQty, perpQty decimal.Decimal) decimal.Decimal {
	max := spotQty
	if perpQty.GreaterThan(max) {
		max = perpQty
	}
	if max.Sign() <= 0 {
		return decimal.Zero
	}
	return spotQty.Sub(perpQty).Abs().Div(max)
}
