package scale

import (
	"context"
	"errors"
	"fmt"
	"time"

	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/ledger"
	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/obs"
	"main/internal/ops"
	"main/pkg/exception"
)

// OrderPlacer is the slice of the exchange gateway the manager needs.
// The injected implementation already carries the retry policy.
type OrderPlacer interface {
	PlaceMarketOrder(ctx context.Context, side enum.Side, symbol string, qty float64) (model.Fill, error)
}

// EligibleLeg identifies one PENDING leg whose trigger is met.
type EligibleLeg struct {
	ScaledPositionID uint
	LegNumber        int
	Trigger          enum.ScaleTrigger
}

// Manager owns the scale-in/scale-out leg state machine. Trigger
// evaluation (OnPriceTick) is pure; execution (ExecuteLeg) is the only
// side-effecting path, and it is idempotent per leg.
type Manager struct {
	store   ledger.Store
	placer  OrderPlacer
	cfg     ops.ScaleConfig
	metrics *obs.Metrics
}

func NewManager(store ledger.Store, placer OrderPlacer, cfg ops.ScaleConfig, metrics *obs.Metrics) *Manager {
	return &Manager{
		store:   store,
		placer:  placer,
		cfg:     cfg,
		metrics: metrics,
	}
}

// CreateScaledEntry splits a USD sizing decision into triggered buy legs.
// Leg 1 is IMMEDIATE and executed synchronously; legs 2..N arm PRICE_DROP
// triggers below the reference entry price. Sizes are base-token units
// fixed at creation so filled+remaining always reconciles to target.
func (m *Manager) CreateScaledEntry(ctx context.Context, asset string, totalUsd, entryPrice float64, decisionID string) (*model.ScaledPosition, error) {
	if totalUsd <= 0 || entryPrice <= 0 {
		return nil, yerrors.Errorf("invalid scaled entry: totalUsd=%f entryPrice=%f", totalUsd, entryPrice)
	}

	targetSize := totalUsd / entryPrice
	sp := &model.ScaledPosition{
		Asset:         asset,
		Direction:     enum.ScaleDirectionIn,
		TargetSize:    targetSize,
		RemainingSize: targetSize,
		ScalesTotal:   len(m.cfg.EntrySplits),
		Active:        true,
		DecisionID:    decisionID,
	}

	now := time.Now().UTC()
	assigned := 0.0
	for i, split := range m.cfg.EntrySplits {
		legSize := targetSize * split / 100
		if i == len(m.cfg.EntrySplits)-1 {
			// Last leg takes the residual so leg sizes sum to target exactly.
			legSize = targetSize - assigned
		}
		assigned += legSize

		leg := model.ScaleOrder{
			LegNumber:  i + 1,
			Status:     enum.ScaleOrderStatusPending,
			Trigger:    enum.ScaleTriggerImmediate,
			TargetSize: legSize,
			CreatedAt:  now,
		}
		if i > 0 {
			drop := m.cfg.EntryDropsPct[i-1]
			leg.Trigger = enum.ScaleTriggerPriceDrop
			leg.TriggerPct = drop
			leg.TriggerPrice = entryPrice * (1 - drop/100)
		}
		sp.Orders = append(sp.Orders, leg)
	}

	if err := m.store.CreateScaledPosition(ctx, sp); err != nil {
		return nil, yerrors.Wrap(err, "persist scaled entry")
	}

	if err := m.ExecuteLeg(ctx, sp.ID, 1); err != nil {
		return nil, yerrors.Wrap(err, "execute immediate leg")
	}

	return m.store.ScaledPosition(ctx, sp.ID)
}

// CreateScaledExit arms profit-target sell legs above the average entry;
// the final leg is a TRAILING_STOP owned by the trailing tracker.
func (m *Manager) CreateScaledExit(ctx context.Context, position *model.Position, avgEntryPrice float64) (*model.ScaledPosition, error) {
	if position == nil || !position.IsOpen() {
		return nil, exception.ErrPositionNotFound
	}
	if avgEntryPrice <= 0 {
		avgEntryPrice = position.EntryPrice
	}

	positionID := position.ID
	sp := &model.ScaledPosition{
		Asset:         position.Asset,
		Direction:     enum.ScaleDirectionOut,
		TargetSize:    position.Size,
		RemainingSize: position.Size,
		ScalesTotal:   len(m.cfg.ExitSplits),
		Active:        true,
		PositionID:    &positionID,
		OriginalSize:  position.Size,
	}

	now := time.Now().UTC()
	last := len(m.cfg.ExitSplits) - 1
	assigned := 0.0
	for i, split := range m.cfg.ExitSplits {
		legSize := position.Size * split / 100
		if i == last {
			legSize = position.Size - assigned
		}
		assigned += legSize

		leg := model.ScaleOrder{
			LegNumber:  i + 1,
			Status:     enum.ScaleOrderStatusPending,
			TargetSize: legSize,
			CreatedAt:  now,
		}
		if i == last {
			leg.Trigger = enum.ScaleTriggerTrailingStop
			leg.TriggerPct = m.cfg.TrailingPct
		} else {
			gain := m.cfg.ExitGainsPct[i]
			leg.Trigger = enum.ScaleTriggerProfitTarget
			leg.TriggerPct = gain
			leg.TriggerPrice = avgEntryPrice * (1 + gain/100)
		}
		sp.Orders = append(sp.Orders, leg)
	}

	if err := m.store.CreateScaledPosition(ctx, sp); err != nil {
		return nil, yerrors.Wrap(err, "persist scaled exit")
	}

	return sp, nil
}

// OnPriceTick evaluates which PENDING legs the price makes eligible.
// Pure: no execution, no writes.
func (m *Manager) OnPriceTick(ctx context.Context, symbol string, price float64) ([]EligibleLeg, error) {
	active, err := m.store.ActiveScaledPositions(ctx)
	if err != nil {
		return nil, err
	}

	var eligible []EligibleLeg
	for i := range active {
		sp := &active[i]
		if sp.Asset != symbol {
			continue
		}
		for j := range sp.Orders {
			leg := &sp.Orders[j]
			if leg.Eligible(price) {
				eligible = append(eligible, EligibleLeg{
					ScaledPositionID: sp.ID,
					LegNumber:        leg.LegNumber,
					Trigger:          leg.Trigger,
				})
			}
		}
	}

	return eligible, nil
}

// ObserveTrailing feeds the tick to the trailing tracker for every active
// scale-out with a pending TRAILING_STOP leg, returning the legs whose
// stop tripped. Completed positions drop out of the tracker.
func (m *Manager) ObserveTrailing(ctx context.Context, stops *TrailingStops, symbol string, price float64) ([]EligibleLeg, error) {
	active, err := m.store.ActiveScaledPositions(ctx)
	if err != nil {
		return nil, err
	}

	var tripped []EligibleLeg
	for i := range active {
		sp := &active[i]
		if sp.Asset != symbol || sp.Direction != enum.ScaleDirectionOut {
			continue
		}

		for j := range sp.Orders {
			leg := &sp.Orders[j]
			if leg.Trigger != enum.ScaleTriggerTrailingStop || leg.Status != enum.ScaleOrderStatusPending {
				continue
			}
			if stops.Observe(sp.ID, price) {
				tripped = append(tripped, EligibleLeg{
					ScaledPositionID: sp.ID,
					LegNumber:        leg.LegNumber,
					Trigger:          leg.Trigger,
				})
			}
		}
	}

	return tripped, nil
}

// ExecuteLeg places the leg's order and commits the fill, the leg flip and
// the parent totals in one transaction. Calling it again for an executed
// leg is a no-op.
func (m *Manager) ExecuteLeg(ctx context.Context, scaledID uint, legNumber int) error {
	err := m.store.ExecuteLeg(ctx, scaledID, legNumber, func(ctx context.Context, tx ledger.TxView, leg *model.ScaleOrder, sp *model.ScaledPosition) error {
		side := enum.SideBuy
		if sp.Direction == enum.ScaleDirectionOut {
			side = enum.SideSell
		}

		fill, err := m.placer.PlaceMarketOrder(ctx, side, sp.Asset, leg.TargetSize)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		leg.Status = enum.ScaleOrderStatusExecuted
		leg.ExecutedSize = fill.FilledSize
		leg.ExecutedPrice = fill.AvgPrice
		leg.ExecutedAt = &now

		sp.ApplyFill(fill.FilledSize, fill.AvgPrice)
		if sp.Filled() {
			sp.Active = false
			sp.CompletedAt = &now
		}

		switch {
		case sp.Direction == enum.ScaleDirectionIn:
			if err := m.applyEntry(ctx, tx, sp, fill); err != nil {
				return err
			}
		case sp.Direction == enum.ScaleDirectionOut && sp.PositionID != nil:
			if err := m.applyExit(ctx, tx, sp, fill); err != nil {
				return err
			}
		}

		logs.Infof("executed leg %d/%d of scaled position %d: %s %.8f @ %.2f",
			leg.LegNumber, sp.ScalesTotal, sp.ID, side, fill.FilledSize, fill.AvgPrice)
		return nil
	})
	if err != nil {
		if errors.Is(err, exception.ErrLegNotPending) {
			// Raced with another evaluation; the fill already happened.
			return nil
		}
		return err
	}

	m.metrics.AddLegs(string(enum.ScaleOrderStatusExecuted), 1)
	return nil
}

// Hard stop below the running average until the exit plan replaces it.
const _hardStopPct = 5.0

// applyEntry creates the linked position on the first fill and grows it
// on later legs, keeping entry price at the running average.
func (m *Manager) applyEntry(ctx context.Context, tx ledger.TxView, sp *model.ScaledPosition, fill model.Fill) error {
	if sp.PositionID == nil {
		position := &model.Position{
			Asset:      sp.Asset,
			Side:       enum.SideBuy,
			Status:     enum.PositionStatusOpen,
			EntryPrice: fill.AvgPrice,
			Size:       fill.FilledSize,
			EntryTime:  fill.Time,
			StopLoss:   fill.AvgPrice * (1 - _hardStopPct/100),
			OrderID:    fill.OrderID,
		}
		if err := tx.CreateOpenPosition(ctx, position); err != nil {
			return err
		}
		sp.PositionID = &position.ID
		return nil
	}

	position, err := tx.Position(ctx, *sp.PositionID)
	if err != nil {
		return err
	}

	position.Size += fill.FilledSize
	position.EntryPrice = sp.AvgPrice
	position.StopLoss = sp.AvgPrice * (1 - _hardStopPct/100)
	return tx.UpdatePosition(ctx, position)
}

// applyExit shrinks the linked position and closes it once fully exited,
// with P&L computed against the original pre-scaling size.
func (m *Manager) applyExit(ctx context.Context, tx ledger.TxView, sp *model.ScaledPosition, fill model.Fill) error {
	position, err := tx.Position(ctx, *sp.PositionID)
	if err != nil {
		return err
	}

	position.Size -= fill.FilledSize
	if position.Size < 0 {
		position.Size = 0
	}

	if sp.Filled() {
		now := time.Now().UTC()
		exitPrice := sp.AvgPrice
		position.Size = 0
		position.Status = enum.PositionStatusClosed
		position.ExitPrice = &exitPrice
		position.ExitTime = &now
		position.ExitReason = fmt.Sprintf("SCALED_EXIT_%d_LEGS", sp.ScalesExecuted)
		position.RealizedPnl = (exitPrice - position.EntryPrice) * sp.OriginalSize
		if position.EntryPrice > 0 {
			position.PnlPct = (exitPrice - position.EntryPrice) / position.EntryPrice * 100
		}
	}

	return tx.UpdatePosition(ctx, position)
}

// ExpireStaleLegs times out PENDING legs older than the configured leg
// timeout regardless of price movement.
func (m *Manager) ExpireStaleLegs(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-m.cfg.LegTimeout)
	expired, err := m.store.ExpireStaleLegs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if expired > 0 {
		logs.Warnf("expired %d stale scale legs older than %s", expired, m.cfg.LegTimeout)
		m.metrics.AddLegs(string(enum.ScaleOrderStatusExpired), expired)
	}

	return expired, nil
}

// CancelRemaining cascades a cancellation to every PENDING leg.
func (m *Manager) CancelRemaining(ctx context.Context, scaledID uint, reason string) (int, error) {
	cancelled, err := m.store.CancelRemaining(ctx, scaledID, reason)
	if err != nil {
		return 0, err
	}

	m.metrics.AddLegs(string(enum.ScaleOrderStatusCancelled), cancelled)
	return cancelled, nil
}
