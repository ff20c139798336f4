package scale

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/ledger"
	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/ops"
	"main/pkg/exception"
)

type stubPlacer struct {
	price float64
	fails error
	calls int
}

func (p *stubPlacer) PlaceMarketOrder(_ context.Context, side enum.Side, symbol string, qty float64) (model.Fill, error) {
	p.calls++
	if p.fails != nil {
		return model.Fill{}, p.fails
	}

	return model.Fill{
		OrderID:    "stub-1",
		Symbol:     symbol,
		FilledSize: qty,
		AvgPrice:   p.price,
		Time:       time.Now().UTC(),
	}, nil
}

func scaleForTest() ops.ScaleConfig {
	return ops.ScaleConfig{
		EntrySplits:   []float64{33, 33, 34},
		EntryDropsPct: []float64{5, 10},
		ExitSplits:    []float64{33, 33, 34},
		ExitGainsPct:  []float64{5, 10},
		TrailingPct:   5,
		LegTimeout:    168 * time.Hour,
	}
}

func newManagerForTest(store ledger.Store, placer OrderPlacer) *Manager {
	return NewManager(store, placer, scaleForTest(), nil)
}

func TestCreateScaledEntryArmsLegsAndExecutesFirst(t *testing.T) {
	store := ledger.NewMemory()
	placer := &stubPlacer{price: 100}
	m := newManagerForTest(store, placer)

	sp, err := m.CreateScaledEntry(t.Context(), "SOLUSD", 3_000, 100, "dec-1")
	require.NoError(t, err)

	// 3000 USD at 100 -> 30 tokens total, split 33/33/34.
	assert.InDelta(t, 30, sp.TargetSize, 1e-9)
	require.Len(t, sp.Orders, 3)

	first := sp.Orders[0]
	assert.Equal(t, enum.ScaleTriggerImmediate, first.Trigger)
	assert.Equal(t, enum.ScaleOrderStatusExecuted, first.Status)
	assert.InDelta(t, 9.9, first.ExecutedSize, 1e-9)

	second := sp.Orders[1]
	assert.Equal(t, enum.ScaleTriggerPriceDrop, second.Trigger)
	assert.Equal(t, enum.ScaleOrderStatusPending, second.Status)
	assert.InDelta(t, 95, second.TriggerPrice, 1e-9)

	third := sp.Orders[2]
	assert.InDelta(t, 90, third.TriggerPrice, 1e-9)
	assert.InDelta(t, 10.2, third.TargetSize, 1e-9)

	assert.InDelta(t, 9.9, sp.FilledSize, 1e-9)
	assert.InDelta(t, sp.TargetSize, sp.FilledSize+sp.RemainingSize, 1e-9)
	assert.Equal(t, 1, sp.ScalesExecuted)
	assert.True(t, sp.Active)
	assert.Equal(t, 1, placer.calls)
}

func TestOnPriceTickEligibility(t *testing.T) {
	store := ledger.NewMemory()
	m := newManagerForTest(store, &stubPlacer{price: 100})

	sp, err := m.CreateScaledEntry(t.Context(), "SOLUSD", 3_000, 100, "dec-1")
	require.NoError(t, err)

	// Above both drop triggers: nothing fires.
	eligible, err := m.OnPriceTick(t.Context(), "SOLUSD", 98)
	require.NoError(t, err)
	assert.Empty(t, eligible)

	// At the first drop trigger, inclusive.
	eligible, err = m.OnPriceTick(t.Context(), "SOLUSD", 95)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, sp.ID, eligible[0].ScaledPositionID)
	assert.Equal(t, 2, eligible[0].LegNumber)

	// Below both: both remaining legs fire.
	eligible, err = m.OnPriceTick(t.Context(), "SOLUSD", 89)
	require.NoError(t, err)
	assert.Len(t, eligible, 2)

	// Other symbols never match.
	eligible, err = m.OnPriceTick(t.Context(), "BTCUSD", 1)
	require.NoError(t, err)
	assert.Empty(t, eligible)
}

func TestExecuteLegIsIdempotent(t *testing.T) {
	store := ledger.NewMemory()
	placer := &stubPlacer{price: 95}
	m := newManagerForTest(store, placer)

	sp, err := m.CreateScaledEntry(t.Context(), "SOLUSD", 3_000, 100, "dec-1")
	require.NoError(t, err)
	require.Equal(t, 1, placer.calls)

	require.NoError(t, m.ExecuteLeg(t.Context(), sp.ID, 2))
	assert.Equal(t, 2, placer.calls)

	// Re-executing an EXECUTED leg is a no-op, not an error.
	require.NoError(t, m.ExecuteLeg(t.Context(), sp.ID, 2))
	assert.Equal(t, 2, placer.calls)
}

func TestExecuteLegKeepsLegPendingOnPlacementFailure(t *testing.T) {
	store := ledger.NewMemory()
	placer := &stubPlacer{price: 100, fails: exception.ErrConnectivity}
	m := newManagerForTest(store, placer)

	_, err := m.CreateScaledEntry(t.Context(), "SOLUSD", 3_000, 100, "dec-1")
	require.ErrorIs(t, err, exception.ErrConnectivity)

	active, listErr := store.ActiveScaledPositions(t.Context())
	require.NoError(t, listErr)
	require.Len(t, active, 1)
	assert.Equal(t, enum.ScaleOrderStatusPending, active[0].Orders[0].Status)
	assert.Zero(t, active[0].FilledSize)
}

func TestFullScaleInCompletesPosition(t *testing.T) {
	store := ledger.NewMemory()
	placer := &stubPlacer{price: 100}
	m := newManagerForTest(store, placer)

	sp, err := m.CreateScaledEntry(t.Context(), "SOLUSD", 3_000, 100, "dec-1")
	require.NoError(t, err)

	placer.price = 95
	require.NoError(t, m.ExecuteLeg(t.Context(), sp.ID, 2))
	placer.price = 90
	require.NoError(t, m.ExecuteLeg(t.Context(), sp.ID, 3))

	got, err := store.ScaledPosition(t.Context(), sp.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	require.NotNil(t, got.CompletedAt)
	assert.InDelta(t, 30, got.FilledSize, 1e-9)
	assert.Zero(t, got.RemainingSize)
	// avg = (9.9*100 + 9.9*95 + 10.2*90) / 30
	assert.InDelta(t, (9.9*100+9.9*95+10.2*90)/30, got.AvgPrice, 1e-9)
}

func TestScaledEntryOpensLinkedPosition(t *testing.T) {
	store := ledger.NewMemory()
	placer := &stubPlacer{price: 100}
	m := newManagerForTest(store, placer)

	sp, err := m.CreateScaledEntry(t.Context(), "SOLUSD", 3_000, 100, "dec-1")
	require.NoError(t, err)
	require.NotNil(t, sp.PositionID)

	position, err := store.OpenPosition(t.Context(), "SOLUSD")
	require.NoError(t, err)
	assert.Equal(t, *sp.PositionID, position.ID)
	assert.InDelta(t, 9.9, position.Size, 1e-9)
	assert.InDelta(t, 100, position.EntryPrice, 1e-9)
	assert.InDelta(t, 95, position.StopLoss, 1e-9)
}

func TestScaledEntryGrowsPositionAcrossLegs(t *testing.T) {
	store := ledger.NewMemory()
	placer := &stubPlacer{price: 100}
	m := newManagerForTest(store, placer)
	ctx := t.Context()

	sp, err := m.CreateScaledEntry(ctx, "SOLUSD", 3_000, 100, "dec-1")
	require.NoError(t, err)

	placer.price = 95
	require.NoError(t, m.ExecuteLeg(ctx, sp.ID, 2))
	placer.price = 90
	require.NoError(t, m.ExecuteLeg(ctx, sp.ID, 3))

	position, err := store.OpenPosition(ctx, "SOLUSD")
	require.NoError(t, err)
	assert.InDelta(t, 30, position.Size, 1e-9)

	avg := (9.9*100 + 9.9*95 + 10.2*90) / 30.0
	assert.InDelta(t, avg, position.EntryPrice, 1e-9)
	assert.InDelta(t, avg*0.95, position.StopLoss, 1e-9)
}

func TestScaledEntryRejectsExistingPosition(t *testing.T) {
	store := ledger.NewMemory()
	placer := &stubPlacer{price: 100}
	m := newManagerForTest(store, placer)
	ctx := t.Context()

	require.NoError(t, store.CreateOpenPosition(ctx, &model.Position{
		Asset:      "SOLUSD",
		Side:       enum.SideBuy,
		Status:     enum.PositionStatusOpen,
		EntryPrice: 120,
		Size:       5,
		EntryTime:  time.Now().UTC(),
	}))

	_, err := m.CreateScaledEntry(ctx, "SOLUSD", 3_000, 100, "dec-1")
	require.ErrorIs(t, err, exception.ErrDuplicatePosition)

	// The failed first leg stays PENDING and the fill never sticks.
	active, listErr := store.ActiveScaledPositions(ctx)
	require.NoError(t, listErr)
	require.Len(t, active, 1)
	assert.Equal(t, enum.ScaleOrderStatusPending, active[0].Orders[0].Status)
	assert.Zero(t, active[0].FilledSize)
}

func TestCreateScaledExitShapesLegs(t *testing.T) {
	store := ledger.NewMemory()
	m := newManagerForTest(store, &stubPlacer{price: 100})

	position := &model.Position{
		Asset:      "SOLUSD",
		Status:     enum.PositionStatusOpen,
		EntryPrice: 100,
		Size:       30,
		EntryTime:  time.Now().UTC(),
	}
	require.NoError(t, store.CreateOpenPosition(t.Context(), position))

	sp, err := m.CreateScaledExit(t.Context(), position, 100)
	require.NoError(t, err)
	require.Len(t, sp.Orders, 3)

	assert.Equal(t, enum.ScaleTriggerProfitTarget, sp.Orders[0].Trigger)
	assert.InDelta(t, 105, sp.Orders[0].TriggerPrice, 1e-9)
	assert.Equal(t, enum.ScaleTriggerProfitTarget, sp.Orders[1].Trigger)
	assert.InDelta(t, 110, sp.Orders[1].TriggerPrice, 1e-9)
	assert.Equal(t, enum.ScaleTriggerTrailingStop, sp.Orders[2].Trigger)
	assert.InDelta(t, 30, sp.OriginalSize, 1e-9)
}

func TestScaledExitClosesPositionWithPnlAgainstOriginalSize(t *testing.T) {
	store := ledger.NewMemory()
	placer := &stubPlacer{price: 105}
	m := newManagerForTest(store, placer)
	ctx := t.Context()

	position := &model.Position{
		Asset:      "SOLUSD",
		Status:     enum.PositionStatusOpen,
		EntryPrice: 100,
		Size:       30,
		EntryTime:  time.Now().UTC(),
	}
	require.NoError(t, store.CreateOpenPosition(ctx, position))

	sp, err := m.CreateScaledExit(ctx, position, 100)
	require.NoError(t, err)

	require.NoError(t, m.ExecuteLeg(ctx, sp.ID, 1))
	placer.price = 110
	require.NoError(t, m.ExecuteLeg(ctx, sp.ID, 2))
	placer.price = 108
	require.NoError(t, m.ExecuteLeg(ctx, sp.ID, 3))

	closed, err := store.Position(ctx, position.ID)
	require.NoError(t, err)
	assert.Equal(t, enum.PositionStatusClosed, closed.Status)
	assert.Zero(t, closed.Size)
	require.NotNil(t, closed.ExitPrice)

	// avg exit = (9.9*105 + 9.9*110 + 10.2*108) / 30
	avgExit := (9.9*105 + 9.9*110 + 10.2*108) / 30.0
	assert.InDelta(t, avgExit, *closed.ExitPrice, 1e-9)
	assert.InDelta(t, (avgExit-100)*30, closed.RealizedPnl, 1e-6)
	assert.Contains(t, closed.ExitReason, "SCALED_EXIT")
}

func TestExpireStaleLegsHonorsTimeout(t *testing.T) {
	store := ledger.NewMemory()
	m := newManagerForTest(store, &stubPlacer{price: 100})
	ctx := t.Context()

	sp := &model.ScaledPosition{
		Asset:         "SOLUSD",
		Direction:     enum.ScaleDirectionIn,
		TargetSize:    10,
		RemainingSize: 10,
		ScalesTotal:   1,
		Active:        true,
		Orders: []model.ScaleOrder{{
			LegNumber:  1,
			Status:     enum.ScaleOrderStatusPending,
			Trigger:    enum.ScaleTriggerPriceDrop,
			TargetSize: 10,
			CreatedAt:  time.Now().UTC().Add(-200 * time.Hour),
		}},
	}
	require.NoError(t, store.CreateScaledPosition(ctx, sp))

	expired, err := m.ExpireStaleLegs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := store.ScaledPosition(ctx, sp.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, enum.ScaleOrderStatusExpired, got.Orders[0].Status)
}

func TestCancelRemainingCascade(t *testing.T) {
	store := ledger.NewMemory()
	m := newManagerForTest(store, &stubPlacer{price: 100})

	sp, err := m.CreateScaledEntry(t.Context(), "SOLUSD", 3_000, 100, "dec-1")
	require.NoError(t, err)

	cancelled, err := m.CancelRemaining(t.Context(), sp.ID, "manual close")
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled)

	got, err := store.ScaledPosition(t.Context(), sp.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}
