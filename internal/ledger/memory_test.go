package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/model"
	"main/internal/model/enum"
	"main/pkg/exception"
)

func openPosition(asset string) *model.Position {
	return &model.Position{
		Asset:      asset,
		Side:       enum.SideBuy,
		Status:     enum.PositionStatusOpen,
		EntryPrice: 100,
		Size:       10,
		EntryTime:  time.Now().UTC(),
	}
}

func scaledEntry(asset string, legs int) *model.ScaledPosition {
	sp := &model.ScaledPosition{
		Asset:         asset,
		Direction:     enum.ScaleDirectionIn,
		TargetSize:    30,
		RemainingSize: 30,
		ScalesTotal:   legs,
		Active:        true,
	}
	for i := 0; i < legs; i++ {
		sp.Orders = append(sp.Orders, model.ScaleOrder{
			LegNumber:  i + 1,
			Status:     enum.ScaleOrderStatusPending,
			Trigger:    enum.ScaleTriggerPriceDrop,
			TargetSize: 10,
			CreatedAt:  time.Now().UTC(),
		})
	}
	return sp
}

func TestCreateOpenPositionRejectsDuplicate(t *testing.T) {
	store := NewMemory()
	ctx := t.Context()

	require.NoError(t, store.CreateOpenPosition(ctx, openPosition("SOLUSD")))
	err := store.CreateOpenPosition(ctx, openPosition("SOLUSD"))
	assert.ErrorIs(t, err, exception.ErrDuplicatePosition)

	// A different asset is fine.
	require.NoError(t, store.CreateOpenPosition(ctx, openPosition("ETHUSD")))
}

func TestCreateOpenPositionAllowedAfterClose(t *testing.T) {
	store := NewMemory()
	ctx := t.Context()

	p := openPosition("SOLUSD")
	require.NoError(t, store.CreateOpenPosition(ctx, p))

	p.Status = enum.PositionStatusClosed
	now := time.Now().UTC()
	p.ExitTime = &now
	require.NoError(t, store.UpdatePosition(ctx, p))

	require.NoError(t, store.CreateOpenPosition(ctx, openPosition("SOLUSD")))
}

func TestCreateOpenPositionConcurrent(t *testing.T) {
	store := NewMemory()
	ctx := t.Context()

	const attempts = 16
	var created, duplicates atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.CreateOpenPosition(ctx, openPosition("SOLUSD"))
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, exception.ErrDuplicatePosition):
				duplicates.Add(1)
			default:
				t.Errorf("unexpected error: %+v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(attempts-1), duplicates.Load())

	open, err := store.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestOpenPositionNotFound(t *testing.T) {
	store := NewMemory()
	_, err := store.OpenPosition(t.Context(), "BTCUSD")
	assert.ErrorIs(t, err, exception.ErrPositionNotFound)
}

func TestExecuteLegFlipsOnce(t *testing.T) {
	store := NewMemory()
	ctx := t.Context()

	sp := scaledEntry("BTCUSD", 3)
	require.NoError(t, store.CreateScaledPosition(ctx, sp))

	executed := 0
	fn := func(_ context.Context, _ TxView, leg *model.ScaleOrder, sp *model.ScaledPosition) error {
		executed++
		leg.Status = enum.ScaleOrderStatusExecuted
		sp.ApplyFill(leg.TargetSize, 100)
		return nil
	}

	require.NoError(t, store.ExecuteLeg(ctx, sp.ID, 1, fn))
	assert.ErrorIs(t, store.ExecuteLeg(ctx, sp.ID, 1, fn), exception.ErrLegNotPending)
	assert.Equal(t, 1, executed)

	got, err := store.ScaledPosition(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, enum.ScaleOrderStatusExecuted, got.Orders[0].Status)
	assert.InDelta(t, 10, got.FilledSize, 1e-9)
	assert.InDelta(t, 20, got.RemainingSize, 1e-9)
}

func TestExecuteLegConcurrent(t *testing.T) {
	store := NewMemory()
	ctx := t.Context()

	sp := scaledEntry("BTCUSD", 2)
	require.NoError(t, store.CreateScaledPosition(ctx, sp))

	var executed atomic.Int32
	fn := func(_ context.Context, _ TxView, leg *model.ScaleOrder, sp *model.ScaledPosition) error {
		executed.Add(1)
		leg.Status = enum.ScaleOrderStatusExecuted
		sp.ApplyFill(leg.TargetSize, 100)
		return nil
	}

	const racers = 8
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.ExecuteLeg(ctx, sp.ID, 1, fn)
			if err != nil && !errors.Is(err, exception.ErrLegNotPending) {
				t.Errorf("unexpected error: %+v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), executed.Load())

	got, err := store.ScaledPosition(ctx, sp.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10, got.FilledSize, 1e-9)
}

func TestExecuteLegRollsBackOnError(t *testing.T) {
	store := NewMemory()
	ctx := t.Context()

	sp := scaledEntry("BTCUSD", 2)
	require.NoError(t, store.CreateScaledPosition(ctx, sp))

	boom := errors.New("exchange down")
	err := store.ExecuteLeg(ctx, sp.ID, 1, func(_ context.Context, _ TxView, leg *model.ScaleOrder, sp *model.ScaledPosition) error {
		leg.Status = enum.ScaleOrderStatusExecuted
		sp.ApplyFill(leg.TargetSize, 100)
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.ScaledPosition(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, enum.ScaleOrderStatusPending, got.Orders[0].Status)
	assert.Zero(t, got.FilledSize)
}

func TestExecuteLegUnknownLeg(t *testing.T) {
	store := NewMemory()
	ctx := t.Context()

	sp := scaledEntry("BTCUSD", 1)
	require.NoError(t, store.CreateScaledPosition(ctx, sp))

	err := store.ExecuteLeg(ctx, sp.ID, 9, func(context.Context, TxView, *model.ScaleOrder, *model.ScaledPosition) error {
		return nil
	})
	assert.ErrorIs(t, err, exception.ErrLegNotFound)

	err = store.ExecuteLeg(ctx, 999, 1, func(context.Context, TxView, *model.ScaleOrder, *model.ScaledPosition) error {
		return nil
	})
	assert.ErrorIs(t, err, exception.ErrScaleNotFound)
}

func TestCancelRemainingCascades(t *testing.T) {
	store := NewMemory()
	ctx := t.Context()

	sp := scaledEntry("BTCUSD", 3)
	require.NoError(t, store.CreateScaledPosition(ctx, sp))
	require.NoError(t, store.ExecuteLeg(ctx, sp.ID, 1, func(_ context.Context, _ TxView, leg *model.ScaleOrder, sp *model.ScaledPosition) error {
		leg.Status = enum.ScaleOrderStatusExecuted
		sp.ApplyFill(leg.TargetSize, 100)
		return nil
	}))

	cancelled, err := store.CancelRemaining(ctx, sp.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled)

	got, err := store.ScaledPosition(ctx, sp.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, enum.ScaleOrderStatusExecuted, got.Orders[0].Status)
	assert.Equal(t, enum.ScaleOrderStatusCancelled, got.Orders[1].Status)
	assert.Equal(t, enum.ScaleOrderStatusCancelled, got.Orders[2].Status)
}

func TestExpireStaleLegs(t *testing.T) {
	store := NewMemory()
	ctx := t.Context()

	sp := scaledEntry("BTCUSD", 2)
	sp.Orders[0].CreatedAt = time.Now().UTC().Add(-200 * time.Hour)
	sp.Orders[1].CreatedAt = time.Now().UTC().Add(-200 * time.Hour)
	require.NoError(t, store.CreateScaledPosition(ctx, sp))

	fresh := scaledEntry("ETHUSD", 1)
	require.NoError(t, store.CreateScaledPosition(ctx, fresh))

	expired, err := store.ExpireStaleLegs(ctx, time.Now().UTC().Add(-168*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, expired)

	got, err := store.ScaledPosition(ctx, sp.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, enum.ScaleOrderStatusExpired, got.Orders[0].Status)

	stillActive, err := store.ActiveScaledPositions(ctx)
	require.NoError(t, err)
	require.Len(t, stillActive, 1)
	assert.Equal(t, "ETHUSD", stillActive[0].Asset)
}

func TestRealizedPnlSince(t *testing.T) {
	store := NewMemory()
	ctx := t.Context()

	closeWithPnl := func(asset string, pnl float64, exitedAgo time.Duration) {
		p := openPosition(asset)
		require.NoError(t, store.CreateOpenPosition(ctx, p))
		p.Status = enum.PositionStatusClosed
		exit := time.Now().UTC().Add(-exitedAgo)
		p.ExitTime = &exit
		p.RealizedPnl = pnl
		require.NoError(t, store.UpdatePosition(ctx, p))
	}

	closeWithPnl("BTCUSD", -300, time.Hour)
	closeWithPnl("ETHUSD", 120, 2*time.Hour)
	closeWithPnl("SOLUSD", -900, 48*time.Hour)

	total, err := store.RealizedPnlSince(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, -180, total, 1e-9)
}

func TestSnapshots(t *testing.T) {
	store := NewMemory()
	ctx := t.Context()

	latest, err := store.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, store.SaveSnapshot(ctx, &model.PortfolioSnapshot{Value: 100, PeakValue: 100, TakenAt: time.Now().UTC()}))
	require.NoError(t, store.SaveSnapshot(ctx, &model.PortfolioSnapshot{Value: 90, PeakValue: 100, TakenAt: time.Now().UTC()}))

	latest, err = store.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.InDelta(t, 90, latest.Value, 1e-9)
	assert.InDelta(t, 10, latest.Drawdown(), 1e-9)
}
