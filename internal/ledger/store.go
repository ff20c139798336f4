package ledger

import (
	"context"
	"time"

	"main/internal/model"
)

// Store is the transactional unit of work over positions, scaled positions
// and portfolio snapshots. Implementations serialize the duplicate-position
// check-then-insert and the leg check-then-flip so two concurrent attempts
// cannot both succeed.
type Store interface {
	// CreateOpenPosition inserts an OPEN position, failing with
	// exception.ErrDuplicatePosition when an OPEN row for the asset exists.
	// The check and the insert run in one transaction.
	CreateOpenPosition(ctx context.Context, p *model.Position) error
	Position(ctx context.Context, id uint) (*model.Position, error)
	OpenPosition(ctx context.Context, asset string) (*model.Position, error)
	OpenPositions(ctx context.Context) ([]model.Position, error)
	UpdatePosition(ctx context.Context, p *model.Position) error

	// RealizedPnlSince sums realized P&L of positions closed at or after
	// the given time. Feeds the daily loss limit.
	RealizedPnlSince(ctx context.Context, since time.Time) (float64, error)

	CreateScaledPosition(ctx context.Context, sp *model.ScaledPosition) error
	ScaledPosition(ctx context.Context, id uint) (*model.ScaledPosition, error)
	ActiveScaledPositions(ctx context.Context) ([]model.ScaledPosition, error)

	// ExecuteLeg locks the leg, verifies it is still PENDING (returning
	// exception.ErrLegNotPending otherwise) and invokes fn with a
	// transaction-scoped view. Mutations fn makes to the leg, the scaled
	// position and any position rows it touches commit atomically.
	ExecuteLeg(ctx context.Context, scaledID uint, legNumber int, fn ExecuteLegFunc) error

	// CancelRemaining flips every PENDING leg of the scaled position to
	// CANCELLED and deactivates it. Returns the number of cancelled legs.
	CancelRemaining(ctx context.Context, scaledID uint, reason string) (int, error)

	// ExpireStaleLegs flips PENDING legs created before the cutoff to
	// EXPIRED, deactivating parents left without pending legs.
	ExpireStaleLegs(ctx context.Context, cutoff time.Time) (int, error)

	SaveSnapshot(ctx context.Context, s *model.PortfolioSnapshot) error
	LatestSnapshot(ctx context.Context) (*model.PortfolioSnapshot, error)
}

// TxView is the slice of the store visible inside an ExecuteLeg transaction.
// CreateOpenPosition keeps the duplicate-position guarantee inside the leg
// transaction, so a scale-in's first fill opens its position atomically.
type TxView interface {
	Position(ctx context.Context, id uint) (*model.Position, error)
	CreateOpenPosition(ctx context.Context, p *model.Position) error
	UpdatePosition(ctx context.Context, p *model.Position) error
}

// ExecuteLegFunc runs inside the leg-execution transaction. leg status is
// PENDING on entry; fn is responsible for applying the fill to leg and sp.
type ExecuteLegFunc func(ctx context.Context, tx TxView, leg *model.ScaleOrder, sp *model.ScaledPosition) error
