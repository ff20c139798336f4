package ledger

import (
	"context"
	"errors"
	"time"

	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"main/internal/model"
	"main/internal/model/enum"
	"main/pkg/exception"
)

// Gorm is the postgres-backed Store. A partial unique index on
// (asset) WHERE status='OPEN' backstops the application-level
// duplicate-position check.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(
		&model.Position{},
		&model.ScaledPosition{},
		&model.ScaleOrder{},
		&model.PortfolioSnapshot{},
	); err != nil {
		return nil, yerrors.Wrap(err, "migrate ledger tables")
	}

	if err := db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_one_open ON positions (asset) WHERE status = 'OPEN'`,
	).Error; err != nil {
		return nil, yerrors.Wrap(err, "create open-position index")
	}

	return &Gorm{db: db}, nil
}

func (g *Gorm) CreateOpenPosition(ctx context.Context, p *model.Position) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return (&gormTx{tx: tx}).CreateOpenPosition(ctx, p)
	})
}

func (g *Gorm) Position(ctx context.Context, id uint) (*model.Position, error) {
	var p model.Position
	if err := g.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, exception.ErrPositionNotFound
		}
		return nil, err
	}

	return &p, nil
}

func (g *Gorm) OpenPosition(ctx context.Context, asset string) (*model.Position, error) {
	var p model.Position
	err := g.db.WithContext(ctx).
		Where("asset = ? AND status = ?", asset, enum.PositionStatusOpen).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, exception.ErrPositionNotFound
		}
		return nil, err
	}

	return &p, nil
}

func (g *Gorm) OpenPositions(ctx context.Context) ([]model.Position, error) {
	var out []model.Position
	err := g.db.WithContext(ctx).
		Where("status = ?", enum.PositionStatusOpen).
		Order("entry_time ASC").
		Find(&out).Error

	return out, err
}

func (g *Gorm) UpdatePosition(ctx context.Context, p *model.Position) error {
	return g.db.WithContext(ctx).Save(p).Error
}

func (g *Gorm) RealizedPnlSince(ctx context.Context, since time.Time) (float64, error) {
	var total *float64
	err := g.db.WithContext(ctx).Model(&model.Position{}).
		Where("status = ? AND exit_time >= ?", enum.PositionStatusClosed, since).
		Select("SUM(realized_pnl)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}

	return *total, nil
}

func (g *Gorm) CreateScaledPosition(ctx context.Context, sp *model.ScaledPosition) error {
	return g.db.WithContext(ctx).Create(sp).Error
}

func (g *Gorm) ScaledPosition(ctx context.Context, id uint) (*model.ScaledPosition, error) {
	var sp model.ScaledPosition
	err := g.db.WithContext(ctx).Preload("Orders").First(&sp, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, exception.ErrScaleNotFound
		}
		return nil, err
	}

	return &sp, nil
}

func (g *Gorm) ActiveScaledPositions(ctx context.Context) ([]model.ScaledPosition, error) {
	var out []model.ScaledPosition
	err := g.db.WithContext(ctx).
		Preload("Orders").
		Where("active = ?", true).
		Find(&out).Error

	return out, err
}

func (g *Gorm) ExecuteLeg(ctx context.Context, scaledID uint, legNumber int, fn ExecuteLegFunc) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var leg model.ScaleOrder
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("scaled_position_id = ? AND leg_number = ?", scaledID, legNumber).
			First(&leg).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return exception.ErrLegNotFound
			}
			return err
		}
		if leg.Status != enum.ScaleOrderStatusPending {
			return exception.ErrLegNotPending
		}

		var sp model.ScaledPosition
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&sp, scaledID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return exception.ErrScaleNotFound
			}
			return err
		}

		if err := fn(ctx, &gormTx{tx: tx}, &leg, &sp); err != nil {
			return err
		}

		if err := tx.Save(&leg).Error; err != nil {
			return err
		}

		return tx.Omit("Orders").Save(&sp).Error
	})
}

func (g *Gorm) CancelRemaining(ctx context.Context, scaledID uint, reason string) (int, error) {
	cancelled := 0
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&model.ScaleOrder{}).
			Where("scaled_position_id = ? AND status = ?", scaledID, enum.ScaleOrderStatusPending).
			Updates(map[string]any{
				"status":       enum.ScaleOrderStatusCancelled,
				"cancelled_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		cancelled = int(res.RowsAffected)

		return tx.Model(&model.ScaledPosition{}).
			Where("id = ?", scaledID).
			Updates(map[string]any{"active": false, "completed_at": now}).Error
	})
	if err != nil {
		return 0, err
	}

	logs.Infof("cancelled %d pending legs of scaled position %d: %s", cancelled, scaledID, reason)
	return cancelled, nil
}

func (g *Gorm) ExpireStaleLegs(ctx context.Context, cutoff time.Time) (int, error) {
	expired := 0
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ScaleOrder{}).
			Where("status = ? AND created_at < ?", enum.ScaleOrderStatusPending, cutoff).
			Update("status", enum.ScaleOrderStatusExpired)
		if res.Error != nil {
			return res.Error
		}
		expired = int(res.RowsAffected)
		if expired == 0 {
			return nil
		}

		// Deactivate parents left without any pending leg.
		return tx.Exec(
			`UPDATE scaled_positions SET active = FALSE, updated_at = ?
			 WHERE active AND NOT EXISTS (
				SELECT 1 FROM scale_orders
				WHERE scale_orders.scaled_position_id = scaled_positions.id
				  AND scale_orders.status = ?
			 )`,
			time.Now().UTC(), enum.ScaleOrderStatusPending,
		).Error
	})
	if err != nil {
		return 0, err
	}

	return expired, nil
}

func (g *Gorm) SaveSnapshot(ctx context.Context, s *model.PortfolioSnapshot) error {
	return g.db.WithContext(ctx).Create(s).Error
}

func (g *Gorm) LatestSnapshot(ctx context.Context) (*model.PortfolioSnapshot, error) {
	var s model.PortfolioSnapshot
	err := g.db.WithContext(ctx).Order("taken_at DESC").First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &s, nil
}

type gormTx struct {
	tx *gorm.DB
}

func (t *gormTx) CreateOpenPosition(ctx context.Context, p *model.Position) error {
	var existing model.Position
	err := t.tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("asset = ? AND status = ?", p.Asset, enum.PositionStatusOpen).
		First(&existing).Error
	switch {
	case err == nil:
		return exception.ErrDuplicatePosition
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}

	p.Status = enum.PositionStatusOpen
	if err := t.tx.WithContext(ctx).Create(p).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return exception.ErrDuplicatePosition
		}
		return err
	}

	return nil
}

func (t *gormTx) Position(ctx context.Context, id uint) (*model.Position, error) {
	var p model.Position
	err := t.tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, exception.ErrPositionNotFound
		}
		return nil, err
	}

	return &p, nil
}

func (t *gormTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	return t.tx.WithContext(ctx).Save(p).Error
}
