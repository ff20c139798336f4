package model

import (
	"time"

	"main/internal/model/enum"
)

// ScaledPosition aggregates a gradually-filled size in one direction.
// Invariants: FilledSize+RemainingSize == TargetSize at every observation,
// and AvgPrice == TotalCost/FilledSize once FilledSize > 0.
type ScaledPosition struct {
	ID             uint                `gorm:"primaryKey"`
	Asset          string              `gorm:"size:32;index"`
	Direction      enum.ScaleDirection `gorm:"size:16"`
	TargetSize     float64
	FilledSize     float64
	RemainingSize  float64
	AvgPrice       float64
	TotalCost      float64
	ScalesTotal    int
	ScalesExecuted int
	Active         bool   `gorm:"index"`
	DecisionID     string `gorm:"size:64"`
	PositionID     *uint  `gorm:"index"`
	// OriginalSize is the pre-scaling position size; exit P&L is computed
	// against it, not against the shrinking remainder.
	OriginalSize float64
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Orders []ScaleOrder `gorm:"foreignKey:ScaledPositionID"`
}

// fillEpsilon absorbs float drift when leg sizes are summed back up; a
// residual below it counts as fully filled.
const fillEpsilon = 1e-9

// Filled reports whether every targeted unit has been bought or sold.
func (sp *ScaledPosition) Filled() bool {
	return sp.RemainingSize <= 0 && sp.FilledSize > 0
}

// ApplyFill folds one leg fill into the running totals.
func (sp *ScaledPosition) ApplyFill(size, price float64) {
	sp.FilledSize += size
	sp.RemainingSize = sp.TargetSize - sp.FilledSize
	if sp.RemainingSize < fillEpsilon {
		sp.RemainingSize = 0
	}
	sp.TotalCost += size * price
	if sp.FilledSize > 0 {
		sp.AvgPrice = sp.TotalCost / sp.FilledSize
	}
	sp.ScalesExecuted++
}
