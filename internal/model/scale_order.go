package model

import (
	"time"

	"main/internal/model/enum"
)

// ScaleOrder is one leg of a ScaledPosition. Status transitions are one-way:
// PENDING -> EXECUTED | CANCELLED | EXPIRED.
type ScaleOrder struct {
	ID               uint `gorm:"primaryKey"`
	ScaledPositionID uint `gorm:"index"`
	LegNumber        int
	Status           enum.ScaleOrderStatus `gorm:"size:16;index"`
	Trigger          enum.ScaleTrigger     `gorm:"size:16"`
	TriggerPrice     float64
	TriggerPct       float64
	TargetSize       float64
	ExecutedSize     float64
	ExecutedPrice    float64
	CreatedAt        time.Time
	ExecutedAt       *time.Time
	CancelledAt      *time.Time
}

// Eligible reports whether the leg's trigger is met at the given price.
// IMMEDIATE legs are always eligible; entry triggers fire at or below the
// trigger price, exit triggers at or above it. TRAILING_STOP is owned by
// the trailing-stop tracker and never fires on a plain price comparison.
func (o *ScaleOrder) Eligible(price float64) bool {
	if o.Status != enum.ScaleOrderStatusPending {
		return false
	}

	switch o.Trigger {
	case enum.ScaleTriggerImmediate:
		return true
	case enum.ScaleTriggerPriceDrop, enum.ScaleTriggerCapitulation:
		return price <= o.TriggerPrice
	case enum.ScaleTriggerProfitTarget:
		return price >= o.TriggerPrice
	default:
		return false
	}
}
