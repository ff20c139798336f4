package model

import (
	"time"

	"main/internal/model/enum"
)

// Position is one trade held by the bot, created on a successful buy fill
// and mutated on exit. Rows are never deleted; at most one OPEN position
// may exist per asset.
type Position struct {
	ID          uint                `gorm:"primaryKey"`
	Asset       string              `gorm:"size:32;index"`
	Side        enum.Side           `gorm:"size:8"`
	Status      enum.PositionStatus `gorm:"size:16;index"`
	EntryPrice  float64
	Size        float64
	EntryTime   time.Time
	StopLoss    float64
	TakeProfit  *float64
	ExitPrice   *float64
	ExitTime    *time.Time
	ExitReason  string `gorm:"size:64"`
	RealizedPnl float64
	PnlPct      float64
	OrderID     string `gorm:"size:64"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsOpen reports whether the position still holds exposure.
func (p *Position) IsOpen() bool {
	return p.Status == enum.PositionStatusOpen
}

// AgeAt returns how long the position has been held as of now.
func (p *Position) AgeAt(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// UnrealizedPnlPct returns the percentage move from entry at the given price.
func (p *Position) UnrealizedPnlPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}

	return (price - p.EntryPrice) / p.EntryPrice * 100
}
