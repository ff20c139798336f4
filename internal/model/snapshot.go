package model

import "time"

// PortfolioSnapshot is a point-in-time portfolio observation feeding the
// drawdown tracker and daily-loss gate.
type PortfolioSnapshot struct {
	ID            uint `gorm:"primaryKey"`
	Value         float64
	PeakValue     float64
	DrawdownPct   float64
	OpenPositions int
	DailyPnl      float64
	TakenAt       time.Time `gorm:"index"`
}

// Drawdown returns the percentage decline from peak, never negative.
func (s PortfolioSnapshot) Drawdown() float64 {
	if s.PeakValue <= 0 || s.Value >= s.PeakValue {
		return 0
	}

	return (s.PeakValue - s.Value) / s.PeakValue * 100
}
