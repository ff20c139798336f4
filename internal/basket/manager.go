package basket

import (
	"time"

	"main/internal/model"
	"main/internal/ops"
)

// Manager scores held positions and decides when a stronger candidate
// should displace the weakest holding. Scores are 0-100 with 50 neutral.
type Manager struct {
	cfg ops.BasketConfig
}

// Score breaks one position's score into its weighted components.
type Score struct {
	PositionID uint
	Asset      string
	Total      float64
	Pnl        float64
	Age        float64
	Momentum   float64
}

// Rotation is the manager's verdict on replacing the weakest position.
type Rotation struct {
	Rotate  bool
	Weakest *Score
	Reason  string
}

func NewManager(cfg ops.BasketConfig) *Manager {
	return &Manager{cfg: cfg}
}

// CanOpenNew reports whether the basket has a free slot.
func (m *Manager) CanOpenNew(openCount int) bool {
	return openCount < m.cfg.MaxPositions
}

// ScorePosition computes the rotation score: 40% unrealized P&L, 20% age
// bucket, 40% momentum. Momentum comes in pre-normalized 0-100; callers
// without a momentum signal pass 50.
func (m *Manager) ScorePosition(p *model.Position, price, momentum float64, now time.Time) Score {
	return Score{
		PositionID: p.ID,
		Asset:      p.Asset,
		Pnl:        pnlScore(p.UnrealizedPnlPct(price)),
		Age:        m.ageScore(p.AgeAt(now)),
		Momentum:   clampScore(momentum),
	}.totaled()
}

func (s Score) totaled() Score {
	s.Total = s.Pnl*0.4 + s.Age*0.2 + s.Momentum*0.4
	return s
}

// pnlScore maps unrealized P&L percent onto 0-100 with 50 at breakeven,
// saturating at +-50%.
func pnlScore(pnlPct float64) float64 {
	return clampScore(50 + pnlPct)
}

// ageScore favors positions in their prime window and penalizes stale ones.
func (m *Manager) ageScore(age time.Duration) float64 {
	switch {
	case age < m.cfg.AgeYoung:
		return 70
	case age < m.cfg.AgePrime:
		return 100
	case age < m.cfg.AgeOld:
		return 50
	default:
		return 20
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}

	return v
}

// Weakest returns the lowest-scoring position past its minimum hold.
// Positions still inside MinHold are not rotation candidates.
func (m *Manager) Weakest(scores []Score, positions []model.Position, now time.Time) *Score {
	byID := make(map[uint]*model.Position, len(positions))
	for i := range positions {
		byID[positions[i].ID] = &positions[i]
	}

	var weakest *Score
	for i := range scores {
		s := &scores[i]
		p, ok := byID[s.PositionID]
		if !ok || p.AgeAt(now) < m.cfg.MinHold {
			continue
		}
		if weakest == nil || s.Total < weakest.Total {
			weakest = s
		}
	}

	return weakest
}

// ShouldRotate decides whether a new candidate displaces the weakest
// holding. All three thresholds must hold and the basket must be full.
func (m *Manager) ShouldRotate(newScore float64, scores []Score, positions []model.Position, now time.Time) Rotation {
	if m.CanOpenNew(len(positions)) {
		return Rotation{Reason: "basket has a free slot, open directly"}
	}
	if newScore < m.cfg.RotateMinScore {
		return Rotation{Reason: "candidate score below rotation minimum"}
	}

	weakest := m.Weakest(scores, positions, now)
	if weakest == nil {
		return Rotation{Reason: "no position past minimum hold"}
	}
	if weakest.Total > m.cfg.RotateWeakScore {
		return Rotation{Weakest: weakest, Reason: "weakest position still above weak threshold"}
	}
	if newScore-weakest.Total < m.cfg.RotateImprovement {
		return Rotation{Weakest: weakest, Reason: "improvement below rotation threshold"}
	}

	return Rotation{Rotate: true, Weakest: weakest, Reason: "candidate displaces weakest holding"}
}
