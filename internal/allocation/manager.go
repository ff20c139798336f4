package allocation

import (
	"fmt"
	"strings"

	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/ops"
)

// Manager applies tier-based concentration caps. The symbol->tier table is
// built once from static configuration and is safe for concurrent reads.
// Unknown symbols classify Excluded with zero capacity.
type Manager struct {
	tierBySymbol map[string]enum.Tier
	limits       map[enum.Tier]ops.TierConfig
}

// Capacity is the manager's sizing answer for one request.
type Capacity struct {
	Approved  float64
	Remaining float64
	Reason    string
}

func NewManager(cfg ops.TiersConfig) *Manager {
	m := &Manager{
		tierBySymbol: make(map[string]enum.Tier),
		limits: map[enum.Tier]ops.TierConfig{
			enum.Tier1: cfg.Tier1,
			enum.Tier2: cfg.Tier2,
			enum.Tier3: cfg.Tier3,
		},
	}

	for tier, tierCfg := range m.limits {
		for _, symbol := range tierCfg.Symbols {
			m.tierBySymbol[normalize(symbol)] = tier
		}
	}
	// Exclusions win over tier membership.
	for _, symbol := range cfg.Exclusions {
		m.tierBySymbol[normalize(symbol)] = enum.TierExcluded
	}

	return m
}

// TierOf classifies a symbol, failing closed to Excluded.
func (m *Manager) TierOf(symbol string) enum.Tier {
	if tier, ok := m.tierBySymbol[normalize(symbol)]; ok {
		return tier
	}

	return enum.TierExcluded
}

// Capacity clamps a requested USD size to the tier's remaining headroom.
func (m *Manager) Capacity(tier enum.Tier, portfolioValue, currentTierAllocation, requested float64) Capacity {
	if !tier.Tradeable() {
		return Capacity{Reason: "symbol is excluded from trading"}
	}

	limit, ok := m.limits[tier]
	if !ok {
		return Capacity{Reason: fmt.Sprintf("no limits configured for %s", tier)}
	}

	ceiling := portfolioValue * limit.MaxAllocPct / 100
	remaining := ceiling - currentTierAllocation
	if remaining <= 0 {
		return Capacity{
			Remaining: 0,
			Reason: fmt.Sprintf("%s limit reached: %.2f of %.2f allocated",
				tier, currentTierAllocation, ceiling),
		}
	}

	if requested > remaining {
		return Capacity{
			Approved:  remaining,
			Remaining: remaining,
			Reason: fmt.Sprintf("%s limit: reduced %.2f to remaining capacity %.2f (cap %.2f)",
				tier, requested, remaining, ceiling),
		}
	}

	return Capacity{Approved: requested, Remaining: remaining}
}

// CurrentAllocation sums the entry cost of open positions in the tier.
func (m *Manager) CurrentAllocation(positions []model.Position, tier enum.Tier) float64 {
	total := 0.0
	for i := range positions {
		if m.TierOf(positions[i].Asset) == tier {
			total += positions[i].Size * positions[i].EntryPrice
		}
	}

	return total
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
