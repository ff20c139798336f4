package allocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/ops"
)

func tiersForTest() ops.TiersConfig {
	return ops.TiersConfig{
		Tier1:      ops.TierConfig{Symbols: []string{"BTCUSD", "ETHUSD"}, MaxAllocPct: 60},
		Tier2:      ops.TierConfig{Symbols: []string{"SOLUSD", "ADAUSD"}, MaxAllocPct: 25},
		Tier3:      ops.TierConfig{Symbols: []string{"DOGEUSD"}, MaxAllocPct: 15},
		Exclusions: []string{"LUNAUSD", "DOGEUSD"},
	}
}

func TestTierOf(t *testing.T) {
	m := NewManager(tiersForTest())

	assert.Equal(t, enum.Tier1, m.TierOf("BTCUSD"))
	assert.Equal(t, enum.Tier1, m.TierOf("btcusd"))
	assert.Equal(t, enum.Tier2, m.TierOf("SOLUSD"))
	// Exclusions win over tier membership.
	assert.Equal(t, enum.TierExcluded, m.TierOf("DOGEUSD"))
	// Unknown symbols fail closed.
	assert.Equal(t, enum.TierExcluded, m.TierOf("PEPEUSD"))
}

func TestCapacityApprovesWithinHeadroom(t *testing.T) {
	m := NewManager(tiersForTest())

	// 100k portfolio, tier2 cap 25% = 25k, 10k already allocated.
	c := m.Capacity(enum.Tier2, 100_000, 10_000, 10_000)
	assert.InDelta(t, 10_000, c.Approved, 1e-9)
	assert.InDelta(t, 15_000, c.Remaining, 1e-9)
	assert.Empty(t, c.Reason)
}

func TestCapacityClampsToRemaining(t *testing.T) {
	m := NewManager(tiersForTest())

	c := m.Capacity(enum.Tier2, 100_000, 20_000, 10_000)
	assert.InDelta(t, 5_000, c.Approved, 1e-9)
	assert.Contains(t, c.Reason, "TIER_2")
}

func TestCapacityRejectsAtCap(t *testing.T) {
	m := NewManager(tiersForTest())

	c := m.Capacity(enum.Tier2, 100_000, 25_000, 1_000)
	assert.Zero(t, c.Approved)
	assert.Contains(t, c.Reason, "limit reached")
}

func TestCapacityRejectsExcluded(t *testing.T) {
	m := NewManager(tiersForTest())

	c := m.Capacity(enum.TierExcluded, 100_000, 0, 1_000)
	assert.Zero(t, c.Approved)
	assert.Contains(t, c.Reason, "excluded")
}

func TestCurrentAllocationSumsEntryCost(t *testing.T) {
	m := NewManager(tiersForTest())
	now := time.Now().UTC()
	positions := []model.Position{
		{Asset: "BTCUSD", Status: enum.PositionStatusOpen, Size: 0.5, EntryPrice: 40_000, EntryTime: now},
		{Asset: "ETHUSD", Status: enum.PositionStatusOpen, Size: 10, EntryPrice: 2_000, EntryTime: now},
		{Asset: "SOLUSD", Status: enum.PositionStatusOpen, Size: 100, EntryPrice: 150, EntryTime: now},
	}

	assert.InDelta(t, 40_000, m.CurrentAllocation(positions, enum.Tier1), 1e-9)
	assert.InDelta(t, 15_000, m.CurrentAllocation(positions, enum.Tier2), 1e-9)
}

func TestTierCapacityScenario(t *testing.T) {
	// $100k portfolio, $52k already in tier1 (cap 60%): a $10k request
	// gets reduced to the remaining $8k.
	m := NewManager(tiersForTest())

	c := m.Capacity(enum.Tier1, 100_000, 52_000, 10_000)
	require.InDelta(t, 8_000, c.Approved, 1e-9)
	assert.Contains(t, c.Reason, "TIER_1")
}
