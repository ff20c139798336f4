package portfolio

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"main/internal/ledger"
	"main/internal/model"
	"main/internal/ops"
)

// minReturnPoints is the smallest aligned return series worth correlating;
// below it a pair falls back to static group membership.
const minReturnPoints = 10

const defaultHistoryCap = 200

// Tracker observes portfolio drawdown and correlated exposure. Price
// history is confined behind its own lock; snapshots go through the ledger.
type Tracker struct {
	store     ledger.Store
	threshold float64
	groupOf   map[string]string

	mu         sync.RWMutex
	history    map[string][]float64
	historyCap int
}

// Exposure describes how much portfolio value moves together.
type Exposure struct {
	Pct    float64
	Groups map[string][]string
}

func NewTracker(store ledger.Store, cfg ops.RiskConfig) *Tracker {
	groupOf := make(map[string]string)
	for name, symbols := range cfg.CorrelationGroups {
		for _, symbol := range symbols {
			groupOf[strings.ToUpper(symbol)] = name
		}
	}

	return &Tracker{
		store:      store,
		threshold:  cfg.CorrelationThreshold,
		groupOf:    groupOf,
		history:    make(map[string][]float64),
		historyCap: defaultHistoryCap,
	}
}

// RecordPrice appends one observation to the symbol's price history.
func (t *Tracker) RecordPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	series := append(t.history[symbol], price)
	if len(series) > t.historyCap {
		series = series[len(series)-t.historyCap:]
	}
	t.history[symbol] = series
}

// CurrentDrawdown returns the latest snapshot's decline from peak equity.
func (t *Tracker) CurrentDrawdown(ctx context.Context) (float64, error) {
	snapshot, err := t.store.LatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snapshot == nil {
		return 0, nil
	}

	return snapshot.Drawdown(), nil
}

// RecordSnapshot persists a new portfolio observation, carrying the peak
// forward from the previous snapshot.
func (t *Tracker) RecordSnapshot(ctx context.Context, value float64, openCount int, dailyPnl float64) (*model.PortfolioSnapshot, error) {
	previous, err := t.store.LatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	peak := value
	if previous != nil && previous.PeakValue > peak {
		peak = previous.PeakValue
	}

	snapshot := &model.PortfolioSnapshot{
		Value:         value,
		PeakValue:     peak,
		OpenPositions: openCount,
		DailyPnl:      dailyPnl,
		TakenAt:       time.Now().UTC(),
	}
	snapshot.DrawdownPct = snapshot.Drawdown()

	if err := t.store.SaveSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}

	return snapshot, nil
}

// CorrelatedExposure computes the fraction of portfolio value held in
// assets whose returns move together at or above the threshold. Pairs with
// insufficient aligned history fall back to static group membership.
func (t *Tracker) CorrelatedExposure(positions []model.Position, portfolioValue float64) Exposure {
	if len(positions) < 2 || portfolioValue <= 0 {
		return Exposure{Groups: map[string][]string{}}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	n := len(positions)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(i, j int) {
		ri, rj := find(i), find(j)
		if ri != rj {
			parent[rj] = ri
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if t.correlatedLocked(positions[i].Asset, positions[j].Asset) {
				union(i, j)
			}
		}
	}

	members := make(map[int][]int)
	for i := 0; i < n; i++ {
		root := find(i)
		members[root] = append(members[root], i)
	}

	groups := make(map[string][]string)
	exposed := 0.0
	for _, idx := range members {
		if len(idx) < 2 {
			continue
		}

		symbols := make([]string, 0, len(idx))
		for _, i := range idx {
			symbols = append(symbols, positions[i].Asset)
			exposed += positions[i].Size * positions[i].EntryPrice
		}
		sort.Strings(symbols)
		groups[symbols[0]] = symbols
	}

	return Exposure{
		Pct:    exposed / portfolioValue * 100,
		Groups: groups,
	}
}

// correlatedLocked decides one pair. Inclusive at the threshold.
func (t *Tracker) correlatedLocked(a, b string) bool {
	returnsA := pctChanges(t.history[a])
	returnsB := pctChanges(t.history[b])

	length := min(len(returnsA), len(returnsB))
	if length < minReturnPoints {
		groupA, okA := t.groupOf[strings.ToUpper(a)]
		groupB, okB := t.groupOf[strings.ToUpper(b)]
		return okA && okB && groupA == groupB
	}

	r := pearson(returnsA[len(returnsA)-length:], returnsB[len(returnsB)-length:])
	return r >= t.threshold
}

func pctChanges(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}

	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		out = append(out, (prices[i]-prices[i-1])/prices[i-1])
	}

	return out
}

func pearson(a, b []float64) float64 {
	n := float64(len(a))
	if n == 0 {
		return 0
	}

	var sumA, sumB float64
	for i := range a {
		sumA += a[i]
		sumB += b[i]
	}
	meanA, meanB := sumA/n, sumB/n

	var cov, varA, varB float64
	for i := range a {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}

	return cov / math.Sqrt(varA*varB)
}
