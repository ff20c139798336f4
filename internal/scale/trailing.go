package scale

import (
	"sync"

	"github.com/yanun0323/logs"
)

// TrailingStops tracks the peak price seen per scaled position and trips
// when price falls the configured percent below that peak. Peaks live in
// memory only; after a restart the peak rebuilds from subsequent ticks.
type TrailingStops struct {
	pct float64

	mu    sync.Mutex
	peaks map[uint]float64
}

func NewTrailingStops(pct float64) *TrailingStops {
	return &TrailingStops{
		pct:   pct,
		peaks: make(map[uint]float64),
	}
}

// Observe records the tick and reports whether the trailing stop tripped.
// The trip threshold is peak*(1-pct/100), inclusive.
func (t *TrailingStops) Observe(scaledID uint, price float64) bool {
	if price <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	peak, ok := t.peaks[scaledID]
	if !ok || price > peak {
		t.peaks[scaledID] = price
		return false
	}

	threshold := peak * (1 - t.pct/100)
	if price <= threshold {
		logs.Infof("trailing stop tripped for scaled position %d: price %.2f fell %.1f%% below peak %.2f",
			scaledID, price, t.pct, peak)
		return true
	}

	return false
}

// Peak returns the highest price observed, zero when never observed.
func (t *TrailingStops) Peak(scaledID uint) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.peaks[scaledID]
}

// Forget drops tracking state once the position completes or cancels.
func (t *TrailingStops) Forget(scaledID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.peaks, scaledID)
}
