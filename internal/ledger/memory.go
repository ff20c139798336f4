package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"main/internal/model"
	"main/internal/model/enum"
	"main/pkg/exception"
)

// Memory is an in-process Store used by tests and paper trading. One mutex
// serializes every operation, which also serializes the check-then-write
// sections the same way the postgres transactions do.
type Memory struct {
	mu sync.Mutex

	positions map[uint]*model.Position
	scaled    map[uint]*model.ScaledPosition
	snapshots []model.PortfolioSnapshot

	nextPositionID uint
	nextScaledID   uint
	nextLegID      uint
}

func NewMemory() *Memory {
	return &Memory{
		positions:      make(map[uint]*model.Position),
		scaled:         make(map[uint]*model.ScaledPosition),
		nextPositionID: 1,
		nextScaledID:   1,
		nextLegID:      1,
	}
}

func (m *Memory) CreateOpenPosition(_ context.Context, p *model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.createOpenPositionLocked(p)
}

func (m *Memory) createOpenPositionLocked(p *model.Position) error {
	for _, existing := range m.positions {
		if existing.Asset == p.Asset && existing.Status == enum.PositionStatusOpen {
			return exception.ErrDuplicatePosition
		}
	}

	p.ID = m.nextPositionID
	m.nextPositionID++
	p.Status = enum.PositionStatusOpen
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	copied := *p
	m.positions[p.ID] = &copied
	return nil
}

func (m *Memory) Position(_ context.Context, id uint) (*model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return nil, exception.ErrPositionNotFound
	}

	copied := *p
	return &copied, nil
}

func (m *Memory) OpenPosition(_ context.Context, asset string) (*model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.positions {
		if p.Asset == asset && p.Status == enum.PositionStatusOpen {
			copied := *p
			return &copied, nil
		}
	}

	return nil, exception.ErrPositionNotFound
}

func (m *Memory) OpenPositions(_ context.Context) ([]model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Status == enum.PositionStatusOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })

	return out, nil
}

func (m *Memory) UpdatePosition(_ context.Context, p *model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.updatePositionLocked(p)
}

func (m *Memory) updatePositionLocked(p *model.Position) error {
	if _, ok := m.positions[p.ID]; !ok {
		return exception.ErrPositionNotFound
	}

	p.UpdatedAt = time.Now().UTC()
	copied := *p
	m.positions[p.ID] = &copied
	return nil
}

func (m *Memory) RealizedPnlSince(_ context.Context, since time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0.0
	for _, p := range m.positions {
		if p.Status == enum.PositionStatusClosed && p.ExitTime != nil && !p.ExitTime.Before(since) {
			total += p.RealizedPnl
		}
	}

	return total, nil
}

func (m *Memory) CreateScaledPosition(_ context.Context, sp *model.ScaledPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp.ID = m.nextScaledID
	m.nextScaledID++
	now := time.Now().UTC()
	sp.CreatedAt = now
	sp.UpdatedAt = now
	for i := range sp.Orders {
		sp.Orders[i].ID = m.nextLegID
		m.nextLegID++
		sp.Orders[i].ScaledPositionID = sp.ID
		if sp.Orders[i].CreatedAt.IsZero() {
			sp.Orders[i].CreatedAt = now
		}
	}

	m.scaled[sp.ID] = copyScaled(sp)
	return nil
}

func (m *Memory) ScaledPosition(_ context.Context, id uint) (*model.ScaledPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp, ok := m.scaled[id]
	if !ok {
		return nil, exception.ErrScaleNotFound
	}

	return copyScaled(sp), nil
}

func (m *Memory) ActiveScaledPositions(_ context.Context) ([]model.ScaledPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.ScaledPosition, 0, len(m.scaled))
	for _, sp := range m.scaled {
		if sp.Active {
			out = append(out, *copyScaled(sp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (m *Memory) ExecuteLeg(ctx context.Context, scaledID uint, legNumber int, fn ExecuteLegFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp, ok := m.scaled[scaledID]
	if !ok {
		return exception.ErrScaleNotFound
	}

	legIdx := -1
	for i := range sp.Orders {
		if sp.Orders[i].LegNumber == legNumber {
			legIdx = i
			break
		}
	}
	if legIdx < 0 {
		return exception.ErrLegNotFound
	}
	if sp.Orders[legIdx].Status != enum.ScaleOrderStatusPending {
		return exception.ErrLegNotPending
	}

	// Work on copies so a failed fn leaves the store untouched.
	spCopy := copyScaled(sp)
	leg := &spCopy.Orders[legIdx]
	if err := fn(ctx, &memoryTx{store: m}, leg, spCopy); err != nil {
		return err
	}

	spCopy.UpdatedAt = time.Now().UTC()
	m.scaled[scaledID] = spCopy
	return nil
}

func (m *Memory) CancelRemaining(_ context.Context, scaledID uint, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp, ok := m.scaled[scaledID]
	if !ok {
		return 0, exception.ErrScaleNotFound
	}

	now := time.Now().UTC()
	cancelled := 0
	for i := range sp.Orders {
		if sp.Orders[i].Status == enum.ScaleOrderStatusPending {
			sp.Orders[i].Status = enum.ScaleOrderStatusCancelled
			sp.Orders[i].CancelledAt = &now
			cancelled++
		}
	}
	sp.Active = false
	sp.CompletedAt = &now

	return cancelled, nil
}

func (m *Memory) ExpireStaleLegs(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for _, sp := range m.scaled {
		pending := 0
		for i := range sp.Orders {
			leg := &sp.Orders[i]
			if leg.Status != enum.ScaleOrderStatusPending {
				continue
			}
			if leg.CreatedAt.Before(cutoff) {
				leg.Status = enum.ScaleOrderStatusExpired
				expired++
				continue
			}
			pending++
		}
		if pending == 0 {
			sp.Active = false
		}
	}

	return expired, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, s *model.PortfolioSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.ID = uint(len(m.snapshots) + 1)
	m.snapshots = append(m.snapshots, *s)
	return nil
}

func (m *Memory) LatestSnapshot(_ context.Context) (*model.PortfolioSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.snapshots) == 0 {
		return nil, nil
	}

	latest := m.snapshots[len(m.snapshots)-1]
	return &latest, nil
}

// memoryTx reuses the already-held store lock, so it must not re-lock.
type memoryTx struct {
	store *Memory
}

func (t *memoryTx) CreateOpenPosition(_ context.Context, p *model.Position) error {
	return t.store.createOpenPositionLocked(p)
}

func (t *memoryTx) Position(_ context.Context, id uint) (*model.Position, error) {
	p, ok := t.store.positions[id]
	if !ok {
		return nil, exception.ErrPositionNotFound
	}

	copied := *p
	return &copied, nil
}

func (t *memoryTx) UpdatePosition(_ context.Context, p *model.Position) error {
	return t.store.updatePositionLocked(p)
}

func copyScaled(sp *model.ScaledPosition) *model.ScaledPosition {
	copied := *sp
	copied.Orders = make([]model.ScaleOrder, len(sp.Orders))
	copy(copied.Orders, sp.Orders)
	return &copied
}
