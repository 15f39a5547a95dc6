// internal/reservation/memory_repository.go
package reservation

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository 是 Repository 的进程内实现。
type MemoryRepository struct {
	mu    sync.Mutex
	items map[string]*Reservation
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string]*Reservation)}
}

func (m *MemoryRepository) Create(_ context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Lines = append([]Line(nil), r.Lines...)
	m.items[r.ID] = &cp
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *r
	cp.Lines = append([]Line(nil), r.Lines...)
	return &cp, nil
}

func (m *MemoryRepository) FinishHeld(_ context.Context, id string, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok {
		return false, ErrReservationNotFound
	}
	if r.Status != StatusHeld {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryRepository) FindExpired(_ context.Context, now time.Time, limit int) ([]*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Reservation
	for _, r := range m.items {
		if r.Status == StatusHeld && !r.ExpiresAt.After(now) {
			cp := *r
			cp.Lines = append([]Line(nil), r.Lines...)
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
