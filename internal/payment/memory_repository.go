// internal/payment/memory_repository.go
package payment

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository 是 Repository 的进程内实现。
type MemoryRepository struct {
	mu      sync.Mutex
	byID    map[string]*Payment
	byOrder map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]*Payment),
		byOrder: make(map[string]string),
	}
}

func (m *MemoryRepository) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.byID[p.ID] = &cp
	m.byOrder[p.OrderID] = p.ID
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepository) GetByOrderID(_ context.Context, orderID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, id string, status Status, providerTxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return ErrPaymentNotFound
	}
	p.Status = status
	if providerTxID != "" {
		p.ProviderTransactionID = providerTxID
	}
	p.UpdatedAt = time.Now()
	return nil
}
