// internal/order/infrastructure/memory_repository.go
package infrastructure

import (
	"context"
	"sync"

	"orderflow/internal/order/domain"
)

// MemoryOrderRepository 是订单仓储的内存实现，
// 用于测试和本地联调。读写都返回深拷贝，调用方改聚合不会污染存储。
type MemoryOrderRepository struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
}

func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{orders: make(map[string]*domain.Order)}
}

func (r *MemoryOrderRepository) Save(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *MemoryOrderRepository) FindByID(_ context.Context, id string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func cloneOrder(o *domain.Order) *domain.Order {
	cp := *o
	cp.Items = append([]domain.Item(nil), o.Items...)
	cp.History = append([]domain.StatusChange(nil), o.History...)
	return &cp
}
