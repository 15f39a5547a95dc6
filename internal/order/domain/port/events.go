// internal/order/domain/port/events.go
package port

import (
	"context"

	"orderflow/internal/order/domain"
)

// EventPublisher 把订单生命周期事件发布给下游协作方。
type EventPublisher interface {
	Publish(ctx context.Context, ev *domain.OrderEvent) error
}

// InventoryRestocker 是策略允许回补库存时用到的窄接口。
// 由台账实现；Saga 永远不直接动计数器。
type InventoryRestocker interface {
	Restock(ctx context.Context, productID string, quantity int64, referenceID string) error
}
