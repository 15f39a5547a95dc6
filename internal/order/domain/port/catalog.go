// internal/order/domain/port/catalog.go
package port

import "context"

// CatalogProduct 是目录侧的商品读。价格用最小货币单位。
type CatalogProduct struct {
	ProductID string
	Name      string
	Price     int64
}

// CatalogService 是对商品目录的只读出站端口。
// 每个订单在建单时各商品只查一次，此后价格永不回读。
type CatalogService interface {
	GetProduct(ctx context.Context, productID string) (*CatalogProduct, error)
}
