// internal/order/domain/port/cart.go
package port

import "context"

// CartLine 是购物车里的一个条目。
type CartLine struct {
	ProductID string
	Quantity  int64
}

// CartService 是对购物车服务的只读出站端口，
// 结算时调用一次以获取行项目。
type CartService interface {
	GetCheckoutLines(ctx context.Context, userID string) ([]CartLine, error)
}
