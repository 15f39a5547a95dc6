// internal/order/application/dto.go
package application

// OrderLine 是下单请求里的一行。
type OrderLine struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

// CreateOrderRequest 是下单入参。
// Items 为空时从购物车服务拉取结算行。
type CreateOrderRequest struct {
	UserID string      `json:"userId"`
	Items  []OrderLine `json:"items,omitempty"`
}

// CreateOrderResponse 是下单出参。
type CreateOrderResponse struct {
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	TotalAmount int64  `json:"totalAmount"`
}
