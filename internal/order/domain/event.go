// internal/order/domain/event.go
package domain

import "time"

// EventType 是对外发布的订单生命周期事件类型。
type EventType string

const (
	EventOrderPlaced    EventType = "ORDER_PLACED"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventOrderPaid      EventType = "ORDER_PAID"
	EventOrderConfirmed EventType = "ORDER_CONFIRMED"
	EventOrderShipped   EventType = "ORDER_SHIPPED"
	EventOrderDelivered EventType = "ORDER_DELIVERED"
	EventOrderRefunded  EventType = "ORDER_REFUNDED"
)

// OrderEvent 是发布到消息总线的订单事件。
// 下游协作方（通知、数据仓库等）只依赖这个契约。
type OrderEvent struct {
	OrderID     string    `json:"orderId"`
	UserID      string    `json:"userId"`
	Type        EventType `json:"type"`
	State       State     `json:"state"`
	TotalAmount int64     `json:"totalAmount"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// FulfillmentEventType 是履约侧回流的事件类型。
type FulfillmentEventType string

const (
	FulfillmentShipped   FulfillmentEventType = "SHIPPED"
	FulfillmentDelivered FulfillmentEventType = "DELIVERED"
	FulfillmentReturned  FulfillmentEventType = "RETURNED"
)

// FulfillmentEvent 由仓储/物流系统发布，驱动
// CONFIRMED→SHIPPED→DELIVERED 以及退货取消。
type FulfillmentEvent struct {
	OrderID string               `json:"orderId"`
	Type    FulfillmentEventType `json:"type"`
	At      time.Time            `json:"at"`
}
