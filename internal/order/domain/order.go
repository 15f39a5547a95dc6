// internal/order/domain/order.go
package domain

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// 单行数量与单价的上限。意义是让 int64 金额运算不可能溢出，
// 不是业务限购：上限乘积仍远小于 math.MaxInt64。
const (
	maxItemQuantity  = 1_000_000
	maxItemUnitPrice = 1_000_000_000_000 // 最小货币单位
)

// Item 是订单里的一个行项目。
// 名称与单价在建单时从商品目录快照而来，此后永不回读：
// 目录价格随后怎么变，订单金额都不再变化。
type Item struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice"` // 最小货币单位（分）
	Quantity  int64  `json:"quantity"`
}

// StatusChange 是状态历史里的一条记录。每次转移都会追加一条。
type StatusChange struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Order 是订单聚合的根实体。
type Order struct {
	ID            string         `json:"orderId"`
	UserID        string         `json:"userId"`
	State         State          `json:"status"`
	Items         []Item         `json:"items"`
	TotalAmount   int64          `json:"totalAmount"`
	ReservationID string         `json:"reservationId,omitempty"`
	PaymentID     string         `json:"paymentId,omitempty"`
	History       []StatusChange `json:"history"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// NewOrder 创建一个新订单。金额在这里一次性算定（快照不变量）。
func NewOrder(id, userID string, items []Item) (*Order, error) {
	if id == "" || userID == "" || len(items) == 0 {
		return nil, errors.New("cannot create order with empty required fields")
	}

	var total int64
	for _, item := range items {
		if item.Quantity <= 0 || item.Quantity > maxItemQuantity {
			return nil, errors.Errorf("invalid quantity %d for product %s", item.Quantity, item.ProductID)
		}
		if item.UnitPrice < 0 || item.UnitPrice > maxItemUnitPrice {
			return nil, errors.Errorf("invalid price %d for product %s", item.UnitPrice, item.ProductID)
		}
		line := item.UnitPrice * item.Quantity
		if total > math.MaxInt64-line {
			return nil, errors.Errorf("order total overflows for product %s", item.ProductID)
		}
		total += line
	}

	now := time.Now()
	return &Order{
		ID:          id,
		UserID:      userID,
		State:       StateCreated,
		Items:       items,
		TotalAmount: total,
		History:     []StatusChange{{From: "", To: StateCreated, At: now}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// TransitionTo 执行一次状态转移并追加历史。
// 不合法的转移返回 *InvalidTransitionError，订单保持原状。
func (o *Order) TransitionTo(to State) error {
	if !o.State.CanTransitionTo(to) {
		return &InvalidTransitionError{OrderID: o.ID, From: o.State, To: to}
	}
	now := time.Now()
	o.History = append(o.History, StatusChange{From: o.State, To: to, At: now})
	o.State = to
	o.UpdatedAt = now
	return nil
}

// Cancellable 判断当前状态是否允许用户直接取消。
// PAID 之后钱已经动了，只能走退款，不能走普通取消。
func (o *Order) Cancellable() bool {
	switch o.State {
	case StateCreated, StateReserving, StateReserved, StatePaying, StateConfirmed:
		return true
	}
	return false
}

// Shipped 判断货物是否已经出库（用于回补库存的策略输入）。
func (o *Order) Shipped() bool {
	for _, h := range o.History {
		if h.To == StateShipped {
			return true
		}
	}
	return false
}

// ErrCancellationNotAllowed: 在不允许取消的状态上请求取消。
// 已支付的订单对应的提示是"走退款"，所以单独成一个错误。
var ErrCancellationNotAllowed = errors.New("order: cancellation not allowed in current state, use refund after payment")

// ErrOrderNotFound 由仓储层返回。
var ErrOrderNotFound = errors.New("order: not found")
