// internal/order/domain/state.go
package domain

import "fmt"

// State 定义了订单的生命周期状态。
type State string

const (
	StateCreated   State = "CREATED"   // 订单已落库，条目与价格已快照
	StateReserving State = "RESERVING" // 正在预占库存
	StateReserved  State = "RESERVED"  // 库存预占成功
	StatePaying    State = "PAYING"    // 已向支付方发起扣款，等待回调
	StatePaid      State = "PAID"      // 支付方确认扣款成功
	StateConfirmed State = "CONFIRMED" // 预占已落定为售出
	StateShipped   State = "SHIPPED"   // 已发货
	StateDelivered State = "DELIVERED" // 已签收（终态）
	StateCancelled State = "CANCELLED" // 已取消（终态）
	StateRefunded  State = "REFUNDED"  // 已退款（终态）
)

// transitions 是唯一的状态转移表。不在表里的转移一律拒绝，
// 不允许跳过中间状态。
var transitions = map[State][]State{
	StateCreated:   {StateReserving, StateCancelled},
	StateReserving: {StateReserved, StateCancelled},
	StateReserved:  {StatePaying, StateCancelled},
	StatePaying:    {StatePaid, StateCancelled},
	StatePaid:      {StateConfirmed, StateRefunded},
	StateConfirmed: {StateShipped, StateCancelled},
	StateShipped:   {StateDelivered, StateCancelled},
	// DELIVERED / CANCELLED / REFUNDED 没有出边
}

// CanTransitionTo 查表判断转移是否合法。
func (s State) CanTransitionTo(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断是否为终态。终态没有任何出边。
func (s State) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// InvalidTransitionError 表示尝试了转移表之外的转移。
// 这是编程/时序错误：记日志后订单保持原状。
type InvalidTransitionError struct {
	OrderID string
	From    State
	To      State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: invalid transition %s -> %s", e.OrderID, e.From, e.To)
}
