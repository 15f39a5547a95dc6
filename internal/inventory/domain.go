// internal/inventory/domain.go
package inventory

import (
	"fmt"
	"time"
)

// StockView 是某个商品库存计数器的一次一致性读。
// Version 是乐观并发令牌：每次成功的变更都会使其 +1。
type StockView struct {
	ProductID string
	Available int64
	Reserved  int64
	Version   int64
	UpdatedAt time.Time
}

// TransactionType 是台账流水的类型。
type TransactionType string

const (
	TxReserve    TransactionType = "RESERVE"
	TxRelease    TransactionType = "RELEASE"
	TxConfirm    TransactionType = "CONFIRM"
	TxRestock    TransactionType = "RESTOCK"
	TxAdjustment TransactionType = "ADJUSTMENT"
)

// Transaction 是追加写入的库存流水，一旦写入不可修改。
// 仅用于审计、重放和对账。
type Transaction struct {
	ID             string
	ProductID      string
	Type           TransactionType
	QuantityChange int64  // 有符号：对 available 的净变化（RESERVE 为负，RELEASE/RESTOCK 为正，CONFIRM 为 0 但 reserved 减少）
	ReferenceID    string // 关联的订单/预占 ID
	CreatedAt      time.Time
}

// Delta 是台账唯一的底层变更原语的入参。
// 两个增量在同一原子单元内生效，且仅当当前版本等于 ExpectedVersion。
type Delta struct {
	ProductID       string
	AvailableDelta  int64
	ReservedDelta   int64
	ExpectedVersion int64
	Type            TransactionType
	ReferenceID     string
}

// ErrProductNotFound 表示该商品从未加载过库存。
var ErrProductNotFound = fmt.Errorf("inventory: product not found")

// ConflictError 表示版本号不匹配（乐观并发冲突）。
// 调用方应重新读取并重试，属于可恢复的瞬时错误。
type ConflictError struct {
	ProductID       string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("inventory: version conflict on %s (expected %d, actual %d)",
		e.ProductID, e.ExpectedVersion, e.ActualVersion)
}

// InsufficientStockError 表示应用增量后计数器会变成负数。
// 这是正常的业务结果而不是故障，绝不重试。
type InsufficientStockError struct {
	ProductID string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for %s (requested %d, available %d)",
		e.ProductID, e.Requested, e.Available)
}
