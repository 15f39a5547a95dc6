// internal/inventory/ledger.go
package inventory

import "context"

// Ledger 是库存计数器的唯一持有者。
// 所有库存变更都必须经过 ApplyDelta 这一条路径，
// 这样每一次变更都有版本校验，并且在同一原子单元里追加一条流水。
type Ledger interface {
	// GetStock 只读，不加锁，可以由副本提供。
	GetStock(ctx context.Context, productID string) (StockView, error)

	// ApplyDelta 原子地应用两个增量并把版本 +1，
	// 前提是当前版本等于 d.ExpectedVersion 且两个计数器结果均 >= 0。
	// 版本不匹配返回 *ConflictError，计数器会变负返回 *InsufficientStockError。
	// 成功时返回新版本号。
	ApplyDelta(ctx context.Context, d Delta) (int64, error)

	// Restock 补货。商品第一次出现时创建记录（首次铺货），
	// 否则内部带重试地增加 available。
	Restock(ctx context.Context, productID string, quantity int64, referenceID string) error

	// Adjust 人工校正可卖数量（盘点差异）。delta 可以为负，
	// 但不允许把计数器调成负数。未铺货的商品返回 ErrProductNotFound。
	Adjust(ctx context.Context, productID string, delta int64, referenceID string) error

	// Transactions 返回某商品的全部流水（按时间升序），用于审计与对账。
	Transactions(ctx context.Context, productID string) ([]Transaction, error)
}
