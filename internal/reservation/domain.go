// internal/reservation/domain.go
package reservation

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Status 是预占的状态。HELD 是唯一的非终态；
// 预占恰好进入一个终态且永不重开。
type Status string

const (
	StatusHeld      Status = "HELD"
	StatusCommitted Status = "COMMITTED"
	StatusReleased  Status = "RELEASED"
)

// Line 是预占中的一个条目。
type Line struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

// Reservation 与一个订单在某一时刻的行项目一一对应。
// 创建是跨全部条目的 all-or-nothing。
type Reservation struct {
	ID        string    `json:"reservationId"`
	OrderID   string    `json:"orderId"`
	Lines     []Line    `json:"lines"`
	Status    Status    `json:"status"`
	ExpiresAt time.Time `json:"expiresAt"` // 超过该时刻仍为 HELD 会被清扫器释放
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var (
	ErrReservationNotFound = errors.New("reservation: not found")

	// ErrAlreadyCommitted: 对 COMMITTED 预占调用 Release。
	// 已售出的库存不能从这条路径回退，属于调用方的顺序错误。
	ErrAlreadyCommitted = errors.New("reservation: already committed, sold stock cannot be un-sold")

	// ErrAlreadyReleased: 对 RELEASED 预占调用 Commit。
	// 典型场景是超时清扫赢了迟到的支付回调。
	ErrAlreadyReleased = errors.New("reservation: already released")
)

// RetryExhaustedError 表示乐观冲突重试次数用尽。
// 对上游等同于预占失败，订单应取消。
type RetryExhaustedError struct {
	ProductID string
	Attempts  int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("reservation: retries exhausted for %s after %d attempts", e.ProductID, e.Attempts)
}
