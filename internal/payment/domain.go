// internal/payment/domain.go
package payment

import (
	"time"

	"github.com/pkg/errors"
)

// Status 是支付单的状态。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
	StatusCancelled Status = "CANCELLED"
)

// Payment 是一次支付尝试。一个订单至多一张支付单。
// Amount 用最小货币单位（分）的整数表示，避免浮点舍入。
type Payment struct {
	ID                    string    `json:"paymentId"`
	OrderID               string    `json:"orderId"`
	Status                Status    `json:"status"`
	Amount                int64     `json:"amount"`
	ProviderTransactionID string    `json:"providerTransactionId,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// Event 是支付方 webhook 归一化后的内部事件。
// ProviderTransactionID 是去重键：同一笔交易的重复投递只生效一次。
type Event struct {
	PaymentID             string `json:"paymentId"`
	OrderID               string `json:"orderId"`
	Status                Status `json:"status"`
	ProviderTransactionID string `json:"providerTransactionId"`
}

var (
	ErrPaymentNotFound = errors.New("payment: not found")

	// ErrBadSignature: webhook 签名校验失败。
	// 拒绝请求但不改任何状态，支付方会按自己的策略重投。
	ErrBadSignature = errors.New("payment: webhook signature verification failed")

	// ErrNotRefundable: 只有 SUCCESS 状态的支付可以退款。
	ErrNotRefundable = errors.New("payment: only successful payments can be refunded")
)
