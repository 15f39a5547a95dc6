// internal/payment/repository.go
package payment

import "context"

// Repository 是支付单的持久化接口。
type Repository interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByOrderID(ctx context.Context, orderID string) (*Payment, error)
	UpdateStatus(ctx context.Context, id string, status Status, providerTxID string) error
}
