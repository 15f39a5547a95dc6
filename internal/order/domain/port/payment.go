// internal/order/domain/port/payment.go
package port

import (
	"context"

	"orderflow/internal/payment"
)

// PaymentService 是 Saga 对支付适配器的出站端口。
type PaymentService interface {
	Initiate(ctx context.Context, orderID string, amount int64) (*payment.Payment, error)
	Apply(ctx context.Context, ev *payment.Event) (*payment.Payment, error)
	Refund(ctx context.Context, orderID string) (*payment.Payment, error)
}
