// internal/order/application/saga/payment.go
package saga

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"orderflow/internal/order/domain"
)

// PaymentHandler 负责发起支付：RESERVED → PAYING。
// 扣款结果由支付方回调异步送达，这里只发起，不等待。
// 关键约束：此后 Saga 挂起等待回调，手里不压任何库存锁。
type PaymentHandler struct {
	NextHandler
}

func (h *PaymentHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.InitiatePayment")
	defer span.End()

	order := orderCtx.Order
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.Int64("amount", order.TotalAmount),
	)

	p, err := orderCtx.Payments.Initiate(ctx, order.ID, order.TotalAmount)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment initiation failed")
		return err
	}
	order.PaymentID = p.ID

	if err := order.TransitionTo(domain.StatePaying); err != nil {
		return err
	}
	if err := orderCtx.Repo.Save(ctx, order); err != nil {
		return err
	}
	span.AddEvent("payment initiated, awaiting provider webhook")

	return h.executeNext(orderCtx)
}
