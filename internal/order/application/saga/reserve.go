// internal/order/application/saga/reserve.go
package saga

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"orderflow/internal/order/domain"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/reservation"
)

// ReserveHandler 负责库存预占步骤：
// CREATED → RESERVING → RESERVED，失败时注册 Release 补偿。
type ReserveHandler struct {
	NextHandler
}

func (h *ReserveHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.ReserveInventory")
	defer span.End()

	order := orderCtx.Order

	if err := order.TransitionTo(domain.StateReserving); err != nil {
		return err
	}
	if err := orderCtx.Repo.Save(ctx, order); err != nil {
		return err
	}

	lines := make([]reservation.Line, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, reservation.Line{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	span.SetAttributes(attribute.Int("lines.count", len(lines)))

	// 幂等键绑定订单：同一订单的预占步骤被重放（崩溃恢复、
	// 对账重驱动）时不会重复扣减。新订单拿新键，不在这层保护。
	res, err := orderCtx.Reservations.Reserve(ctx, order.ID, order.ID+":reserve", lines)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inventory reservation failed")
		return err
	}
	order.ReservationID = res.ID
	span.AddEvent("all lines reserved")

	// 后续步骤失败时释放预占。终态粘滞保证重复释放无害。
	orderCtx.AddCompensation(func(compCtx context.Context) {
		compCtx, compSpan := orderCtx.Tracer.Start(compCtx, "saga.compensation.ReleaseReservation")
		defer compSpan.End()
		if err := orderCtx.Reservations.Release(compCtx, res.ID); err != nil {
			compSpan.RecordError(err)
			logger.Ctx(compCtx).Error().Err(err).
				Str("order_id", order.ID).
				Str("reservation_id", res.ID).
				Msg("compensation release failed, reconciliation will retry")
		}
	})

	if err := order.TransitionTo(domain.StateReserved); err != nil {
		return err
	}
	if err := orderCtx.Repo.Save(ctx, order); err != nil {
		return err
	}

	return h.executeNext(orderCtx)
}
