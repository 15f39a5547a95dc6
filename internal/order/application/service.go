// internal/order/application/service.go
package application

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"orderflow/internal/idempotency"
	"orderflow/internal/order/application/saga"
	"orderflow/internal/order/domain"
	"orderflow/internal/order/domain/port"
	"orderflow/internal/payment"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/metrics"
	"orderflow/internal/policy"
	"orderflow/internal/reservation"
)

// Service 是订单应用服务，编排整个下单 Saga 以及
// 之后由回调/事件驱动的生命周期推进。
type Service struct {
	repo         domain.OrderRepository
	catalog      port.CatalogService
	cart         port.CartService
	reservations port.ReservationService
	payments     port.PaymentService
	publisher    port.EventPublisher
	restocker    port.InventoryRestocker
	idem         idempotency.Store
	restock      *policy.RestockPolicy
	tracer       trace.Tracer
}

func NewService(
	repo domain.OrderRepository,
	catalog port.CatalogService,
	cart port.CartService,
	reservations port.ReservationService,
	payments port.PaymentService,
	publisher port.EventPublisher,
	restocker port.InventoryRestocker,
	idem idempotency.Store,
	restock *policy.RestockPolicy,
	tracer trace.Tracer,
) *Service {
	return &Service{
		repo:         repo,
		catalog:      catalog,
		cart:         cart,
		reservations: reservations,
		payments:     payments,
		publisher:    publisher,
		restocker:    restocker,
		idem:         idem,
		restock:      restock,
		tracer:       tracer,
	}
}

// CreateOrder 执行下单 Saga 的同步部分：
// 建单（价格快照）→ 预占库存 → 发起支付。
// 任何一步失败都触发补偿并把订单落到 CANCELLED。
func (s *Service) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.CreateOrder")
	defer span.End()
	start := time.Now()
	defer func() { metrics.SagaDuration.Observe(time.Since(start).Seconds()) }()

	items, err := s.snapshotItems(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	order, err := domain.NewOrder(uuid.New().String(), req.UserID, items)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.Int64("order.total", order.TotalAmount),
	)
	if err := s.repo.Save(ctx, order); err != nil {
		return nil, errors.Wrap(err, "persist new order")
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(domain.StateCreated)).Inc()
	s.publish(ctx, order, domain.EventOrderPlaced, "")

	orderCtx := &saga.OrderContext{
		Ctx:          ctx,
		Order:        order,
		Tracer:       s.tracer,
		Repo:         s.repo,
		Reservations: s.reservations,
		Payments:     s.payments,
	}
	reserveStep := &saga.ReserveHandler{}
	reserveStep.SetNext(&saga.PaymentHandler{})

	if err := reserveStep.Handle(orderCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "order saga failed")
		s.failSaga(ctx, orderCtx, err)
		return order, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(order.State)).Inc()
	logger.Ctx(ctx).Info().
		Str("order_id", order.ID).
		Str("state", string(order.State)).
		Int64("total", order.TotalAmount).
		Msg("order saga synchronous part completed, awaiting payment webhook")
	return order, nil
}

// snapshotItems 建立价格/名称快照。Items 为空时从购物车拉取结算行。
// 每个商品只在此处查询一次，此后目录价格的变化不再影响本订单。
func (s *Service) snapshotItems(ctx context.Context, req *CreateOrderRequest) ([]domain.Item, error) {
	lines := req.Items
	if len(lines) == 0 {
		cartLines, err := s.cart.GetCheckoutLines(ctx, req.UserID)
		if err != nil {
			return nil, errors.Wrap(err, "load checkout lines from cart")
		}
		for _, cl := range cartLines {
			lines = append(lines, OrderLine{ProductID: cl.ProductID, Quantity: cl.Quantity})
		}
	}
	if len(lines) == 0 {
		return nil, errors.New("order: nothing to order")
	}

	items := make([]domain.Item, 0, len(lines))
	for _, line := range lines {
		prod, err := s.catalog.GetProduct(ctx, line.ProductID)
		if err != nil {
			return nil, errors.Wrapf(err, "snapshot product %s", line.ProductID)
		}
		items = append(items, domain.Item{
			ProductID: prod.ProductID,
			Name:      prod.Name,
			UnitPrice: prod.Price,
			Quantity:  line.Quantity,
		})
	}
	return items, nil
}

// failSaga 执行补偿并把订单落到 CANCELLED。
// 补偿动作本身幂等（终态粘滞），崩溃后由对账兜底。
func (s *Service) failSaga(ctx context.Context, orderCtx *saga.OrderContext, cause error) {
	orderCtx.TriggerCompensation(ctx)

	order := orderCtx.Order
	if err := order.TransitionTo(domain.StateCancelled); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("order_id", order.ID).
			Msg("cannot move failed order to CANCELLED")
		return
	}
	if err := s.repo.Save(ctx, order); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("order_id", order.ID).
			Msg("persist CANCELLED after saga failure")
		return
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(domain.StateCancelled)).Inc()
	s.publish(ctx, order, domain.EventOrderCancelled, cause.Error())
}

// GetOrder 返回订单聚合（含状态历史）。
func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.repo.FindByID(ctx, orderID)
}

// CancelOrder 处理用户主动取消。
// 支付前的取消释放预占；CONFIRMED 的取消走退款，并按策略决定是否回补库存。
// PAID 是过渡态（等待预占提交），在这个窗口里拒绝取消。
func (s *Service) CancelOrder(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.CancelOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.State == domain.StateCancelled {
		return order, nil // 取消是幂等的
	}
	if !order.Cancellable() {
		return nil, domain.ErrCancellationNotAllowed
	}

	switch order.State {
	case domain.StateCreated:
		// 库存和钱都还没动，直接取消

	case domain.StateReserving, domain.StateReserved, domain.StatePaying:
		// 钱还没扣，释放预占即可。重复释放无害。
		if order.ReservationID != "" {
			if err := s.reservations.Release(ctx, order.ReservationID); err != nil &&
				!errors.Is(err, reservation.ErrAlreadyReleased) {
				return nil, errors.Wrap(err, "release reservation on cancel")
			}
		}

	case domain.StateConfirmed:
		// 库存已提交、钱已扣：退款，回补与否交给策略
		if _, err := s.payments.Refund(ctx, order.ID); err != nil &&
			!errors.Is(err, payment.ErrPaymentNotFound) {
			return nil, errors.Wrap(err, "refund on cancel")
		}
		s.maybeRestock(ctx, order, "cancel")
	}

	if err := s.transitionAndSave(ctx, order, domain.StateCancelled); err != nil {
		return nil, err
	}
	s.publish(ctx, order, domain.EventOrderCancelled, reason)
	return order, nil
}

// RefundOrder 对已支付的订单执行退款：PAID → REFUNDED。
// CONFIRMED 之后的退款走 CancelOrder（语义上是"取消已确认订单"）。
func (s *Service) RefundOrder(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.RefundOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.State == domain.StateRefunded {
		return order, nil
	}
	if order.State != domain.StatePaid {
		return nil, &domain.InvalidTransitionError{OrderID: order.ID, From: order.State, To: domain.StateRefunded}
	}

	if _, err := s.payments.Refund(ctx, order.ID); err != nil {
		return nil, errors.Wrap(err, "refund payment")
	}
	// 预占此时可能已提交：把货要不要放回可卖池交给策略
	s.maybeRestock(ctx, order, "refund")

	if err := s.transitionAndSave(ctx, order, domain.StateRefunded); err != nil {
		return nil, err
	}
	s.publish(ctx, order, domain.EventOrderRefunded, reason)
	return order, nil
}

// HandlePaymentEvent 消费归一化后的支付回调。
// 去重键是支付方交易号：同一笔交易的 N 次投递只生效一次。
// 处理中途失败时撤销声明，让支付方的重投有机会成功。
func (s *Service) HandlePaymentEvent(ctx context.Context, ev *payment.Event) error {
	ctx, span := s.tracer.Start(ctx, "order.HandlePaymentEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.id", ev.PaymentID),
		attribute.String("provider.tx_id", ev.ProviderTransactionID),
		attribute.String("status", string(ev.Status)),
	)

	dedupKey := "webhook:" + ev.ProviderTransactionID
	claimed, err := s.idem.Claim(ctx, dedupKey)
	if err != nil {
		return errors.Wrap(err, "claim webhook dedup key")
	}
	if !claimed {
		metrics.WebhooksTotal.WithLabelValues("duplicate").Inc()
		span.AddEvent("duplicate webhook delivery absorbed")
		return nil
	}

	if err := s.applyPaymentEvent(ctx, ev); err != nil {
		// 只有可重试的失败才放行重投。未知支付单是终态，声明保留。
		if !errors.Is(err, payment.ErrPaymentNotFound) {
			if relErr := s.idem.Release(ctx, dedupKey); relErr != nil {
				logger.Ctx(ctx).Error().Err(relErr).
					Str("dedup_key", dedupKey).
					Msg("release webhook dedup key after failure")
			}
			return err
		}
	}
	return nil
}

func (s *Service) applyPaymentEvent(ctx context.Context, ev *payment.Event) error {
	p, err := s.payments.Apply(ctx, ev)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			// 不认识的支付单：记日志后丢弃，绝不凭空造订单状态
			metrics.WebhooksTotal.WithLabelValues("unknown_payment").Inc()
			logger.Ctx(ctx).Warn().
				Str("payment_id", ev.PaymentID).
				Str("provider_tx_id", ev.ProviderTransactionID).
				Msg("webhook references unknown payment, dropping")
			return err
		}
		return errors.Wrap(err, "apply payment event")
	}

	order, err := s.repo.FindByID(ctx, p.OrderID)
	if err != nil {
		return errors.Wrapf(err, "load order %s for payment event", p.OrderID)
	}

	if order.State != domain.StatePaying {
		// 上一次投递在 PAID 和 CONFIRMED 之间失败了（提交预占时出错），
		// 声明已被撤销、支付方重投：从 PAID 续跑提交。两条腿都幂等。
		if ev.Status == payment.StatusSuccess && order.State == domain.StatePaid {
			return s.settlePaid(ctx, order)
		}
		// 回调迟到（订单已被取消/对账推进过）。支付单状态已更新，
		// 订单侧不再动。SUCCESS 落在已取消的订单上要把钱退回去。
		if ev.Status == payment.StatusSuccess && order.State == domain.StateCancelled {
			return s.refundLateSuccess(ctx, order)
		}
		metrics.WebhooksTotal.WithLabelValues("stale").Inc()
		logger.Ctx(ctx).Warn().
			Str("order_id", order.ID).
			Str("state", string(order.State)).
			Str("webhook_status", string(ev.Status)).
			Msg("payment webhook arrived for order no longer in PAYING, ignoring")
		return nil
	}

	switch ev.Status {
	case payment.StatusSuccess:
		return s.onPaymentSuccess(ctx, order)
	case payment.StatusFailed, payment.StatusCancelled:
		return s.onPaymentFailed(ctx, order, ev.Status)
	default:
		return errors.Errorf("unhandled payment status %q", ev.Status)
	}
}

// onPaymentSuccess: PAYING → PAID，尝试提交预占。
// 提交赢了 → CONFIRMED；输给超时清扫（预占已释放）→ 自动退款 → REFUNDED。
func (s *Service) onPaymentSuccess(ctx context.Context, order *domain.Order) error {
	if err := s.transitionAndSave(ctx, order, domain.StatePaid); err != nil {
		return err
	}
	s.publish(ctx, order, domain.EventOrderPaid, "")

	return s.settlePaid(ctx, order)
}

// settlePaid 把 PAID 的订单落定：提交预占或（预占已释放时）退款。
// 提交瞬时失败会让订单停在 PAID、声明被撤销，支付方重投时从这里续跑。
func (s *Service) settlePaid(ctx context.Context, order *domain.Order) error {
	err := s.reservations.Commit(ctx, order.ReservationID)
	switch {
	case err == nil:
		if err := s.transitionAndSave(ctx, order, domain.StateConfirmed); err != nil {
			return err
		}
		metrics.WebhooksTotal.WithLabelValues("applied").Inc()
		s.publish(ctx, order, domain.EventOrderConfirmed, "")
		return nil

	case errors.Is(err, reservation.ErrAlreadyReleased):
		// 回调迟到，预占已被清扫释放。货已经回到可卖池，
		// 只需把钱退回去，不再回补库存。
		logger.Ctx(ctx).Warn().
			Str("order_id", order.ID).
			Str("reservation_id", order.ReservationID).
			Msg("payment succeeded after hold expiry, auto-refunding")
		if _, rErr := s.payments.Refund(ctx, order.ID); rErr != nil {
			return errors.Wrap(rErr, "auto-refund after expired hold")
		}
		if err := s.transitionAndSave(ctx, order, domain.StateRefunded); err != nil {
			return err
		}
		metrics.WebhooksTotal.WithLabelValues("applied").Inc()
		s.publish(ctx, order, domain.EventOrderRefunded, "reservation hold expired before payment confirmation")
		return nil

	default:
		return errors.Wrap(err, "commit reservation after payment")
	}
}

// onPaymentFailed: 支付失败/被取消 → 释放预占 → CANCELLED。
func (s *Service) onPaymentFailed(ctx context.Context, order *domain.Order, status payment.Status) error {
	if order.ReservationID != "" {
		if err := s.reservations.Release(ctx, order.ReservationID); err != nil &&
			!errors.Is(err, reservation.ErrAlreadyReleased) {
			return errors.Wrap(err, "release reservation after payment failure")
		}
	}
	if err := s.transitionAndSave(ctx, order, domain.StateCancelled); err != nil {
		return err
	}
	metrics.WebhooksTotal.WithLabelValues("applied").Inc()
	s.publish(ctx, order, domain.EventOrderCancelled, "payment "+string(status))
	return nil
}

// refundLateSuccess: 成功回调落在已取消的订单上（取消和回调赛跑，取消赢了）。
// 预占已在取消时释放，这里只负责把钱退回去。
func (s *Service) refundLateSuccess(ctx context.Context, order *domain.Order) error {
	logger.Ctx(ctx).Warn().
		Str("order_id", order.ID).
		Msg("payment success arrived for cancelled order, refunding")
	if _, err := s.payments.Refund(ctx, order.ID); err != nil {
		return errors.Wrap(err, "refund payment for cancelled order")
	}
	metrics.WebhooksTotal.WithLabelValues("applied").Inc()
	s.publish(ctx, order, domain.EventOrderRefunded, "payment succeeded after cancellation")
	return nil
}

// HandleFulfillmentEvent 消费履约侧回流的事件，推进
// CONFIRMED→SHIPPED→DELIVERED，以及退货触发的取消+退款。
func (s *Service) HandleFulfillmentEvent(ctx context.Context, ev *domain.FulfillmentEvent) error {
	ctx, span := s.tracer.Start(ctx, "order.HandleFulfillmentEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", ev.OrderID),
		attribute.String("type", string(ev.Type)),
	)

	order, err := s.repo.FindByID(ctx, ev.OrderID)
	if err != nil {
		return err
	}

	switch ev.Type {
	case domain.FulfillmentShipped:
		if order.State == domain.StateShipped {
			return nil
		}
		if err := s.transitionAndSave(ctx, order, domain.StateShipped); err != nil {
			return err
		}
		s.publish(ctx, order, domain.EventOrderShipped, "")
		return nil

	case domain.FulfillmentDelivered:
		if order.State == domain.StateDelivered {
			return nil
		}
		if err := s.transitionAndSave(ctx, order, domain.StateDelivered); err != nil {
			return err
		}
		s.publish(ctx, order, domain.EventOrderDelivered, "")
		return nil

	case domain.FulfillmentReturned:
		// 退货：退款 + 按策略回补 + 取消
		if order.State == domain.StateCancelled {
			return nil
		}
		if _, err := s.payments.Refund(ctx, order.ID); err != nil &&
			!errors.Is(err, payment.ErrPaymentNotFound) {
			return errors.Wrap(err, "refund on return")
		}
		s.maybeRestock(ctx, order, "return")
		if err := s.transitionAndSave(ctx, order, domain.StateCancelled); err != nil {
			return err
		}
		s.publish(ctx, order, domain.EventOrderCancelled, "goods returned")
		return nil

	default:
		return errors.Errorf("unhandled fulfillment event type %q", ev.Type)
	}
}

// maybeRestock 在退款/取消/退货后按策略决定是否把数量补回可卖池。
// 策略求值失败按"不回补"处理并告警：少卖可以人工补救，超卖不行。
func (s *Service) maybeRestock(ctx context.Context, order *domain.Order, trigger string) {
	ok, err := s.restock.ShouldRestock(policy.Input{
		OrderState: string(order.State),
		Trigger:    trigger,
		Shipped:    order.Shipped(),
	})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("order_id", order.ID).
			Str("trigger", trigger).
			Msg("restock policy evaluation failed, not restocking")
		return
	}
	if !ok {
		return
	}
	for _, item := range order.Items {
		if err := s.restocker.Restock(ctx, item.ProductID, item.Quantity, order.ID+":"+trigger); err != nil {
			logger.Ctx(ctx).Error().Err(err).
				Str("order_id", order.ID).
				Str("product_id", item.ProductID).
				Msg("restock after " + trigger + " failed, needs manual reconciliation")
		}
	}
}

func (s *Service) transitionAndSave(ctx context.Context, order *domain.Order, to domain.State) error {
	if err := order.TransitionTo(to); err != nil {
		return err
	}
	if err := s.repo.Save(ctx, order); err != nil {
		return errors.Wrapf(err, "persist order in state %s", to)
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(to)).Inc()
	return nil
}

// publish 发布生命周期事件。事件总线故障不影响订单操作本身，只记日志。
func (s *Service) publish(ctx context.Context, order *domain.Order, typ domain.EventType, reason string) {
	ev := &domain.OrderEvent{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Type:        typ,
		State:       order.State,
		TotalAmount: order.TotalAmount,
		Reason:      reason,
		At:          time.Now(),
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("order_id", order.ID).
			Str("event_type", string(typ)).
			Msg("publish order event")
	}
}
