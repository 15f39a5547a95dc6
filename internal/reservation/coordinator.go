// internal/reservation/coordinator.go
package reservation

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"orderflow/internal/idempotency"
	"orderflow/internal/inventory"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/metrics"
)

// ProductLocker 是热点商品的短持有互斥锁（可选）。
// 实现方（ZooKeeper）只允许包裹单条库存语句，绝不跨支付调用持有。
type ProductLocker interface {
	// Acquire 以 try-lock 语义获取锁；锁被占用时返回 errLockBusy 类错误。
	Acquire(productID string) (release func(), err error)
}

// Coordinator 在台账之上提供并发安全、幂等的 Reserve/Commit/Release。
type Coordinator struct {
	ledger inventory.Ledger
	repo   Repository
	idem   idempotency.Store
	tracer trace.Tracer

	maxAttempts int
	backoff     time.Duration
	holdTTL     time.Duration

	// 热点商品走悲观锁；其余走乐观 CAS
	locker ProductLocker
	hot    map[string]bool
}

type Option func(*Coordinator)

// WithHotProducts 为列出的商品启用悲观锁模式。
func WithHotProducts(locker ProductLocker, products []string) Option {
	return func(c *Coordinator) {
		c.locker = locker
		c.hot = make(map[string]bool, len(products))
		for _, p := range products {
			c.hot[p] = true
		}
	}
}

func NewCoordinator(ledger inventory.Ledger, repo Repository, idem idempotency.Store, tracer trace.Tracer, maxAttempts int, backoff, holdTTL time.Duration, opts ...Option) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if backoff <= 0 {
		backoff = 20 * time.Millisecond
	}
	c := &Coordinator{
		ledger:      ledger,
		repo:        repo,
		idem:        idem,
		tracer:      tracer,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		holdTTL:     holdTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// reserveOutcome 是记录进幂等存储的业务结果。
// 只记录业务性结果；瞬时故障（重试耗尽）不记录，让客户端重试有机会成功。
type reserveOutcome struct {
	ReservationID string `json:"reservationId,omitempty"`
	Insufficient  bool   `json:"insufficient,omitempty"`
	ProductID     string `json:"productId,omitempty"`
	Requested     int64  `json:"requested,omitempty"`
	Available     int64  `json:"available,omitempty"`
}

// Reserve 为订单的全部行项目建立预占，跨条目 all-or-nothing。
// 同一 idempotencyKey 的重复调用返回最初的结果，不重复扣减。
func (c *Coordinator) Reserve(ctx context.Context, orderID, idempotencyKey string, lines []Line) (*Reservation, error) {
	ctx, span := c.tracer.Start(ctx, "reservation.Reserve")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.Int("lines.count", len(lines)),
	)

	idemKey := "reserve:" + idempotencyKey

	// 1. 幂等检查：该 key 已处理过则直接返回当时的结果
	if raw, found, err := c.idem.Lookup(ctx, idemKey); err != nil {
		return nil, err
	} else if found {
		span.AddEvent("idempotency hit, returning recorded outcome")
		return c.replayOutcome(ctx, raw)
	}

	// 2. 逐条预占，任何一条失败则回滚此前全部已预占条目
	reservationID := uuid.New().String()
	applied := make([]Line, 0, len(lines))
	for _, line := range lines {
		if err := c.applyWithRetry(ctx, line.ProductID, -line.Quantity, +line.Quantity, inventory.TxReserve, orderID); err != nil {
			c.rollbackApplied(ctx, applied, orderID)

			var insufficient *inventory.InsufficientStockError
			if errors.As(err, &insufficient) {
				metrics.ReservationsTotal.WithLabelValues("insufficient_stock").Inc()
				span.AddEvent("insufficient stock", trace.WithAttributes(attribute.String("product.id", line.ProductID)))
				// 库存不足是合法的业务结果，完整记录下来保证幂等重放一致
				c.rememberOutcome(ctx, idemKey, reserveOutcome{
					Insufficient: true,
					ProductID:    line.ProductID,
					Requested:    insufficient.Requested,
					Available:    insufficient.Available,
				})
				return nil, err
			}

			metrics.ReservationsTotal.WithLabelValues("retry_exhausted").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "reserve failed")
			return nil, err
		}
		applied = append(applied, line)
	}

	// 3. 持久化预占记录
	now := time.Now()
	res := &Reservation{
		ID:        reservationID,
		OrderID:   orderID,
		Lines:     lines,
		Status:    StatusHeld,
		ExpiresAt: now.Add(c.holdTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.repo.Create(ctx, res); err != nil {
		c.rollbackApplied(ctx, applied, orderID)
		return nil, errors.Wrap(err, "persist reservation")
	}

	// 4. 记录幂等结果。写入落败说明并发的同 key 请求抢先完成了：
	//    撤销自己的扣减，采纳已记录的结果。
	outBytes, _ := json.Marshal(reserveOutcome{ReservationID: reservationID})
	existing, stored, err := c.idem.Remember(ctx, idemKey, outBytes)
	if err != nil {
		return nil, err
	}
	if !stored {
		span.AddEvent("lost idempotency race, compensating own deltas")
		c.rollbackApplied(ctx, applied, orderID)
		if done, finErr := c.repo.FinishHeld(ctx, reservationID, StatusReleased); finErr == nil && !done {
			logger.Ctx(ctx).Warn().Str("reservation_id", reservationID).Msg("duplicate reservation already finalized elsewhere")
		}
		return c.replayOutcome(ctx, existing)
	}

	metrics.ReservationsTotal.WithLabelValues("reserved").Inc()
	span.AddEvent("all lines reserved")
	return res, nil
}

// replayOutcome 把幂等存储里的结果还原成调用方可见的返回值。
func (c *Coordinator) replayOutcome(ctx context.Context, raw []byte) (*Reservation, error) {
	var out reserveOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "decode recorded outcome")
	}
	if out.Insufficient {
		return nil, &inventory.InsufficientStockError{
			ProductID: out.ProductID,
			Requested: out.Requested,
			Available: out.Available,
		}
	}
	return c.repo.Get(ctx, out.ReservationID)
}

func (c *Coordinator) rememberOutcome(ctx context.Context, key string, out reserveOutcome) {
	raw, _ := json.Marshal(out)
	if _, _, err := c.idem.Remember(ctx, key, raw); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("key", key).Msg("failed to record idempotency outcome")
	}
}

// rollbackApplied 补偿本次调用中已经预占成功的条目。
// 补偿失败只记日志：台账流水齐全，对账任务可以兜底。
func (c *Coordinator) rollbackApplied(ctx context.Context, applied []Line, orderID string) {
	for _, line := range applied {
		if err := c.applyWithRetry(ctx, line.ProductID, +line.Quantity, -line.Quantity, inventory.TxRelease, orderID); err != nil {
			logger.Ctx(ctx).Error().Err(err).
				Str("product_id", line.ProductID).
				Str("order_id", orderID).
				Msg("CRITICAL: failed to roll back reserved line, manual reconciliation required")
		}
	}
}

// Commit 把预占的数量从 reserved 池中永久移出（售出落定）。
// 对已 COMMITTED 的预占是幂等 no-op；对 RELEASED 返回 ErrAlreadyReleased。
func (c *Coordinator) Commit(ctx context.Context, reservationID string) error {
	ctx, span := c.tracer.Start(ctx, "reservation.Commit")
	defer span.End()
	span.SetAttributes(attribute.String("reservation.id", reservationID))

	res, err := c.repo.Get(ctx, reservationID)
	if err != nil {
		return err
	}
	switch res.Status {
	case StatusCommitted:
		span.AddEvent("already committed, no-op")
		return nil
	case StatusReleased:
		return ErrAlreadyReleased
	}

	// 先原子认领终态，输掉竞争的一方在这里变成 no-op
	won, err := c.repo.FinishHeld(ctx, reservationID, StatusCommitted)
	if err != nil {
		return err
	}
	if !won {
		return c.recheckTerminal(ctx, reservationID, StatusCommitted)
	}

	for _, line := range res.Lines {
		if err := c.applyWithRetry(ctx, line.ProductID, 0, -line.Quantity, inventory.TxConfirm, res.OrderID); err != nil {
			// 终态已认领而台账未跟上：记录严重错误，交给对账
			logger.Ctx(ctx).Error().Err(err).
				Str("reservation_id", reservationID).
				Str("product_id", line.ProductID).
				Msg("CRITICAL: commit claimed but ledger confirm failed")
			return err
		}
	}
	span.AddEvent("reservation committed")
	return nil
}

// Release 把预占的数量退回 available。
// 对已 RELEASED 的预占是幂等 no-op；对 COMMITTED 返回 ErrAlreadyCommitted。
func (c *Coordinator) Release(ctx context.Context, reservationID string) error {
	ctx, span := c.tracer.Start(ctx, "reservation.Release")
	defer span.End()
	span.SetAttributes(attribute.String("reservation.id", reservationID))

	res, err := c.repo.Get(ctx, reservationID)
	if err != nil {
		return err
	}
	switch res.Status {
	case StatusReleased:
		span.AddEvent("already released, no-op")
		return nil
	case StatusCommitted:
		return ErrAlreadyCommitted
	}

	won, err := c.repo.FinishHeld(ctx, reservationID, StatusReleased)
	if err != nil {
		return err
	}
	if !won {
		return c.recheckTerminal(ctx, reservationID, StatusReleased)
	}

	for _, line := range res.Lines {
		if err := c.applyWithRetry(ctx, line.ProductID, +line.Quantity, -line.Quantity, inventory.TxRelease, res.OrderID); err != nil {
			logger.Ctx(ctx).Error().Err(err).
				Str("reservation_id", reservationID).
				Str("product_id", line.ProductID).
				Msg("CRITICAL: release claimed but ledger release failed")
			return err
		}
	}
	span.AddEvent("reservation released")
	return nil
}

// recheckTerminal 处理 FinishHeld 落败后的收尾：
// 终态与想要的一致 → no-op 成功；不一致 → 终态粘滞错误。
func (c *Coordinator) recheckTerminal(ctx context.Context, reservationID string, wanted Status) error {
	res, err := c.repo.Get(ctx, reservationID)
	if err != nil {
		return err
	}
	if res.Status == wanted {
		return nil
	}
	if res.Status == StatusCommitted {
		return ErrAlreadyCommitted
	}
	return ErrAlreadyReleased
}

// ExpireDue 释放截至 now 已超时、仍为 HELD 的预占，返回释放数量。
// 清扫与迟到回调的竞争由 FinishHeld 的原子认领裁决，输家自动成为 no-op。
func (c *Coordinator) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	ctx, span := c.tracer.Start(ctx, "reservation.ExpireDue")
	defer span.End()

	expired, err := c.repo.FindExpired(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	var released atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, res := range expired {
		res := res
		g.Go(func() error {
			err := c.Release(gctx, res.ID)
			if err == nil {
				metrics.SweepReleasesTotal.Inc()
				released.Add(1)
				return nil
			}
			// 终态粘滞错误说明别的路径抢先完成，不算失败
			if errors.Is(err, ErrAlreadyCommitted) {
				return nil
			}
			logger.Ctx(gctx).Error().Err(err).Str("reservation_id", res.ID).Msg("sweep release failed")
			return nil // 单条失败不中断整轮清扫
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int64("released.count", released.Load()))
	return int(released.Load()), nil
}

// applyWithRetry 是对 ApplyDelta 的有界重试封装。
// 只重试版本冲突；库存不足原样返回，用尽次数返回 RetryExhaustedError。
func (c *Coordinator) applyWithRetry(ctx context.Context, productID string, availableDelta, reservedDelta int64, txType inventory.TransactionType, referenceID string) error {
	if c.hot[productID] && c.locker != nil {
		return c.applyLocked(ctx, productID, availableDelta, reservedDelta, txType, referenceID)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		view, err := c.ledger.GetStock(ctx, productID)
		if err != nil {
			return err
		}
		_, err = c.ledger.ApplyDelta(ctx, inventory.Delta{
			ProductID:       productID,
			AvailableDelta:  availableDelta,
			ReservedDelta:   reservedDelta,
			ExpectedVersion: view.Version,
			Type:            txType,
			ReferenceID:     referenceID,
		})
		if err == nil {
			return nil
		}

		var conflict *inventory.ConflictError
		if !errors.As(err, &conflict) {
			return err
		}
		metrics.CASConflictsTotal.Inc()
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
	return errors.Wrap(&RetryExhaustedError{ProductID: productID, Attempts: c.maxAttempts}, lastErr.Error())
}

// applyLocked 是热点商品的悲观路径：短持有锁内做一次读-改-写。
// 锁内依然带版本校验，防御不走锁的写入方。
func (c *Coordinator) applyLocked(ctx context.Context, productID string, availableDelta, reservedDelta int64, txType inventory.TransactionType, referenceID string) error {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		release, err := c.locker.Acquire(productID)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
			continue
		}

		view, err := c.ledger.GetStock(ctx, productID)
		if err != nil {
			release()
			return err
		}
		_, err = c.ledger.ApplyDelta(ctx, inventory.Delta{
			ProductID:       productID,
			AvailableDelta:  availableDelta,
			ReservedDelta:   reservedDelta,
			ExpectedVersion: view.Version,
			Type:            txType,
			ReferenceID:     referenceID,
		})
		release()

		var conflict *inventory.ConflictError
		if errors.As(err, &conflict) {
			metrics.CASConflictsTotal.Inc()
			continue
		}
		return err
	}
	return &RetryExhaustedError{ProductID: productID, Attempts: c.maxAttempts}
}
