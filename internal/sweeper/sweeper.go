// internal/sweeper/sweeper.go
package sweeper

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"orderflow/internal/pkg/logger"
	"orderflow/internal/reservation"
)

// batchSize 限制单轮清扫处理的预占数，避免一次大批到期拖垮台账。
const batchSize = 200

// Sweeper 周期性释放超过持有时限的预占。
// 与迟到的支付回调的竞争由预占的原子终态认领解决：
// 双方各自尝试认领，谁赢谁生效，输家拿到粘滞错误后放弃。
type Sweeper struct {
	coord    *reservation.Coordinator
	interval time.Duration
	tracer   trace.Tracer
}

func NewSweeper(coord *reservation.Coordinator, interval time.Duration, tracer trace.Tracer) *Sweeper {
	return &Sweeper{coord: coord, interval: interval, tracer: tracer}
}

// Run 启动清扫循环，ctx 取消后返回。
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	logger.Logger().Info().Dur("interval", s.interval).Msg("reservation sweeper started")

	for {
		select {
		case <-ctx.Done():
			logger.Logger().Info().Msg("reservation sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce 执行一轮清扫。也供对账工具单独调用。
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	ctx, span := s.tracer.Start(ctx, "sweeper.SweepOnce")
	defer span.End()

	total := 0
	// 到期的可能不止一批，循环直到榨干为止
	for {
		released, err := s.coord.ExpireDue(ctx, time.Now(), batchSize)
		if err != nil {
			span.RecordError(err)
			logger.Ctx(ctx).Error().Err(err).Msg("sweep expired reservations")
			break
		}
		total += released
		if released < batchSize {
			break
		}
	}

	span.SetAttributes(attribute.Int("released.count", total))
	if total > 0 {
		logger.Ctx(ctx).Info().Int("released", total).Msg("expired reservations released")
	}
	return total
}
