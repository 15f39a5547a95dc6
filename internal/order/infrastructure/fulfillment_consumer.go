// internal/order/infrastructure/fulfillment_consumer.go
package infrastructure

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"orderflow/internal/order/application"
	"orderflow/internal/order/domain"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/mq"
)

// FulfillmentConsumer 是驱动适配器：监听履约侧的 Kafka 主题，
// 把 SHIPPED/DELIVERED/RETURNED 事件喂给应用服务。
type FulfillmentConsumer struct {
	reader *kafka.Reader
	appSvc *application.Service
	wg     sync.WaitGroup
}

func NewFulfillmentConsumer(reader *kafka.Reader, appSvc *application.Service) *FulfillmentConsumer {
	return &FulfillmentConsumer{reader: reader, appSvc: appSvc}
}

// Start 启动消费循环。ctx 取消后循环退出。
func (c *FulfillmentConsumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		logger.Logger().Info().
			Str("topic", c.reader.Config().Topic).
			Msg("fulfillment consumer started")
		for {
			// 用 FetchMessage 而不是 ReadMessage，处理成功后才提交 offset
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Logger().Info().Msg("fulfillment consumer shutting down")
					return
				}
				logger.Logger().Error().Err(err).Msg("fetch fulfillment message")
				time.Sleep(time.Second)
				continue
			}

			c.processMessage(ctx, msg)

			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				logger.Logger().Error().Err(err).Msg("commit fulfillment offset")
			}
		}
	}()
}

// Stop 优雅停止：关闭 reader 并等消费 goroutine 退出。
func (c *FulfillmentConsumer) Stop() {
	_ = c.reader.Close()
	c.wg.Wait()
}

func (c *FulfillmentConsumer) processMessage(parentCtx context.Context, msg kafka.Message) {
	// 从消息头恢复上游的追踪上下文
	carrier := mq.KafkaHeaderCarrier(msg.Headers)
	ctx := otel.GetTextMapPropagator().Extract(parentCtx, &carrier)

	var ev domain.FulfillmentEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("raw", string(msg.Value)).
			Msg("malformed fulfillment event, skipping")
		return
	}

	if err := c.appSvc.HandleFulfillmentEvent(ctx, &ev); err != nil {
		// 状态机拒绝的事件属于乱序或重复，记日志后丢弃即可。
		// offset 照常提交：重投同一条消息不会得到不同结果。
		logger.Ctx(ctx).Error().Err(err).
			Str("order_id", ev.OrderID).
			Str("type", string(ev.Type)).
			Msg("handle fulfillment event")
	}
}
