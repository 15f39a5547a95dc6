// internal/order/infrastructure/adapter/event_kafka_adapter.go
package adapter

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"orderflow/internal/order/domain"
	"orderflow/internal/pkg/mq"
)

// OrderEventKafkaAdapter 实现 port.EventPublisher，
// 把订单生命周期事件发到 Kafka。消息 key 是订单 ID，
// 保证同一订单的事件落在同一分区、保持顺序。
type OrderEventKafkaAdapter struct {
	writer *kafka.Writer
}

func NewOrderEventKafkaAdapter(writer *kafka.Writer) *OrderEventKafkaAdapter {
	return &OrderEventKafkaAdapter{writer: writer}
}

func (a *OrderEventKafkaAdapter) Publish(ctx context.Context, ev *domain.OrderEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal order event")
	}
	// mq.ProduceMessage 会把当前追踪上下文注入消息头
	return mq.ProduceMessage(ctx, a.writer, []byte(ev.OrderID), payload)
}

func (a *OrderEventKafkaAdapter) Close() error {
	return a.writer.Close()
}
