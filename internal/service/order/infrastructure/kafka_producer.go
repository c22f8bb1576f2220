package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/pkg/mq"
	"trafficflow/internal/service/order/domain"
)

// OrderEventProducer 实现 port.EventPublisher 和 port.ProcessingScheduler, 消息以订单 ID 作为 key
type OrderEventProducer struct {
	created       *kafka.Writer
	statusChanged *kafka.Writer
	intervention  *kafka.Writer
}

func NewOrderEventProducer(created, statusChanged, intervention *kafka.Writer) *OrderEventProducer {
	return &OrderEventProducer{created: created, statusChanged: statusChanged, intervention: intervention}
}

// Schedule 发布 order-created, 编排器的消费者会把订单投入工作池
func (p *OrderEventProducer) Schedule(ctx context.Context, e domain.OrderCreated) error {
	return p.produce(ctx, p.created, e.OrderID, e)
}

func (p *OrderEventProducer) PublishStatusChanged(ctx context.Context, e domain.OrderStatusChanged) error {
	return p.produce(ctx, p.statusChanged, e.OrderID, e)
}

func (p *OrderEventProducer) PublishManualIntervention(ctx context.Context, e domain.OrderNeedsManualIntervention) error {
	return p.produce(ctx, p.intervention, e.OrderID, e)
}

func (p *OrderEventProducer) produce(ctx context.Context, w *kafka.Writer, key string, event any) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %T: %w", event, err)
	}
	if err := mq.ProduceMessage(ctx, w, []byte(key), value); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("topic", w.Topic).Str("key", key).Msg("Failed to produce message to Kafka")
		return err
	}
	return nil
}

func (p *OrderEventProducer) Close() error {
	var firstErr error
	for _, w := range []*kafka.Writer{p.created, p.statusChanged, p.intervention} {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
