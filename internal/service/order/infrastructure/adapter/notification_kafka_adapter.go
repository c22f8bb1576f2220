package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"trafficflow/internal/pkg/mq"
	"trafficflow/internal/service/order/domain"
)

// NotificationKafkaAdapter 实现了 port.Notifier, 通知写入 notifications 主题, 由独立的通知服务投递
type NotificationKafkaAdapter struct {
	writer *kafka.Writer
}

func NewNotificationKafkaAdapter(writer *kafka.Writer) *NotificationKafkaAdapter {
	return &NotificationKafkaAdapter{writer: writer}
}

func (a *NotificationKafkaAdapter) Notify(ctx context.Context, n domain.Notification) error {
	eventBytes, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	// 以订单 ID 作为 key, 同一订单的通知保持顺序
	return mq.ProduceMessage(ctx, a.writer, []byte(n.OrderID), eventBytes,
		kafka.Header{Key: "audience", Value: []byte(n.Audience)})
}

// Close 关闭底层的Kafka writer。
func (a *NotificationKafkaAdapter) Close() error {
	return a.writer.Close()
}
