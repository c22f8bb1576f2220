package port

import (
	"context"

	"trafficflow/internal/service/order/domain"
)

// Notifier 是通知的出站端口, fire-and-forget, 失败只记录日志
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// EventPublisher 发布供外部消费的订单事件
type EventPublisher interface {
	PublishStatusChanged(ctx context.Context, e domain.OrderStatusChanged) error
	PublishManualIntervention(ctx context.Context, e domain.OrderNeedsManualIntervention) error
}

// ProcessingScheduler 安排一个订单进入编排流程 (发布 order-created 或直接入队)
type ProcessingScheduler interface {
	Schedule(ctx context.Context, e domain.OrderCreated) error
}
