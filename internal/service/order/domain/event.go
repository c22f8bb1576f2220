// internal/service/order/domain/event.go
package domain

import "time"

// OrderCreated 订单受理后发布, 编排器消费它开始处理
type OrderCreated struct {
	EventID string    `json:"eventId"`
	OrderID string    `json:"orderId"`
	UserID  int64     `json:"userId"`
	At      time.Time `json:"at"`
}

// OrderStatusChanged 每次成功提交的状态迁移都会发布
type OrderStatusChanged struct {
	EventID string    `json:"eventId"`
	OrderID string    `json:"orderId"`
	Old     Status    `json:"old"`
	New     Status    `json:"new"`
	Trigger string    `json:"trigger"`
	At      time.Time `json:"at"`
}

// OrderNeedsManualIntervention 订单进入 HOLDING 时发布
type OrderNeedsManualIntervention struct {
	EventID string    `json:"eventId"`
	OrderID string    `json:"orderId"`
	Issue   string    `json:"issue"`
	At      time.Time `json:"at"`
}

// Audience 通知的接收方
type Audience string

const (
	AudienceUser      Audience = "user"
	AudienceOperators Audience = "operators"
	AudienceFinance   Audience = "finance"
)

// Notification 发给用户或内部团队的通知, 投递失败不影响订单流程
type Notification struct {
	Audience Audience          `json:"audience"`
	Event    string            `json:"event"`
	OrderID  string            `json:"orderId"`
	UserID   int64             `json:"userId,omitempty"`
	Message  string            `json:"message"`
	Payload  map[string]string `json:"payload,omitempty"`
	At       time.Time         `json:"at"`
}

// 面向用户的固定文案
const (
	MessageOrderCancelledRefunded = "order cancelled, refunded"
	MessageOrderCancelled         = "order cancelled"
	MessageProcessingDelayed      = "processing delayed"
)
