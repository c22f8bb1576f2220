// internal/service/order/application/dto.go
package application

import (
	"time"

	"github.com/shopspring/decimal"
	"trafficflow/internal/service/order/domain"
)

// PlaceOrderRequest 受理订单的输入
type PlaceOrderRequest struct {
	UserID           int64
	ServiceID        int64
	Link             string
	Quantity         int64
	Charge           decimal.Decimal
	PaymentConfirmed bool
}

// PlaceOrderResponse 订单已受理, 后续处理是异步的
type PlaceOrderResponse struct {
	OrderID string
	Status  domain.PublicStatus
	Message string
}

// ResolveRequest 运营处理 HOLDING 订单时提交的结论
type ResolveRequest struct {
	Notes string
	// Supersede 作废当前的活动与 clip 记录, 重新处理时会重新开通
	Supersede bool
	// ExternalCampaignID 运营核实外部活动已经开通时填写, 补记到未确认的活动记录上
	ExternalCampaignID string
}

// OrderView 内部视图, 包含全部状态字段与活动历史
type OrderView struct {
	Order     *domain.Order
	Campaigns []*domain.Campaign
}

// PublicOrderView 用户可见的订单状态
type PublicOrderView struct {
	OrderID    string              `json:"orderId"`
	Status     domain.PublicStatus `json:"status"`
	Message    string              `json:"message,omitempty"`
	Quantity   int64               `json:"quantity"`
	StartCount int64               `json:"startCount"`
	Remains    int64               `json:"remains"`
	Charge     string              `json:"charge"`
	CreatedAt  time.Time           `json:"createdAt"`
}

// ToPublicView 需要人工处理的订单只显示 "处理延迟", 内部错误信息不对外暴露
func ToPublicView(o *domain.Order) *PublicOrderView {
	v := &PublicOrderView{
		OrderID:    o.ID,
		Status:     o.Status.Public(),
		Quantity:   o.Quantity,
		StartCount: o.StartCount,
		Remains:    o.Remains,
		Charge:     o.Charge.StringFixed(2),
		CreatedAt:  o.CreatedAt,
	}
	switch {
	case v.Status == domain.PublicProcessingDelayed:
		v.Message = domain.MessageProcessingDelayed
	case o.Status == domain.StatusCancelled && o.RefundState != domain.RefundNone:
		v.Message = domain.MessageOrderCancelledRefunded
	case o.Status == domain.StatusCancelled:
		v.Message = domain.MessageOrderCancelled
	}
	return v
}
