package port

import (
	"context"

	"github.com/shopspring/decimal"
)

// BaselineMetricService 获取目标当前的计数 (例如播放量)。
type BaselineMetricService interface {
	GetBaselineMetric(ctx context.Context, targetURL string) (int64, error)
}

// ClipService 从源视频生成一个短 clip。
// 可能很慢, 调用方通过 ctx 控制超时; 明确失败时返回 domain.ErrClipFailed。
type ClipService interface {
	CreateClip(ctx context.Context, sourceURL string) (clipURL string, err error)
}

// ProvisionRequest 开通流量活动的请求, IdempotencyKey 使用本地活动记录的 ID
type ProvisionRequest struct {
	IdempotencyKey string
	OrderID        string
	TargetURL      string
	RequiredClicks int64
}

// CampaignProvisioner 外部流量活动的开通与启停。
type CampaignProvisioner interface {
	ProvisionCampaign(ctx context.Context, req ProvisionRequest) (campaignID string, err error)
	PauseCampaign(ctx context.Context, campaignID string) error
	ResumeCampaign(ctx context.Context, campaignID string) error
}

type RefundRequest struct {
	OrderID string
	UserID  int64
	Amount  decimal.Decimal
	Reason  string
}

// RefundService 补偿退款, 失败时由调用方升级为财务告警
type RefundService interface {
	Refund(ctx context.Context, req RefundRequest) error
}
