// internal/service/order/domain/campaign.go
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CampaignStatus string

const (
	// CampaignProvisioning 已占位, 外部调用尚未确认结果
	CampaignProvisioning CampaignStatus = "PROVISIONING"
	CampaignProvisioned  CampaignStatus = "PROVISIONED"
	// CampaignSuperseded 被人工作废, 不再占用订单的活动名额
	CampaignSuperseded   CampaignStatus = "SUPERSEDED"
)

// Campaign 外部流量活动在本地的记录。
// 每个订单同一时间最多一条未作废的记录; 开通后 ExternalID 不可修改, 重新开通必须新建记录。
type Campaign struct {
	ID             string
	OrderID        string
	ExternalID     string
	// IdempotencyKey 开通请求的幂等键, 见 ProvisionKey
	IdempotencyKey string
	TargetURL      string
	ClicksRequired int64
	Coefficient    decimal.Decimal
	Status         CampaignStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewCampaignClaim 在调用外部开通接口之前创建的占位记录
func NewCampaignClaim(orderID, targetURL string, clicks int64, coefficient decimal.Decimal, now time.Time) *Campaign {
	return &Campaign{
		ID:             uuid.NewString(),
		OrderID:        orderID,
		TargetURL:      targetURL,
		ClicksRequired: clicks,
		Coefficient:    coefficient,
		Status:         CampaignProvisioning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ProvisionKey generation 是该订单已被人工作废的活动数量
func ProvisionKey(orderID string, generation int) string {
	return fmt.Sprintf("campaign-%s-%d", orderID, generation)
}

func (c *Campaign) Provisioned() bool {
	return c.Status == CampaignProvisioned && c.ExternalID != ""
}
