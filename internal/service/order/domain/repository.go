// internal/service/order/domain/repository.go
package domain

import (
	"context"
	"time"
)

// OrderRepository 定义了订单聚合的持久化接口。
// 它位于领域层，但由基础设施层实现。
type OrderRepository interface {
	Create(ctx context.Context, order *Order) error

	FindByID(ctx context.Context, id string) (*Order, error)

	// Update 以 order.Version 作为乐观锁写回, 成功后 Version 加一。
	// 版本不匹配时返回 ErrVersionConflict, 订单对象保持不变。
	Update(ctx context.Context, order *Order) error

	// ListStale 查找处于给定状态且 updated_at 早于 before 的订单, 供恢复扫描使用
	ListStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Order, error)

	// ListPendingRefunds 已取消但退款结果尚未记录的订单
	ListPendingRefunds(ctx context.Context, before time.Time, limit int) ([]*Order, error)
}

// CampaignRepository 活动记录的持久化; 唯一约束保证每个订单最多一条未作废的记录
type CampaignRepository interface {
	// Claim 插入一条 PROVISIONING 占位记录, 已存在未作废记录时返回 ErrCampaignClaimed
	Claim(ctx context.Context, c *Campaign) error
	// FindActiveByOrder 没有时返回 (nil, nil)
	FindActiveByOrder(ctx context.Context, orderID string) (*Campaign, error)
	// MarkProvisioned 只能从 PROVISIONING 转换, 否则返回 ErrCampaignImmutable
	MarkProvisioned(ctx context.Context, id, externalID string) error
	// Release 删除一条确定失败的占位记录
	Release(ctx context.Context, id string) error
	// Supersede 作废订单当前的活动记录, 释放名额
	Supersede(ctx context.Context, orderID string) error
	ListByOrder(ctx context.Context, orderID string) ([]*Campaign, error)
}

type ClipRepository interface {
	// Create 已存在未作废记录时返回 ErrClipClaimed
	Create(ctx context.Context, clip *ClipRecord) error
	FindActiveByOrder(ctx context.Context, orderID string) (*ClipRecord, error)
	Complete(ctx context.Context, id, clipURL string) error
	Fail(ctx context.Context, id, reason string) error
	Supersede(ctx context.Context, orderID string) error
}

type CoefficientRepository interface {
	// FindByServiceID 不存在时返回 ErrCoefficientNotFound
	FindByServiceID(ctx context.Context, serviceID int64) (*ConversionCoefficient, error)
	Save(ctx context.Context, c *ConversionCoefficient) error
}
