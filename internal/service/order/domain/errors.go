// internal/service/order/domain/errors.go
package domain

import "errors"

var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrVersionConflict 乐观锁检查失败, 订单已被其他流程修改
	ErrVersionConflict = errors.New("order version conflict")

	ErrCoefficientNotFound = errors.New("conversion coefficient not found")

	// ErrCampaignClaimed 订单已经有一条未作废的活动记录
	ErrCampaignClaimed = errors.New("order already has an active campaign")
	// ErrCampaignImmutable 活动已开通或已作废, 不能再修改
	ErrCampaignImmutable = errors.New("campaign is no longer provisioning")
	ErrClipClaimed       = errors.New("order already has an active clip")
	ErrClipImmutable     = errors.New("clip is no longer processing")

	// ErrInvalidTarget 目标链接不可用, 重试无意义
	ErrInvalidTarget = errors.New("invalid target")
	// ErrClipFailed clip 服务明确返回失败
	ErrClipFailed = errors.New("clip creation failed")
)
