package infrastructure

import (
	"context"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"trafficflow/internal/service/order/domain"
)

// GormOrderRepository 是 domain.OrderRepository 的 GORM 实现
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

func (r *GormOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	return errors.Wrapf(r.db.WithContext(ctx).Create(FromDomainOrder(order)).Error, "insert order %s", order.ID)
}

func (r *GormOrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, errors.Wrapf(err, "load order %s", id)
	}
	return ToDomainOrder(&model), nil
}

// Update 比较并交换: 只有数据库中的 version 仍等于 order.Version 时才写入
func (r *GormOrderRepository) Update(ctx context.Context, order *domain.Order) error {
	res := r.db.WithContext(ctx).Model(&OrderModel{}).
		Where("id = ? AND version = ?", order.ID, order.Version).
		Updates(orderUpdates(order))
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update order %s", order.ID)
	}
	if res.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	order.Version++
	return nil
}

func (r *GormOrderRepository) ListStale(ctx context.Context, statuses []domain.Status, before time.Time, limit int) ([]*domain.Order, error) {
	var models []OrderModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, before).
		Order("updated_at").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "list stale orders")
	}
	orders := make([]*domain.Order, 0, len(models))
	for i := range models {
		orders = append(orders, ToDomainOrder(&models[i]))
	}
	return orders, nil
}

func (r *GormOrderRepository) ListPendingRefunds(ctx context.Context, before time.Time, limit int) ([]*domain.Order, error) {
	var models []OrderModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND refund_state = ? AND updated_at < ?", domain.StatusCancelled, domain.RefundPending, before).
		Order("updated_at").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "list pending refunds")
	}
	orders := make([]*domain.Order, 0, len(models))
	for i := range models {
		orders = append(orders, ToDomainOrder(&models[i]))
	}
	return orders, nil
}

// GormCampaignRepository 是 domain.CampaignRepository 的 GORM 实现
type GormCampaignRepository struct {
	db *gorm.DB
}

func NewGormCampaignRepository(db *gorm.DB) *GormCampaignRepository {
	return &GormCampaignRepository{db: db}
}

func (r *GormCampaignRepository) Claim(ctx context.Context, c *domain.Campaign) error {
	err := r.db.WithContext(ctx).Create(FromDomainCampaign(c)).Error
	if isDuplicateKey(err) {
		return domain.ErrCampaignClaimed
	}
	return errors.Wrapf(err, "claim campaign for order %s", c.OrderID)
}

func (r *GormCampaignRepository) FindActiveByOrder(ctx context.Context, orderID string) (*domain.Campaign, error) {
	var model CampaignModel
	err := r.db.WithContext(ctx).Where("slot_key = ?", orderID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ToDomainCampaign(&model), nil
}

func (r *GormCampaignRepository) MarkProvisioned(ctx context.Context, id, externalID string) error {
	res := r.db.WithContext(ctx).Model(&CampaignModel{}).
		Where("id = ? AND status = ?", id, domain.CampaignProvisioning).
		Updates(map[string]interface{}{
			"status":      domain.CampaignProvisioned,
			"external_id": externalID,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrCampaignImmutable
	}
	return nil
}

// Release 只删除仍在占位中的记录, 已开通的记录不受影响
func (r *GormCampaignRepository) Release(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, domain.CampaignProvisioning).
		Delete(&CampaignModel{}).Error
}

func (r *GormCampaignRepository) Supersede(ctx context.Context, orderID string) error {
	return r.db.WithContext(ctx).Model(&CampaignModel{}).
		Where("slot_key = ?", orderID).
		Updates(map[string]interface{}{
			"status":     domain.CampaignSuperseded,
			"slot_key":   nil,
			"updated_at": time.Now(),
		}).Error
}

func (r *GormCampaignRepository) ListByOrder(ctx context.Context, orderID string) ([]*domain.Campaign, error) {
	var models []CampaignModel
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	campaigns := make([]*domain.Campaign, 0, len(models))
	for i := range models {
		campaigns = append(campaigns, ToDomainCampaign(&models[i]))
	}
	return campaigns, nil
}

// GormClipRepository 是 domain.ClipRepository 的 GORM 实现
type GormClipRepository struct {
	db *gorm.DB
}

func NewGormClipRepository(db *gorm.DB) *GormClipRepository {
	return &GormClipRepository{db: db}
}

func (r *GormClipRepository) Create(ctx context.Context, clip *domain.ClipRecord) error {
	err := r.db.WithContext(ctx).Create(FromDomainClip(clip)).Error
	if isDuplicateKey(err) {
		return domain.ErrClipClaimed
	}
	return errors.Wrapf(err, "create clip for order %s", clip.OrderID)
}

func (r *GormClipRepository) FindActiveByOrder(ctx context.Context, orderID string) (*domain.ClipRecord, error) {
	var model ClipModel
	err := r.db.WithContext(ctx).Where("slot_key = ?", orderID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ToDomainClip(&model), nil
}

func (r *GormClipRepository) Complete(ctx context.Context, id, clipURL string) error {
	return r.finish(ctx, id, map[string]interface{}{
		"status":       domain.ClipCompleted,
		"clip_created": true,
		"clip_url":     clipURL,
	})
}

func (r *GormClipRepository) Fail(ctx context.Context, id, reason string) error {
	return r.finish(ctx, id, map[string]interface{}{
		"status":        domain.ClipFailed,
		"error_message": reason,
	})
}

func (r *GormClipRepository) finish(ctx context.Context, id string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).Model(&ClipModel{}).
		Where("id = ? AND status = ?", id, domain.ClipProcessing).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrClipImmutable
	}
	return nil
}

func (r *GormClipRepository) Supersede(ctx context.Context, orderID string) error {
	return r.db.WithContext(ctx).Model(&ClipModel{}).
		Where("slot_key = ?", orderID).
		Updates(map[string]interface{}{
			"status":     domain.ClipSuperseded,
			"slot_key":   nil,
			"updated_at": time.Now(),
		}).Error
}

// GormCoefficientRepository 是 domain.CoefficientRepository 的 GORM 实现
type GormCoefficientRepository struct {
	db *gorm.DB
}

func NewGormCoefficientRepository(db *gorm.DB) *GormCoefficientRepository {
	return &GormCoefficientRepository{db: db}
}

func (r *GormCoefficientRepository) FindByServiceID(ctx context.Context, serviceID int64) (*domain.ConversionCoefficient, error) {
	var model CoefficientModel
	err := r.db.WithContext(ctx).Where("service_id = ?", serviceID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCoefficientNotFound
		}
		return nil, err
	}
	return ToDomainCoefficient(&model), nil
}

// Save 按 service_id upsert
func (r *GormCoefficientRepository) Save(ctx context.Context, c *domain.ConversionCoefficient) error {
	model := CoefficientModel{
		ServiceID:   c.ServiceID,
		WithClip:    c.WithClip,
		WithoutClip: c.WithoutClip,
		UpdatedBy:   c.UpdatedBy,
		UpdatedAt:   c.UpdatedAt,
	}
	if model.UpdatedAt.IsZero() {
		model.UpdatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"with_clip", "without_clip", "updated_by", "updated_at"}),
	}).Create(&model).Error
}

// isDuplicateKey 兼容 TranslateError 之后的 gorm 错误、MySQL 1062 以及 SQLite 的唯一约束错误
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
