// internal/service/order/application/effects.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/domain/port"
	"trafficflow/internal/service/order/statemachine"
)

const settleAttempts = 5

// EffectExecutor 执行迁移声明的副作用。
// 只有赢得乐观锁提交的一方会调用它, 所以退款等副作用对每次迁移只执行一次。
type EffectExecutor struct {
	orders        domain.OrderRepository
	campaigns     domain.CampaignRepository
	provisioner   port.CampaignProvisioner
	refunds       port.RefundService
	notifier      port.Notifier
	publisher     port.EventPublisher
	refundTimeout time.Duration
	now           func() time.Time
}

func NewEffectExecutor(
	orders domain.OrderRepository,
	campaigns domain.CampaignRepository,
	provisioner port.CampaignProvisioner,
	refunds port.RefundService,
	notifier port.Notifier,
	publisher port.EventPublisher,
	refundTimeout time.Duration,
) *EffectExecutor {
	return &EffectExecutor{
		orders:        orders,
		campaigns:     campaigns,
		provisioner:   provisioner,
		refunds:       refunds,
		notifier:      notifier,
		publisher:     publisher,
		refundTimeout: refundTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Execute o 是刚提交的订单, 退款结算后会被更新为最新版本
func (x *EffectExecutor) Execute(ctx context.Context, o *domain.Order, tr statemachine.Transition) {
	if tr.Changed() {
		x.publishStatusChanged(ctx, o, tr)
	}
	for _, e := range tr.Effects {
		switch e.Kind {
		case statemachine.EffectRefund:
			x.refund(ctx, o, e.Message)
		case statemachine.EffectNotifyUser:
			x.Notify(ctx, domain.Notification{Audience: domain.AudienceUser, Event: e.Event, OrderID: o.ID, UserID: o.UserID, Message: e.Message})
		case statemachine.EffectNotifyOperators:
			x.Notify(ctx, domain.Notification{Audience: domain.AudienceOperators, Event: e.Event, OrderID: o.ID, Message: e.Message})
		case statemachine.EffectPauseCampaign:
			x.toggleCampaign(ctx, o, true)
		case statemachine.EffectResumeCampaign:
			x.toggleCampaign(ctx, o, false)
		case statemachine.EffectManualIntervention:
			x.publishIntervention(ctx, o, e.Message)
		case statemachine.EffectAlert:
			alertsTotal.WithLabelValues(e.Event).Inc()
			logger.Ctx(ctx).Error().Str("alert", e.Event).Msgf("[Order: %s] %s", o.ID, e.Message)
			x.Notify(ctx, domain.Notification{Audience: domain.AudienceOperators, Event: e.Event, OrderID: o.ID, Message: e.Message})
		case statemachine.EffectProcessingTimer:
			if o.ProcessingStartedAt != nil && o.ProcessingEndedAt != nil {
				processingDuration.Observe(o.ProcessingEndedAt.Sub(*o.ProcessingStartedAt).Seconds())
			}
		default:
			logger.Ctx(ctx).Warn().Msgf("[Order: %s] Unknown effect %q ignored.", o.ID, e.Kind)
		}
	}
}

// Notify fire-and-forget, 失败只记录日志
func (x *EffectExecutor) Notify(ctx context.Context, n domain.Notification) {
	if n.At.IsZero() {
		n.At = x.now()
	}
	if err := x.notifier.Notify(ctx, n); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msgf("[Order: %s] Failed to send %s notification %s.", n.OrderID, n.Audience, n.Event)
	}
}

func (x *EffectExecutor) publishStatusChanged(ctx context.Context, o *domain.Order, tr statemachine.Transition) {
	err := x.publisher.PublishStatusChanged(ctx, domain.OrderStatusChanged{
		EventID: uuid.NewString(),
		OrderID: o.ID,
		Old:     tr.From,
		New:     tr.To,
		Trigger: string(tr.Event),
		At:      o.UpdatedAt,
	})
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msgf("[Order: %s] Failed to publish status change %s -> %s.", o.ID, tr.From, tr.To)
	}
}

func (x *EffectExecutor) publishIntervention(ctx context.Context, o *domain.Order, issue string) {
	err := x.publisher.PublishManualIntervention(ctx, domain.OrderNeedsManualIntervention{
		EventID: uuid.NewString(),
		OrderID: o.ID,
		Issue:   issue,
		At:      o.UpdatedAt,
	})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msgf("[Order: %s] Failed to publish manual intervention event.", o.ID)
	}
}

// toggleCampaign 暂停或恢复已开通的活动, 没有开通的活动时跳过
func (x *EffectExecutor) toggleCampaign(ctx context.Context, o *domain.Order, pause bool) {
	c, err := x.campaigns.FindActiveByOrder(ctx, o.ID)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msgf("[Order: %s] Failed to load campaign.", o.ID)
		return
	}
	if c == nil || !c.Provisioned() {
		return
	}

	action := "resume"
	if pause {
		action = "pause"
		err = x.provisioner.PauseCampaign(ctx, c.ExternalID)
	} else {
		err = x.provisioner.ResumeCampaign(ctx, c.ExternalID)
	}
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msgf("[Order: %s] Failed to %s campaign %s.", o.ID, action, c.ExternalID)
		x.Notify(ctx, domain.Notification{
			Audience: domain.AudienceOperators,
			Event:    "campaign_" + action + "_failed",
			OrderID:  o.ID,
			Message:  fmt.Sprintf("failed to %s campaign %s: %v", action, c.ExternalID, err),
		})
		return
	}
	logger.Ctx(ctx).Info().Msgf("[Order: %s] Campaign %s %sd.", o.ID, c.ExternalID, action)
}

// refund 调用退款服务并记录结果; 失败时标记为 UNRECONCILED 并通知财务
func (x *EffectExecutor) refund(ctx context.Context, o *domain.Order, reason string) {
	callCtx, cancel := context.WithTimeout(ctx, x.refundTimeout)
	err := x.refunds.Refund(callCtx, port.RefundRequest{
		OrderID: o.ID,
		UserID:  o.UserID,
		Amount:  o.Charge,
		Reason:  reason,
	})
	cancel()

	state := domain.RefundDone
	if err != nil {
		state = domain.RefundUnreconciled
		refundsTotal.WithLabelValues("failed").Inc()
		logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Order: %s] Refund of %s failed.", o.ID, o.Charge.StringFixed(2))
		x.Notify(ctx, domain.Notification{
			Audience: domain.AudienceFinance,
			Event:    "refund_failed",
			OrderID:  o.ID,
			UserID:   o.UserID,
			Message:  fmt.Sprintf("refund of %s for order %s failed: %v", o.Charge.StringFixed(2), o.ID, err),
			Payload:  map[string]string{"amount": o.Charge.StringFixed(2), "reason": reason},
		})
	} else {
		refundsTotal.WithLabelValues("refunded").Inc()
		logger.Ctx(ctx).Info().Msgf("[Order: %s] Refunded %s.", o.ID, o.Charge.StringFixed(2))
	}
	x.settleRefund(ctx, o, state)
}

// settleRefund 把退款结果写回订单, 版本冲突时重读重试; 结果已经记录过则不再覆盖
func (x *EffectExecutor) settleRefund(ctx context.Context, o *domain.Order, state domain.RefundState) {
	for attempt := 0; attempt < settleAttempts; attempt++ {
		fresh, err := x.orders.FindByID(ctx, o.ID)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Order: %s] Failed to load order to record refund %s.", o.ID, state)
			return
		}
		if fresh.RefundState != domain.RefundPending {
			*o = *fresh
			return
		}
		fresh.RefundState = state
		fresh.UpdatedAt = x.now()
		err = x.orders.Update(ctx, fresh)
		if errors.Is(err, domain.ErrVersionConflict) {
			conflictsTotal.Inc()
			continue
		}
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Order: %s] Failed to record refund %s.", o.ID, state)
			return
		}
		*o = *fresh
		return
	}
	logger.Ctx(ctx).Error().Msgf("CRITICAL: [Order: %s] Gave up recording refund %s after %d conflicts.", o.ID, state, settleAttempts)
}

// RetryRefund 重新执行一个停留在 PENDING 的退款, 用于进程在退款过程中退出的情况
func (x *EffectExecutor) RetryRefund(ctx context.Context, o *domain.Order) {
	if o.RefundState != domain.RefundPending {
		return
	}
	x.refund(ctx, o, "order cancelled")
}
