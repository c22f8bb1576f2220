// internal/service/order/application/orchestrator.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/pkg/workerpool"
	"trafficflow/internal/service/order/application/saga"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/domain/port"
	"trafficflow/internal/service/order/statemachine"
)

// OrchestratorDeps 编排器依赖的仓储与外部能力
type OrchestratorDeps struct {
	Orders       domain.OrderRepository
	Campaigns    domain.CampaignRepository
	Clips        domain.ClipRepository
	Coefficients domain.CoefficientRepository

	Baseline    port.BaselineMetricService
	ClipService port.ClipService
	Provisioner port.CampaignProvisioner
}

// Orchestrator 把一个订单从 PENDING 推进到 ACTIVE。
// 它不持有跨外部调用的锁, 每一步都从仓储读取最新状态, 所以可以在任意步骤之后安全重放。
type Orchestrator struct {
	deps              OrchestratorDeps
	transitions       *Transitions
	effects           *EffectExecutor
	chain             saga.Handler
	settings          saga.Settings
	processingTimeout time.Duration
	tracer            trace.Tracer
	now               func() time.Time
}

func NewOrchestrator(deps OrchestratorDeps, transitions *Transitions, effects *EffectExecutor, settings saga.Settings, processingTimeout time.Duration, tracer trace.Tracer) *Orchestrator {
	return &Orchestrator{
		deps:              deps,
		transitions:       transitions,
		effects:           effects,
		chain:             saga.NewChain(),
		settings:          settings,
		processingTimeout: processingTimeout,
		tracer:            tracer,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// Process 处理一个订单, 可以对同一订单重复调用
func (o *Orchestrator) Process(ctx context.Context, orderID string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	processingCtx, cancel := context.WithTimeout(ctx, o.processingTimeout)
	defer cancel()

	orderCtx := &saga.OrderContext{
		Ctx:          processingCtx,
		OrderID:      orderID,
		Tracer:       o.tracer,
		Now:          o.now,
		Transitions:  o.transitions,
		Orders:       o.deps.Orders,
		Campaigns:    o.deps.Campaigns,
		Clips:        o.deps.Clips,
		Coefficients: o.deps.Coefficients,
		Baseline:     o.deps.Baseline,
		ClipService:  o.deps.ClipService,
		Provisioner:  o.deps.Provisioner,
		Settings:     o.settings,
	}

	logger.Ctx(ctx).Info().Msgf("[Order: %s] Starting orchestration.", orderID)
	if err := o.chain.Handle(orderCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "orchestration failed")
		orchestrationsTotal.WithLabelValues("failed").Inc()
		logger.Ctx(ctx).Warn().Err(err).Msgf("[Order: %s] Orchestration failed.", orderID)
		return err
	}
	orchestrationsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Handle 适配 workerpool.HandleFunc
func (o *Orchestrator) Handle(ctx context.Context, task workerpool.Task) error {
	if task.Attempt > 1 {
		logger.Ctx(ctx).Info().Int("attempt", task.Attempt).Msgf("[Order: %s] Retrying orchestration.", task.Key)
	}
	return o.Process(ctx, task.Key)
}

// GiveUp 重试耗尽或遇到不可重试的错误时补偿: 取消订单 (按需退款) 并通知运营。
// 订单已有活动记录时改为转人工, 不取消也不退款。
func (o *Orchestrator) GiveUp(ctx context.Context, task workerpool.Task, cause error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.GiveUp", trace.WithAttributes(attribute.String("order.id", task.Key)))
	defer span.End()
	span.RecordError(cause)

	reason := fmt.Sprintf("processing failed after %d attempt(s): %v", task.Attempt, cause)
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		order, err := o.deps.Orders.FindByID(ctx, task.Key)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Order: %s] Cannot load order for compensation.", task.Key)
			return
		}

		var ev statemachine.Event
		switch order.Status {
		case domain.StatusPending:
			ev = statemachine.PaymentFailed
		case domain.StatusInProgress, domain.StatusProcessing:
			ev = statemachine.CancelRequested
		default:
			logger.Ctx(ctx).Info().Msgf("[Order: %s] Status is %s, nothing to compensate.", order.ID, order.Status)
			return
		}

		// 已有活动记录 (已开通或结果未知) 时外部可能已经在投放, 不能自动取消退款
		claim, err := o.deps.Campaigns.FindActiveByOrder(ctx, order.ID)
		if err != nil {
			span.SetStatus(codes.Error, "compensation failed")
			logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Order: %s] Cannot check campaign before compensation.", order.ID)
			return
		}
		if claim != nil {
			err = o.holdForReview(ctx, order, claim, reason)
		} else {
			_, err = o.transitions.Fire(ctx, order, ev, statemachine.Params{
				Actor:  statemachine.SystemActor,
				Reason: reason,
			})
		}
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			span.SetStatus(codes.Error, "compensation failed")
			logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Order: %s] Compensation failed.", order.ID)
			return
		}

		if claim != nil {
			return
		}
		logger.Ctx(ctx).Warn().Msgf("[Order: %s] Compensated: %s", order.ID, reason)
		o.effects.Notify(ctx, domain.Notification{
			Audience: domain.AudienceOperators,
			Event:    "order_processing_failed",
			OrderID:  order.ID,
			Message:  reason,
		})
		return
	}
	logger.Ctx(ctx).Error().Msgf("CRITICAL: [Order: %s] Compensation lost %d version races.", task.Key, conflictAttempts)
}

// holdForReview 订单转人工, 活动记录保持原样由运营核对
func (o *Orchestrator) holdForReview(ctx context.Context, order *domain.Order, claim *domain.Campaign, reason string) error {
	if order.Status != domain.StatusProcessing {
		logger.Ctx(ctx).Error().Msgf("CRITICAL: [Order: %s] Campaign claim %s found while %s.", order.ID, claim.ID, order.Status)
		return nil
	}
	logger.Ctx(ctx).Warn().Msgf("[Order: %s] Campaign claim %s (%s) exists, holding instead of cancelling.", order.ID, claim.ID, claim.Status)
	return o.transitions.Park(ctx, order, saga.PhaseActivate,
		fmt.Sprintf("%s; campaign %s is %s", reason, claim.ID, claim.Status))
}

// Retryable 目标无效、迁移被拒绝或订单不存在时重试没有意义
func Retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrInvalidTarget),
		errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, statemachine.ErrIllegalTransition),
		errors.Is(err, statemachine.ErrGuardRejected):
		return false
	}
	return true
}
