package saga

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/domain/port"
)

// ProvisionHandler 负责 clip 生成与流量活动开通。
//
// 每个订单最多一条有效的活动记录: 调用外部接口之前先插入 PROVISIONING 占位,
// 成功后写入外部 ID。重放时发现已开通的活动直接跳过; 发现没有结果的占位说明
// 上一次调用的结果未知, 转人工处理而不是再开一次。
type ProvisionHandler struct {
	NextHandler
}

func (h *ProvisionHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Provision")
	defer span.End()

	o := orderCtx.Order
	if o.Status != domain.StatusProcessing {
		logger.Ctx(ctx).Info().Msgf("[Order: %s] Not processing (%s), provisioning skipped.", o.ID, o.Status)
		return nil
	}

	existing, err := orderCtx.Campaigns.FindActiveByOrder(ctx, o.ID)
	if err != nil {
		span.RecordError(err)
		return phaseErr(PhaseProvision, err)
	}
	if existing != nil {
		if existing.Provisioned() {
			span.AddEvent("campaign already provisioned, skipping", traceCampaign(existing))
			return h.executeNext(orderCtx)
		}
		return park(ctx, orderCtx, PhaseProvision,
			fmt.Sprintf("campaign claim %s has no confirmed provisioning result", existing.ID))
	}

	target := o.Link
	if o.UseClip {
		clipURL, parked, err := ensureClip(ctx, orderCtx)
		if err != nil || parked {
			return err
		}
		target = clipURL
	}

	return h.provision(ctx, orderCtx, target)
}

func (h *ProvisionHandler) provision(ctx context.Context, orderCtx *OrderContext, target string) error {
	// clip 调用期间订单可能已被取消, 占位前重新确认状态
	if err := orderCtx.Reload(ctx); err != nil {
		return phaseErr(PhaseProvision, err)
	}
	o := orderCtx.Order
	if o.Status != domain.StatusProcessing {
		logger.Ctx(ctx).Info().Msgf("[Order: %s] Status changed to %s, provisioning skipped.", o.ID, o.Status)
		return nil
	}

	key, err := provisionKey(ctx, orderCtx)
	if err != nil {
		return phaseErr(PhaseProvision, err)
	}
	claim := domain.NewCampaignClaim(o.ID, target, o.TargetClicks, o.Coefficient, orderCtx.now())
	claim.IdempotencyKey = key
	if err := orderCtx.Campaigns.Claim(ctx, claim); err != nil {
		return phaseErr(PhaseProvision, err)
	}
	orderCtx.AddCompensation(func(ctx context.Context) {
		if err := orderCtx.Campaigns.Release(ctx, claim.ID); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msgf("[Order: %s] Failed to release campaign claim %s.", o.ID, claim.ID)
		}
	})

	callCtx, cancel := context.WithTimeout(ctx, orderCtx.Settings.ProvisionTimeout)
	campaignID, err := orderCtx.Provisioner.ProvisionCampaign(callCtx, port.ProvisionRequest{
		IdempotencyKey: claim.IdempotencyKey,
		OrderID:        o.ID,
		TargetURL:      target,
		RequiredClicks: o.TargetClicks,
	})
	timedOut := callCtx.Err() != nil
	cancel()

	if err != nil {
		if timedOut {
			// 外部可能已经开通, 保留占位
			orderCtx.ClearCompensations()
			return park(ctx, orderCtx, PhaseProvision, fmt.Sprintf("campaign provisioning outcome unknown: %v", err))
		}
		orderCtx.TriggerCompensation(ctx)
		if o.UseClip {
			// clip 已经生成, 不自动重试
			return park(ctx, orderCtx, PhaseProvision, fmt.Sprintf("campaign provisioning failed: %v", err))
		}
		return phaseErr(PhaseProvision, err)
	}
	orderCtx.ClearCompensations()

	if err := orderCtx.Campaigns.MarkProvisioned(ctx, claim.ID, campaignID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Order: %s] Campaign %s provisioned but not recorded.", o.ID, campaignID)
		return park(ctx, orderCtx, PhaseProvision,
			fmt.Sprintf("campaign %s provisioned externally but not recorded: %v", campaignID, err))
	}
	logger.Ctx(ctx).Info().Msgf("[Order: %s] Campaign %s provisioned for %d clicks.", o.ID, campaignID, o.TargetClicks)

	if err := orderCtx.Reload(ctx); err != nil {
		return phaseErr(PhaseProvision, err)
	}
	return h.executeNext(orderCtx)
}

// ensureClip 返回可用的 clip 地址; parked 为 true 表示订单已转人工, 流程结束
func ensureClip(ctx context.Context, orderCtx *OrderContext) (clipURL string, parked bool, err error) {
	ctx, span := orderCtx.Tracer.Start(ctx, "saga.Clip")
	defer span.End()

	o := orderCtx.Order
	clip, err := orderCtx.Clips.FindActiveByOrder(ctx, o.ID)
	if err != nil {
		return "", false, phaseErr(PhaseClip, err)
	}

	if clip != nil {
		switch clip.Status {
		case domain.ClipCompleted:
			span.AddEvent("reusing completed clip")
			return clip.ClipURL, false, nil
		case domain.ClipFailed:
			return "", true, park(ctx, orderCtx, PhaseClip, "clip creation failed: "+clip.ErrorMessage)
		default:
			return "", true, park(ctx, orderCtx, PhaseClip, fmt.Sprintf("clip %s has no recorded result", clip.ID))
		}
	}

	rec := domain.NewClipRecord(o.ID, o.Link, orderCtx.now())
	if err := orderCtx.Clips.Create(ctx, rec); err != nil {
		return "", false, phaseErr(PhaseClip, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, orderCtx.Settings.ClipTimeout)
	clipURL, err = orderCtx.ClipService.CreateClip(callCtx, o.Link)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "clip creation failed")
		if ferr := orderCtx.Clips.Fail(ctx, rec.ID, err.Error()); ferr != nil {
			logger.Ctx(ctx).Error().Err(ferr).Msgf("[Order: %s] Failed to record clip failure.", o.ID)
		}
		return "", true, park(ctx, orderCtx, PhaseClip, "clip creation failed: "+err.Error())
	}
	if err := orderCtx.Clips.Complete(ctx, rec.ID, clipURL); err != nil {
		return "", true, park(ctx, orderCtx, PhaseClip, fmt.Sprintf("clip %s created but not recorded: %v", clipURL, err))
	}
	span.SetAttributes(attribute.String("clip.url", clipURL))
	return clipURL, false, nil
}

// provisionKey 同一订单在人工作废活动之前的所有开通请求使用同一个幂等键,
// 结果未知的失败重试时外部系统可以去重
func provisionKey(ctx context.Context, orderCtx *OrderContext) (string, error) {
	history, err := orderCtx.Campaigns.ListByOrder(ctx, orderCtx.OrderID)
	if err != nil {
		return "", err
	}
	generation := 0
	for _, c := range history {
		if c.Status == domain.CampaignSuperseded {
			generation++
		}
	}
	return domain.ProvisionKey(orderCtx.OrderID, generation), nil
}

// park 重新读取订单后转人工; 订单已不在 PROCESSING (例如被取消) 时什么都不做
func park(ctx context.Context, orderCtx *OrderContext, phase, reason string) error {
	if err := orderCtx.Reload(ctx); err != nil {
		return phaseErr(phase, err)
	}
	o := orderCtx.Order
	if o.Status != domain.StatusProcessing {
		logger.Ctx(ctx).Warn().Msgf("[Order: %s] Wanted manual review (%s) but status is %s.", o.ID, reason, o.Status)
		return nil
	}
	logger.Ctx(ctx).Warn().Str("phase", phase).Msgf("[Order: %s] Parking for manual review: %s", o.ID, reason)
	if err := orderCtx.Transitions.Park(ctx, o, phase, reason); err != nil {
		return phaseErr(phase, err)
	}
	return nil
}

func traceCampaign(c *domain.Campaign) trace.EventOption {
	return trace.WithAttributes(
		attribute.String("campaign.id", c.ID),
		attribute.String("campaign.external_id", c.ExternalID),
	)
}
