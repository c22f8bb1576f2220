package saga

import (
	"go.opentelemetry.io/otel/codes"
	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/statemachine"
)

// ActivateHandler PROCESSING -> ACTIVE。
// 开通期间订单被取消时, 暂停刚开通的活动。
type ActivateHandler struct {
	NextHandler
}

func (h *ActivateHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Activate")
	defer span.End()

	o := orderCtx.Order
	switch o.Status {
	case domain.StatusProcessing:
		if _, err := orderCtx.Transitions.Fire(ctx, o, statemachine.ProcessingCompleted, orderCtx.params()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "activation commit failed")
			return phaseErr(PhaseActivate, err)
		}
		logger.Ctx(ctx).Info().Msgf("[Order: %s] Order is now ACTIVE.", o.ID)
	case domain.StatusCancelled:
		c, err := orderCtx.Campaigns.FindActiveByOrder(ctx, o.ID)
		if err != nil || c == nil || !c.Provisioned() {
			return nil
		}
		if err := orderCtx.Provisioner.PauseCampaign(ctx, c.ExternalID); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Order: %s] Cancelled during provisioning, failed to pause campaign %s.", o.ID, c.ExternalID)
			return nil
		}
		span.AddEvent("order cancelled during provisioning, campaign paused")
	default:
		logger.Ctx(ctx).Info().Msgf("[Order: %s] Status is %s, activation skipped.", o.ID, o.Status)
	}
	return h.executeNext(orderCtx)
}
