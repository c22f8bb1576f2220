package saga

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/statemachine"
)

// AdmissionHandler 只接受 PENDING 的订单; IN_PROGRESS / PROCESSING 视为重放, 从持久化的进度继续
type AdmissionHandler struct {
	NextHandler
}

func (h *AdmissionHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Admission")
	defer span.End()

	if err := orderCtx.Reload(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load order failed")
		return phaseErr(PhaseAdmission, err)
	}
	o := orderCtx.Order
	span.SetAttributes(attribute.String("order.status", string(o.Status)))

	switch {
	case o.Status == domain.StatusPending:
		if !o.PaymentVerified {
			// 没有确认的支付, 直接取消
			if _, err := orderCtx.Transitions.Fire(ctx, o, statemachine.PaymentFailed, orderCtx.params()); err != nil {
				span.RecordError(err)
				return phaseErr(PhaseAdmission, err)
			}
			span.AddEvent("payment not verified, order cancelled")
			return nil
		}
		if _, err := orderCtx.Transitions.Fire(ctx, o, statemachine.PaymentConfirmed, orderCtx.params()); err != nil {
			span.RecordError(err)
			return phaseErr(PhaseAdmission, err)
		}
		span.AddEvent("payment confirmed")
	case o.Status.Resumable():
		logger.Ctx(ctx).Info().Msgf("[Order: %s] Resuming from %s.", o.ID, o.Status)
		span.AddEvent("resuming from persisted progress")
	default:
		logger.Ctx(ctx).Info().Msgf("[Order: %s] Nothing to process in status %s, skipped.", o.ID, o.Status)
		return nil
	}

	return h.executeNext(orderCtx)
}
