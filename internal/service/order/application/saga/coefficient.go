package saga

import (
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/statemachine"
)

// CoefficientHandler 查找服务的转化系数 (没有时使用默认值), 决定是否走 clip 并计算点击目标
type CoefficientHandler struct {
	NextHandler
}

func (h *CoefficientHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Coefficient")
	defer span.End()

	o := orderCtx.Order
	if !o.CoefficientDecided {
		coef, err := orderCtx.Coefficients.FindByServiceID(ctx, o.ServiceID)
		switch {
		case errors.Is(err, domain.ErrCoefficientNotFound):
			logger.Ctx(ctx).Info().Msgf("[Order: %s] No coefficient for service %d, using defaults.", o.ID, o.ServiceID)
			def := orderCtx.Settings.DefaultCoefficient
			def.ServiceID = o.ServiceID
			coef = &def
		case err != nil:
			span.RecordError(err)
			return phaseErr(PhaseDecision, err)
		}

		o.DecideDelivery(*coef)
		o.UpdatedAt = orderCtx.now()
		if err := orderCtx.Transitions.Save(ctx, o); err != nil {
			span.RecordError(err)
			return phaseErr(PhaseDecision, err)
		}
	}

	span.SetAttributes(
		attribute.Bool("order.use_clip", o.UseClip),
		attribute.String("order.coefficient", o.Coefficient.String()),
		attribute.Int64("order.target_clicks", o.TargetClicks),
	)
	return h.executeNext(orderCtx)
}

// StartProcessingHandler IN_PROGRESS -> PROCESSING, 重放时已经在 PROCESSING 则直接继续
type StartProcessingHandler struct {
	NextHandler
}

func (h *StartProcessingHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.StartProcessing")
	defer span.End()

	if orderCtx.Order.Status == domain.StatusInProgress {
		if _, err := orderCtx.Transitions.Fire(ctx, orderCtx.Order, statemachine.StartProcessing, orderCtx.params()); err != nil {
			span.RecordError(err)
			return phaseErr(PhaseDecision, err)
		}
	}
	return h.executeNext(orderCtx)
}
