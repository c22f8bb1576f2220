package saga

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/service/order/domain"
)

// BaselineHandler 采集目标当前的计数作为 startCount, 并把 remains 设为 quantity
type BaselineHandler struct {
	NextHandler
}

func (h *BaselineHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Baseline")
	defer span.End()

	if orderCtx.Order.BaselineCaptured {
		span.AddEvent("baseline already captured")
		return h.executeNext(orderCtx)
	}

	callCtx, cancel := context.WithTimeout(ctx, orderCtx.Settings.BaselineTimeout)
	count, err := orderCtx.Baseline.GetBaselineMetric(callCtx, orderCtx.Order.Link)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "baseline capture failed")
		return phaseErr(PhaseBaseline, err)
	}
	span.SetAttributes(attribute.Int64("baseline.count", count))

	if err := orderCtx.Reload(ctx); err != nil {
		return phaseErr(PhaseBaseline, err)
	}
	o := orderCtx.Order
	if o.Status != domain.StatusInProgress && o.Status != domain.StatusProcessing {
		// 调用期间订单被取消
		logger.Ctx(ctx).Info().Msgf("[Order: %s] Status moved to %s during baseline capture, stopping.", o.ID, o.Status)
		return nil
	}

	o.RecordBaseline(count)
	o.UpdatedAt = orderCtx.now()
	if err := orderCtx.Transitions.Save(ctx, o); err != nil {
		span.RecordError(err)
		return phaseErr(PhaseBaseline, err)
	}
	return h.executeNext(orderCtx)
}
