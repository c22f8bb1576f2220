// internal/service/order/application/service.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/domain/port"
	"trafficflow/internal/service/order/fraud"
	"trafficflow/internal/service/order/statemachine"
)

// ErrInvalidRequest 输入不合法, 不会产生任何订单
var ErrInvalidRequest = errors.New("invalid request")

// AdmissionGate 受理前的风控检查
type AdmissionGate interface {
	Evaluate(ctx context.Context, req fraud.Request) (fraud.Decision, error)
}

// UserDirectory 按用户 ID 查询风控信任判断所需的资料, 不信任调用方自报的资料
type UserDirectory interface {
	Profile(ctx context.Context, userID int64) (fraud.UserProfile, error)
}

// OrderService 订单的受理入口与生命周期操作。
// 所有状态变化都经过 Transitions, 处理流程本身由 Orchestrator 异步执行。
type OrderService struct {
	orders      domain.OrderRepository
	campaigns   domain.CampaignRepository
	clips       domain.ClipRepository
	gate        AdmissionGate
	users       UserDirectory
	scheduler   port.ProcessingScheduler
	transitions *Transitions
	tracer      trace.Tracer
	maxRetries  int
	now         func() time.Time
}

func NewOrderService(
	orders domain.OrderRepository,
	campaigns domain.CampaignRepository,
	clips domain.ClipRepository,
	gate AdmissionGate,
	users UserDirectory,
	scheduler port.ProcessingScheduler,
	transitions *Transitions,
	tracer trace.Tracer,
	maxRetries int,
) *OrderService {
	return &OrderService{
		orders:      orders,
		campaigns:   campaigns,
		clips:       clips,
		gate:        gate,
		users:       users,
		scheduler:   scheduler,
		transitions: transitions,
		tracer:      tracer,
		maxRetries:  maxRetries,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// PlaceOrder 校验 -> 风控 -> 持久化为 PENDING -> 安排处理。
// 风控拒绝时返回 *fraud.AdmissionError, 不会写入任何订单。
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.PlaceOrder", trace.WithAttributes(
		attribute.Int64("user.id", req.UserID),
		attribute.Int64("order.quantity", req.Quantity),
	))
	defer span.End()

	order, err := domain.NewOrder(domain.NewOrderParams{
		UserID:           req.UserID,
		ServiceID:        req.ServiceID,
		Link:             req.Link,
		Quantity:         req.Quantity,
		Charge:           req.Charge,
		PaymentConfirmed: req.PaymentConfirmed,
		MaxRetries:       s.maxRetries,
	}, s.now())
	if err != nil {
		span.SetStatus(codes.Error, "invalid order")
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	user := s.profile(ctx, req.UserID)
	decision, err := s.gate.Evaluate(ctx, fraud.Request{
		UserID:   req.UserID,
		Link:     order.Link,
		Quantity: req.Quantity,
		Charge:   req.Charge,
		User:     user,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !decision.Accepted {
		span.SetStatus(codes.Error, "rejected by fraud gate")
		logger.Ctx(ctx).Warn().Strs("rules", decision.Triggered).Msgf("Order from user %d rejected.", req.UserID)
		return nil, decision.Err()
	}

	if err := s.orders.Create(ctx, order); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist order")
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", order.ID))
	logger.Ctx(ctx).Info().Msgf("[Order: %s] Accepted for user %d, quantity %d.", order.ID, order.UserID, order.Quantity)

	s.schedule(ctx, order)

	return &PlaceOrderResponse{
		OrderID: order.ID,
		Status:  order.Status.Public(),
		Message: "Your order is being processed.",
	}, nil
}

// profile 查询失败时按没有任何历史的用户处理, 高额订单需要满足只依赖 ID 的信任条件
func (s *OrderService) profile(ctx context.Context, userID int64) fraud.UserProfile {
	p, err := s.users.Profile(ctx, userID)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msgf("User directory lookup failed for user %d, using an empty profile.", userID)
		return fraud.UserProfile{ID: userID}
	}
	p.ID = userID
	return p
}

// schedule 失败时只记录日志, 恢复扫描会重新拾起停留的订单
func (s *OrderService) schedule(ctx context.Context, o *domain.Order) {
	err := s.scheduler.Schedule(ctx, domain.OrderCreated{
		EventID: uuid.NewString(),
		OrderID: o.ID,
		UserID:  o.UserID,
		At:      s.now(),
	})
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msgf("[Order: %s] Failed to schedule processing, recovery will pick it up.", o.ID)
	}
}

func (s *OrderService) apply(ctx context.Context, orderID string, ev statemachine.Event, p statemachine.Params) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "app."+string(ev), trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("actor.id", p.Actor.ID),
	))
	defer span.End()

	o, _, err := s.transitions.Apply(ctx, orderID, ev, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition refused")
		return nil, err
	}
	return o, nil
}

func (s *OrderService) Pause(ctx context.Context, orderID string, actor statemachine.Actor) (*domain.Order, error) {
	return s.apply(ctx, orderID, statemachine.PauseOrder, statemachine.Params{Actor: actor})
}

func (s *OrderService) Resume(ctx context.Context, orderID string, actor statemachine.Actor) (*domain.Order, error) {
	return s.apply(ctx, orderID, statemachine.ResumeOrder, statemachine.Params{Actor: actor})
}

// Cancel 已扣款的订单会在同一次提交中标记退款
func (s *OrderService) Cancel(ctx context.Context, orderID string, actor statemachine.Actor, reason string) (*domain.Order, error) {
	return s.apply(ctx, orderID, statemachine.CancelRequested, statemachine.Params{Actor: actor, Reason: reason})
}

func (s *OrderService) MarkCompleted(ctx context.Context, orderID string, actor statemachine.Actor, delivered int64) (*domain.Order, error) {
	return s.apply(ctx, orderID, statemachine.MarkCompleted, statemachine.Params{Actor: actor, Delivered: delivered})
}

func (s *OrderService) MarkPartial(ctx context.Context, orderID string, actor statemachine.Actor, delivered int64) (*domain.Order, error) {
	return s.apply(ctx, orderID, statemachine.MarkPartial, statemachine.Params{Actor: actor, Delivered: delivered})
}

// RetryProcessing ERROR -> PROCESSING 并重新安排编排
func (s *OrderService) RetryProcessing(ctx context.Context, orderID string, actor statemachine.Actor) (*domain.Order, error) {
	o, err := s.apply(ctx, orderID, statemachine.RetryProcessing, statemachine.Params{Actor: actor})
	if err != nil {
		return nil, err
	}
	s.schedule(ctx, o)
	return o, nil
}

// RequestManualIntervention ERROR -> HOLDING
func (s *OrderService) RequestManualIntervention(ctx context.Context, orderID string, actor statemachine.Actor, notes string) (*domain.Order, error) {
	return s.apply(ctx, orderID, statemachine.ManualIntervention, statemachine.Params{Actor: actor, Notes: notes})
}

// ResolveError HOLDING -> PROCESSING。
// 先按运营的结论处理活动与 clip 记录, 再提交迁移并重新安排编排。
func (s *OrderService) ResolveError(ctx context.Context, orderID string, actor statemachine.Actor, req ResolveRequest) (*domain.Order, error) {
	if req.Supersede && req.ExternalCampaignID != "" {
		return nil, fmt.Errorf("%w: supersede and external campaign id are exclusive", ErrInvalidRequest)
	}

	o, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !s.transitions.Allowed(o, statemachine.ErrorResolved) {
		return nil, fmt.Errorf("%w: order %s is %s", statemachine.ErrIllegalTransition, o.ID, o.Status)
	}

	switch {
	case req.Supersede:
		if err := s.campaigns.Supersede(ctx, o.ID); err != nil {
			return nil, err
		}
		if err := s.clips.Supersede(ctx, o.ID); err != nil {
			return nil, err
		}
		logger.Ctx(ctx).Info().Str("actor", actor.ID).Msgf("[Order: %s] Campaign and clip records superseded.", o.ID)
	case req.ExternalCampaignID != "":
		c, err := s.campaigns.FindActiveByOrder(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, fmt.Errorf("%w: order %s has no campaign claim", ErrInvalidRequest, o.ID)
		}
		if err := s.campaigns.MarkProvisioned(ctx, c.ID, req.ExternalCampaignID); err != nil {
			return nil, err
		}
		logger.Ctx(ctx).Info().Str("actor", actor.ID).Msgf("[Order: %s] Campaign %s confirmed by operator.", o.ID, req.ExternalCampaignID)
	}

	o, err = s.apply(ctx, orderID, statemachine.ErrorResolved, statemachine.Params{Actor: actor, Notes: req.Notes})
	if err != nil {
		return nil, err
	}
	s.schedule(ctx, o)
	return o, nil
}

func (s *OrderService) AdminSuspend(ctx context.Context, orderID string, actor statemachine.Actor, notes string) (*domain.Order, error) {
	return s.apply(ctx, orderID, statemachine.AdminSuspend, statemachine.Params{Actor: actor, Notes: notes})
}

func (s *OrderService) AdminReactivate(ctx context.Context, orderID string, actor statemachine.Actor, notes string) (*domain.Order, error) {
	return s.apply(ctx, orderID, statemachine.AdminReactivate, statemachine.Params{Actor: actor, Notes: notes})
}

// AdminOverride 只修改备注与人工失败标记, 状态不变
func (s *OrderService) AdminOverride(ctx context.Context, orderID string, actor statemachine.Actor, notes string, markFailed bool) (*domain.Order, error) {
	return s.apply(ctx, orderID, statemachine.AdminOverride, statemachine.Params{Actor: actor, Notes: notes, MarkFailed: markFailed})
}

// GetOrder 内部视图
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*OrderView, error) {
	o, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	campaigns, err := s.campaigns.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: o, Campaigns: campaigns}, nil
}

// PublicStatus 用户可见的状态
func (s *OrderService) PublicStatus(ctx context.Context, orderID string) (*PublicOrderView, error) {
	o, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return ToPublicView(o), nil
}
