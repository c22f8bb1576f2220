package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/domain/port"
	"trafficflow/internal/service/order/statemachine"
)

// Transitioner 由应用层实现: 触发状态机并以乐观锁提交, 提交成功后执行副作用
type Transitioner interface {
	Fire(ctx context.Context, o *domain.Order, ev statemachine.Event, p statemachine.Params) (statemachine.Transition, error)
	// Save 只保存进度字段 (基线、系数决策), 不改变状态
	Save(ctx context.Context, o *domain.Order) error
	// Park PROCESSING -> ERROR -> HOLDING, 等待人工处理
	Park(ctx context.Context, o *domain.Order, phase, reason string) error
}

// Settings 编排参数
type Settings struct {
	DefaultCoefficient domain.ConversionCoefficient
	BaselineTimeout    time.Duration
	ClipTimeout        time.Duration
	ProvisionTimeout   time.Duration
}

// OrderContext 在 Saga 流程中传递上下文数据。
// Order 是最近一次从仓储读到的订单, 每次外部调用返回后都会重新读取。
type OrderContext struct {
	Ctx     context.Context
	OrderID string
	Order   *domain.Order
	Tracer  trace.Tracer
	Now     func() time.Time

	Transitions  Transitioner
	Orders       domain.OrderRepository
	Campaigns    domain.CampaignRepository
	Clips        domain.ClipRepository
	Coefficients domain.CoefficientRepository

	Baseline    port.BaselineMetricService
	ClipService port.ClipService
	Provisioner port.CampaignProvisioner

	Settings Settings

	compensations []func(ctx context.Context)
	compLock      sync.Mutex
}

func (c *OrderContext) AddCompensation(comp func(ctx context.Context)) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	c.compensations = append([]func(context.Context){comp}, c.compensations...)
}

func (c *OrderContext) TriggerCompensation(ctx context.Context) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	logger.Ctx(ctx).Info().Msgf("[Order: %s] Executing %d compensation functions.", c.OrderID, len(c.compensations))
	for _, comp := range c.compensations {
		comp(ctx)
	}
	c.compensations = nil
}

// ClearCompensations 步骤已经确定了结果, 之前登记的补偿不再需要
func (c *OrderContext) ClearCompensations() {
	c.compLock.Lock()
	c.compensations = nil
	c.compLock.Unlock()
}

// Reload 重新读取订单, 外部调用期间不持有任何订单锁
func (c *OrderContext) Reload(ctx context.Context) error {
	o, err := c.Orders.FindByID(ctx, c.OrderID)
	if err != nil {
		return fmt.Errorf("reload order %s: %w", c.OrderID, err)
	}
	c.Order = o
	return nil
}

func (c *OrderContext) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *OrderContext) params() statemachine.Params {
	return statemachine.Params{Actor: statemachine.SystemActor, Now: c.now()}
}

type Handler interface {
	SetNext(handler Handler) Handler
	Handle(orderCtx *OrderContext) error
}

type NextHandler struct {
	next Handler
}

func (h *NextHandler) SetNext(handler Handler) Handler {
	h.next = handler
	return handler
}

func (h *NextHandler) executeNext(orderCtx *OrderContext) error {
	if h.next != nil {
		return h.next.Handle(orderCtx)
	}
	return nil
}

// NewChain 组装编排链: 准入 -> 基线 -> 系数 -> 开始处理 -> (clip) 开通 -> 激活
func NewChain() Handler {
	head := &AdmissionHandler{}
	head.SetNext(&BaselineHandler{}).
		SetNext(&CoefficientHandler{}).
		SetNext(&StartProcessingHandler{}).
		SetNext(&ProvisionHandler{}).
		SetNext(&ActivateHandler{})
	return head
}

// PhaseError 标记失败发生在哪个阶段
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string { return fmt.Sprintf("%s: %v", e.Phase, e.Err) }

func (e *PhaseError) Unwrap() error { return e.Err }

const (
	PhaseAdmission = "admission"
	PhaseBaseline  = "baseline"
	PhaseDecision  = "coefficient"
	PhaseClip      = "clip"
	PhaseProvision = "provision"
	PhaseActivate  = "activate"
)

func phaseErr(phase string, err error) error {
	if err == nil {
		return nil
	}
	return &PhaseError{Phase: phase, Err: err}
}
