// internal/service/order/domain/order.go
package domain

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultMaxRetries 订单从 ERROR 重新进入 PROCESSING 的次数上限
const DefaultMaxRetries = 3

// Order 是订单聚合的根实体。
// 状态机的上下文 (重试次数、时间戳、错误信息) 全部以字段的形式随订单一起持久化。
type Order struct {
	ID        string
	UserID    int64
	ServiceID int64
	Link      string
	Quantity  int64
	Charge    decimal.Decimal

	Status          Status
	PaymentVerified bool

	// 基线与投放进度
	BaselineCaptured bool
	StartCount       int64
	Remains          int64

	// clip 还是直投, 以及对应的系数与点击目标, 一旦决定就不再改变
	CoefficientDecided bool
	UseClip            bool
	Coefficient        decimal.Decimal
	TargetClicks       int64

	RetryCount       int
	MaxRetries       int
	LastErrorType    string
	ErrorMessage     string
	FailedPhase      string
	IsManuallyFailed bool
	OperatorNotes    string

	RefundState RefundState

	PaymentConfirmedAt  *time.Time
	ProcessingStartedAt *time.Time
	ProcessingEndedAt   *time.Time
	LastRetryAt         *time.Time
	CancelledAt         *time.Time

	Version   int64 // 乐观锁
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrderParams 受理一个订单所需的信息
type NewOrderParams struct {
	UserID           int64
	ServiceID        int64
	Link             string
	Quantity         int64
	Charge           decimal.Decimal
	PaymentConfirmed bool
	MaxRetries       int
}

// NewOrder 工厂函数, 校验输入并创建 PENDING 状态的订单
func NewOrder(p NewOrderParams, now time.Time) (*Order, error) {
	if p.UserID <= 0 {
		return nil, errors.New("order requires a user")
	}
	if p.Quantity <= 0 {
		return nil, errors.New("order quantity must be positive")
	}
	if p.Charge.IsNegative() {
		return nil, errors.New("order charge must not be negative")
	}
	if err := ValidateLink(p.Link); err != nil {
		return nil, err
	}
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return &Order{
		ID:              uuid.NewString(),
		UserID:          p.UserID,
		ServiceID:       p.ServiceID,
		Link:            strings.TrimSpace(p.Link),
		Quantity:        p.Quantity,
		Charge:          p.Charge,
		Status:          StatusPending,
		PaymentVerified: p.PaymentConfirmed,
		Remains:         p.Quantity,
		MaxRetries:      maxRetries,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// ValidateLink 目标链接必须是 http(s) 绝对地址
func ValidateLink(link string) error {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidTarget
	}
	return nil
}

// Delivered 已交付的数量
func (o *Order) Delivered() int64 {
	d := o.Quantity - o.Remains
	if d < 0 {
		return 0
	}
	return d
}

// RefundDue 取消时是否需要退款: 已扣款且金额大于 0
func (o *Order) RefundDue() bool {
	return o.PaymentVerified && o.Charge.IsPositive()
}

// RecordBaseline 记录基线计数, 只在第一次调用时生效
func (o *Order) RecordBaseline(count int64) {
	if o.BaselineCaptured {
		return
	}
	o.BaselineCaptured = true
	o.StartCount = count
	o.Remains = o.Quantity
}

// DecideDelivery 根据系数决定是否走 clip, 并计算点击目标; 只在第一次调用时生效
func (o *Order) DecideDelivery(c ConversionCoefficient) {
	if o.CoefficientDecided {
		return
	}
	o.CoefficientDecided = true
	o.UseClip = c.UseClip()
	o.Coefficient = c.For(o.UseClip)
	o.TargetClicks = RequiredClicks(o.Quantity, o.Coefficient)
}

// Clone 返回一个深拷贝, 状态机在失败时用它保证订单不被修改
func (o *Order) Clone() *Order {
	c := *o
	c.PaymentConfirmedAt = cloneTime(o.PaymentConfirmedAt)
	c.ProcessingStartedAt = cloneTime(o.ProcessingStartedAt)
	c.ProcessingEndedAt = cloneTime(o.ProcessingEndedAt)
	c.LastRetryAt = cloneTime(o.LastRetryAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
