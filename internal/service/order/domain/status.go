// internal/service/order/domain/status.go
package domain

// Status 定义了订单的生命周期状态
type Status string

const (
	StatusPending    Status = "PENDING"     // 已受理, 等待编排器处理
	StatusInProgress Status = "IN_PROGRESS" // 支付已确认, 正在采集基线
	StatusProcessing Status = "PROCESSING"  // 正在生成 clip / 开通流量活动
	StatusActive     Status = "ACTIVE"      // 活动已开通, 正在投放
	StatusPaused     Status = "PAUSED"
	StatusPartial    Status = "PARTIAL"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusError      Status = "ERROR"
	StatusHolding    Status = "HOLDING" // 等待人工处理
	StatusSuspended  Status = "SUSPENDED"
)

// AllStatuses 按生命周期顺序列出所有状态
var AllStatuses = []Status{
	StatusPending, StatusInProgress, StatusProcessing, StatusActive, StatusPaused, StatusPartial,
	StatusCompleted, StatusCancelled, StatusError, StatusHolding, StatusSuspended,
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Resumable 编排器可以从持久化的进度继续推进的状态
func (s Status) Resumable() bool {
	return s == StatusInProgress || s == StatusProcessing
}

// RefundState 取消订单后的退款进度
type RefundState string

const (
	RefundNone         RefundState = ""
	RefundPending      RefundState = "PENDING"
	RefundDone         RefundState = "REFUNDED"
	RefundUnreconciled RefundState = "UNRECONCILED" // 退款调用失败, 需要财务介入
)

// PublicStatus 是用户可见的状态
type PublicStatus string

const (
	PublicProcessingDelayed PublicStatus = "PROCESSING_DELAYED"
)

// Public 把内部状态映射为用户可见的状态, 需要人工处理的订单对用户只显示 "处理延迟"
func (s Status) Public() PublicStatus {
	switch s {
	case StatusHolding, StatusError:
		return PublicProcessingDelayed
	case StatusInProgress:
		return PublicStatus(StatusProcessing)
	default:
		return PublicStatus(s)
	}
}
