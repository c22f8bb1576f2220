// internal/service/order/statemachine/event.go
package statemachine

import "time"

// Event 驱动订单状态迁移的事件
type Event string

const (
	PaymentConfirmed    Event = "PAYMENT_CONFIRMED"
	PaymentFailed       Event = "PAYMENT_FAILED"
	StartProcessing     Event = "START_PROCESSING"
	ProcessingCompleted Event = "PROCESSING_COMPLETED"
	ProcessingFailed    Event = "PROCESSING_FAILED"
	PauseOrder          Event = "PAUSE_ORDER"
	ResumeOrder         Event = "RESUME_ORDER"
	MarkCompleted       Event = "MARK_COMPLETED"
	MarkPartial         Event = "MARK_PARTIAL"
	CancelRequested     Event = "CANCEL_REQUESTED"
	RetryProcessing     Event = "RETRY_PROCESSING"
	ManualIntervention  Event = "MANUAL_INTERVENTION"
	ErrorResolved       Event = "ERROR_RESOLVED"
	AdminReactivate     Event = "ADMIN_REACTIVATE"
	AdminSuspend        Event = "ADMIN_SUSPEND"
	AdminOverride       Event = "ADMIN_OVERRIDE"
)

// Actor 触发事件的调用方
type Actor struct {
	ID    string
	Admin bool
}

// SystemActor 编排器自身
var SystemActor = Actor{ID: "system"}

// Params 事件携带的参数, guard 和 action 只读取这里和订单本身
type Params struct {
	Actor Actor
	Now   time.Time

	// Delivered 当前已交付数量, MARK_COMPLETED / MARK_PARTIAL 使用
	Delivered int64

	// 失败信息, PROCESSING_FAILED 使用
	ErrorType string
	Reason    string
	Phase     string

	// 人工备注, MANUAL_INTERVENTION / ERROR_RESOLVED / ADMIN_* 使用
	Notes      string
	MarkFailed bool
}

func (p Params) now() time.Time {
	if p.Now.IsZero() {
		return time.Now().UTC()
	}
	return p.Now
}
