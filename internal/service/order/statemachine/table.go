// internal/service/order/statemachine/table.go
package statemachine

import (
	"strings"

	"trafficflow/internal/service/order/domain"
)

// buildTable 订单的完整迁移表, 任何不在表中的 (状态, 事件) 组合都会被拒绝
func buildTable() map[Status]map[Event]edge {
	t := map[Status]map[Event]edge{}
	add := func(from []Status, ev Event, e edge) {
		for _, s := range from {
			if t[s] == nil {
				t[s] = map[Event]edge{}
			}
			t[s][ev] = e
		}
	}
	on := func(s ...Status) []Status { return s }

	// 支付
	add(on(domain.StatusPending), PaymentConfirmed,
		edge{target: domain.StatusInProgress, guard: &guardPaymentVerified, action: markConfirmed})
	add(on(domain.StatusPending), PaymentFailed,
		edge{target: domain.StatusCancelled, action: markPaymentFailed})

	// 处理
	add(on(domain.StatusInProgress), StartProcessing,
		edge{target: domain.StatusProcessing, guard: &guardBaselineCaptured})
	add(on(domain.StatusProcessing), ProcessingCompleted,
		edge{target: domain.StatusActive, action: finalizeProvisioning})
	add(on(domain.StatusProcessing), ProcessingFailed,
		edge{target: domain.StatusError, action: recordFailure})

	// 投放控制
	add(on(domain.StatusActive), PauseOrder,
		edge{target: domain.StatusPaused, guard: &guardPausable, action: pauseCampaign})
	add(on(domain.StatusPaused), ResumeOrder,
		edge{target: domain.StatusActive, action: resumeCampaign})
	add(on(domain.StatusActive, domain.StatusPartial), MarkCompleted,
		edge{target: domain.StatusCompleted, guard: &guardDeliveryComplete, action: complete})
	add(on(domain.StatusActive), MarkPartial,
		edge{target: domain.StatusPartial, guard: &guardPartialDelivery, action: recordPartial})

	// 取消
	add(on(domain.StatusInProgress, domain.StatusProcessing, domain.StatusActive), CancelRequested,
		edge{target: domain.StatusCancelled, guard: &guardCancellable, action: cancel})

	// 错误恢复
	add(on(domain.StatusError), RetryProcessing,
		edge{target: domain.StatusProcessing, guard: &guardCanRetry, action: markRetry})
	add(on(domain.StatusError), ManualIntervention,
		edge{target: domain.StatusHolding, action: flagForOperator})
	add(on(domain.StatusHolding), ErrorResolved,
		edge{target: domain.StatusProcessing, action: resetRetries})

	// 管理员
	add(on(domain.StatusSuspended), AdminReactivate,
		edge{target: domain.StatusActive, guard: &guardAdmin, action: adminReactivate})
	add(on(domain.StatusActive, domain.StatusPaused), AdminSuspend,
		edge{target: domain.StatusSuspended, guard: &guardAdmin, action: adminSuspend})
	add(on(domain.StatusError), AdminOverride,
		edge{internal: true, guard: &guardAdmin, action: adminOverride})

	return t
}

var (
	guardPaymentVerified = Guard{Name: "payment_verified", Check: func(o *domain.Order, _ Params) bool {
		return o.PaymentVerified
	}}
	guardBaselineCaptured = Guard{Name: "baseline_captured", Check: func(o *domain.Order, _ Params) bool {
		return o.BaselineCaptured
	}}
	// 还有剩余量, 且没有挂起的退款
	guardPausable = Guard{Name: "pausable", Check: func(o *domain.Order, _ Params) bool {
		return o.Remains > 0 && o.RefundState == domain.RefundNone
	}}
	guardDeliveryComplete = Guard{Name: "delivery_complete", Check: func(o *domain.Order, p Params) bool {
		return p.Delivered >= o.Quantity
	}}
	guardPartialDelivery = Guard{Name: "partial_delivery", Check: func(o *domain.Order, p Params) bool {
		return p.Delivered > 0 && p.Delivered < o.Quantity
	}}
	guardCancellable = Guard{Name: "cancellable", Check: func(o *domain.Order, _ Params) bool {
		return !o.Status.IsTerminal() && o.Delivered() < o.Quantity
	}}
	guardCanRetry = Guard{Name: "retry_allowed", Check: func(o *domain.Order, _ Params) bool {
		return o.RetryCount < o.MaxRetries
	}}
	guardAdmin = Guard{Name: "admin", Check: func(_ *domain.Order, p Params) bool {
		return p.Actor.Admin
	}}
)

func markConfirmed(o *domain.Order, p Params) []Effect {
	now := p.now()
	o.PaymentConfirmedAt = &now
	return nil
}

func markPaymentFailed(o *domain.Order, p Params) []Effect {
	o.LastErrorType = "payment_failed"
	o.ErrorMessage = firstNonEmpty(p.Reason, "payment could not be verified")
	return cancel(o, p)
}

func finalizeProvisioning(o *domain.Order, _ Params) []Effect {
	o.ErrorMessage = ""
	return []Effect{{Kind: EffectNotifyUser, Event: "order_active", Message: "your order is now active"}}
}

func recordFailure(o *domain.Order, p Params) []Effect {
	o.RetryCount++
	o.LastErrorType = firstNonEmpty(p.ErrorType, "processing_failed")
	o.ErrorMessage = p.Reason
	o.FailedPhase = p.Phase
	return nil
}

func pauseCampaign(_ *domain.Order, _ Params) []Effect {
	return []Effect{{Kind: EffectPauseCampaign}}
}

func resumeCampaign(_ *domain.Order, _ Params) []Effect {
	return []Effect{{Kind: EffectResumeCampaign}}
}

func complete(o *domain.Order, _ Params) []Effect {
	o.Remains = 0
	return []Effect{{Kind: EffectNotifyUser, Event: "order_completed", Message: "your order has been completed"}}
}

func recordPartial(o *domain.Order, p Params) []Effect {
	o.Remains = o.Quantity - p.Delivered
	return []Effect{{Kind: EffectNotifyUser, Event: "order_partial", Message: "your order was partially delivered"}}
}

// cancel 进入 CANCELLED 的唯一入口: 需要退款时在同一次提交里把退款标记为 PENDING
func cancel(o *domain.Order, p Params) []Effect {
	now := p.now()
	o.CancelledAt = &now

	var effects []Effect
	// PROCESSING 中可能已经有开通的活动, 没有时执行器会跳过
	if o.Status == domain.StatusActive || o.Status == domain.StatusProcessing {
		effects = append(effects, Effect{Kind: EffectPauseCampaign})
	}
	msg := domain.MessageOrderCancelled
	if o.RefundDue() && o.RefundState == domain.RefundNone {
		o.RefundState = domain.RefundPending
		effects = append(effects, Effect{Kind: EffectRefund, Message: firstNonEmpty(p.Reason, "order cancelled")})
		msg = domain.MessageOrderCancelledRefunded
	}
	return append(effects, Effect{Kind: EffectNotifyUser, Event: "order_cancelled", Message: msg})
}

func markRetry(o *domain.Order, p Params) []Effect {
	now := p.now()
	o.LastRetryAt = &now
	return nil
}

func flagForOperator(o *domain.Order, p Params) []Effect {
	o.OperatorNotes = appendNote(o.OperatorNotes, p.Notes)
	issue := firstNonEmpty(p.Reason, o.ErrorMessage, o.LastErrorType, "manual review required")
	return []Effect{
		{Kind: EffectManualIntervention, Message: issue},
		{Kind: EffectNotifyOperators, Event: "order_needs_review", Message: issue},
	}
}

func resetRetries(o *domain.Order, p Params) []Effect {
	o.RetryCount = 0
	o.LastErrorType = ""
	o.ErrorMessage = ""
	o.FailedPhase = ""
	o.OperatorNotes = appendNote(o.OperatorNotes, p.Notes)
	return nil
}

func adminReactivate(o *domain.Order, p Params) []Effect {
	o.OperatorNotes = appendNote(o.OperatorNotes, p.Notes)
	return []Effect{{Kind: EffectResumeCampaign}}
}

func adminSuspend(o *domain.Order, p Params) []Effect {
	o.OperatorNotes = appendNote(o.OperatorNotes, p.Notes)
	if o.Status == domain.StatusActive {
		return []Effect{{Kind: EffectPauseCampaign}}
	}
	return nil
}

func adminOverride(o *domain.Order, p Params) []Effect {
	o.OperatorNotes = appendNote(o.OperatorNotes, p.Notes)
	o.IsManuallyFailed = p.MarkFailed
	return nil
}

func appendNote(existing, note string) string {
	note = strings.TrimSpace(note)
	switch {
	case note == "":
		return existing
	case existing == "":
		return note
	default:
		return existing + "\n" + note
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
