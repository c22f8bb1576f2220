// internal/service/order/statemachine/effect.go
package statemachine

// EffectKind 迁移产生的副作用类型。
// 状态机只声明副作用, 由应用层在乐观锁提交成功之后执行, 保证每个副作用只跟随一次成功的提交。
type EffectKind string

const (
	EffectRefund             EffectKind = "refund"
	EffectNotifyUser         EffectKind = "notify_user"
	EffectNotifyOperators    EffectKind = "notify_operators"
	EffectPauseCampaign      EffectKind = "pause_campaign"
	EffectResumeCampaign     EffectKind = "resume_campaign"
	EffectManualIntervention EffectKind = "manual_intervention"
	EffectAlert              EffectKind = "alert"
	EffectProcessingTimer    EffectKind = "processing_timer" // 离开 PROCESSING 时记录耗时
)

type Effect struct {
	Kind    EffectKind
	Event   string // 通知事件名
	Message string
}

// Transition 一次已应用的迁移
type Transition struct {
	From     Status
	To       Status
	Event    Event
	Internal bool // 内部迁移, 状态不变
	Effects  []Effect
}

// Changed 状态是否发生变化
func (t Transition) Changed() bool {
	return !t.Internal && t.From != t.To
}
