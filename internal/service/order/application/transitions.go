// internal/service/order/application/transitions.go
package application

import (
	"context"
	"errors"
	"time"

	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/statemachine"
)

const conflictAttempts = 5

// Transitions 是状态迁移的唯一提交入口: 状态机计算 -> 乐观锁提交 -> 执行副作用
type Transitions struct {
	machine *statemachine.Machine
	orders  domain.OrderRepository
	effects *EffectExecutor
	now     func() time.Time
}

func NewTransitions(machine *statemachine.Machine, orders domain.OrderRepository, effects *EffectExecutor) *Transitions {
	return &Transitions{
		machine: machine,
		orders:  orders,
		effects: effects,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Fire 在 o 的副本上应用事件并提交, 成功后 o 更新为提交后的版本。
// 提交失败 (包括 ErrVersionConflict) 时 o 保持不变, 也不会执行任何副作用。
func (t *Transitions) Fire(ctx context.Context, o *domain.Order, ev statemachine.Event, p statemachine.Params) (statemachine.Transition, error) {
	if p.Now.IsZero() {
		p.Now = t.now()
	}
	work := o.Clone()
	tr, err := t.machine.Fire(work, ev, p)
	if err != nil {
		return tr, err
	}
	if err := t.orders.Update(ctx, work); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			conflictsTotal.Inc()
		}
		return statemachine.Transition{}, err
	}
	*o = *work

	transitionsTotal.WithLabelValues(string(ev), string(tr.To)).Inc()
	logger.Ctx(ctx).Info().
		Str("event", string(ev)).
		Str("actor", p.Actor.ID).
		Msgf("[Order: %s] %s -> %s", o.ID, tr.From, tr.To)

	t.effects.Execute(ctx, o, tr)
	return tr, nil
}

// Save 提交不改变状态的进度字段
func (t *Transitions) Save(ctx context.Context, o *domain.Order) error {
	return t.orders.Update(ctx, o)
}

// Park PROCESSING -> ERROR -> HOLDING
func (t *Transitions) Park(ctx context.Context, o *domain.Order, phase, reason string) error {
	_, err := t.Fire(ctx, o, statemachine.ProcessingFailed, statemachine.Params{
		Actor:     statemachine.SystemActor,
		ErrorType: "needs_review",
		Reason:    reason,
		Phase:     phase,
	})
	if err != nil {
		return err
	}
	_, err = t.Fire(ctx, o, statemachine.ManualIntervention, statemachine.Params{
		Actor:  statemachine.SystemActor,
		Reason: reason,
	})
	return err
}

// Apply 读取最新的订单并应用事件, 版本冲突时重读重试
func (t *Transitions) Apply(ctx context.Context, orderID string, ev statemachine.Event, p statemachine.Params) (*domain.Order, statemachine.Transition, error) {
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		o, err := t.orders.FindByID(ctx, orderID)
		if err != nil {
			return nil, statemachine.Transition{}, err
		}
		tr, err := t.Fire(ctx, o, ev, p)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		return o, tr, err
	}
	return nil, statemachine.Transition{}, domain.ErrVersionConflict
}

// Allowed 迁移表中是否存在该边, 不考虑 guard
func (t *Transitions) Allowed(o *domain.Order, ev statemachine.Event) bool {
	_, ok := t.machine.Target(o.Status, ev)
	return ok
}
