// internal/service/order/statemachine/machine.go
package statemachine

import (
	"errors"
	"fmt"
	"time"

	"trafficflow/internal/service/order/domain"
)

type Status = domain.Status

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrGuardRejected     = errors.New("transition guard rejected")
)

// TransitionError 描述被拒绝的迁移, 可以用 errors.Is 判断是哪一种
type TransitionError struct {
	From  Status
	Event Event
	Guard string
	err   error
}

func (e *TransitionError) Error() string {
	if e.Guard != "" {
		return fmt.Sprintf("%s -[%s]-> refused by guard %q", e.From, e.Event, e.Guard)
	}
	return fmt.Sprintf("no transition from %s on %s", e.From, e.Event)
}

func (e *TransitionError) Unwrap() error { return e.err }

// Guard 纯函数, 只读取订单与参数
type Guard struct {
	Name  string
	Check func(o *domain.Order, p Params) bool
}

// Action 修改订单字段并声明副作用, 不做任何 IO
type Action func(o *domain.Order, p Params) []Effect

type edge struct {
	target   Status
	internal bool
	guard    *Guard
	action   Action
}

// Machine 订单状态机: 显式的迁移表 + 进入/离开钩子。
// 状态机不持有任何订单状态, 可以被多个 goroutine 共享。
type Machine struct {
	table map[Status]map[Event]edge
}

func New() *Machine {
	return &Machine{table: buildTable()}
}

// Fire 对订单应用一个事件。
// 成功时订单被就地修改并返回迁移描述; 失败时订单保持原样。
func (m *Machine) Fire(o *domain.Order, ev Event, p Params) (Transition, error) {
	e, ok := m.table[o.Status][ev]
	if !ok {
		return Transition{}, &TransitionError{From: o.Status, Event: ev, err: ErrIllegalTransition}
	}
	if e.guard != nil && !e.guard.Check(o, p) {
		return Transition{}, &TransitionError{From: o.Status, Event: ev, Guard: e.guard.Name, err: ErrGuardRejected}
	}

	now := p.now()
	work := o.Clone()
	tr := Transition{From: o.Status, To: e.target, Event: ev, Internal: e.internal}

	if !e.internal && work.Status != e.target {
		tr.Effects = append(tr.Effects, onExit(work, work.Status, now)...)
	}
	if e.action != nil {
		tr.Effects = append(tr.Effects, e.action(work, p)...)
	}
	if e.internal {
		tr.To = work.Status
	} else {
		if work.Status != e.target {
			tr.Effects = append(tr.Effects, onEntry(work, e.target, now)...)
		}
		work.Status = e.target
	}
	work.UpdatedAt = now

	*o = *work
	return tr, nil
}

// Can 判断事件当前是否可以应用 (边存在且 guard 通过)
func (m *Machine) Can(o *domain.Order, ev Event, p Params) bool {
	e, ok := m.table[o.Status][ev]
	if !ok {
		return false
	}
	return e.guard == nil || e.guard.Check(o, p)
}

// Target 查询迁移表, 不考虑 guard
func (m *Machine) Target(from Status, ev Event) (Status, bool) {
	e, ok := m.table[from][ev]
	if !ok {
		return "", false
	}
	if e.internal {
		return from, true
	}
	return e.target, true
}

// Events 返回某个状态上定义的所有事件
func (m *Machine) Events(from Status) []Event {
	events := make([]Event, 0, len(m.table[from]))
	for ev := range m.table[from] {
		events = append(events, ev)
	}
	return events
}

func onExit(o *domain.Order, from Status, now time.Time) []Effect {
	if from == domain.StatusProcessing {
		o.ProcessingEndedAt = &now
		return []Effect{{Kind: EffectProcessingTimer}}
	}
	return nil
}

func onEntry(o *domain.Order, to Status, now time.Time) []Effect {
	switch to {
	case domain.StatusProcessing:
		o.ProcessingStartedAt = &now
		o.ProcessingEndedAt = nil
	case domain.StatusError:
		return []Effect{{
			Kind:    EffectAlert,
			Event:   "order_error",
			Message: fmt.Sprintf("order entered ERROR (%s): %s", o.LastErrorType, o.ErrorMessage),
		}}
	}
	return nil
}
