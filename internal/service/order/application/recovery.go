// internal/service/order/application/recovery.go
package application

import (
	"context"
	"errors"
	"time"

	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/statemachine"
)

// Submitter 把订单交给编排器, workerpool.Pool 实现了它
type Submitter interface {
	Submit(ctx context.Context, key string) error
}

type RecoveryOptions struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// Recovery 周期性扫描停滞的订单。
// 进程在处理中途退出后, 订单停在 PENDING / IN_PROGRESS / PROCESSING, 这里重新提交给编排器;
// 停在 ERROR 的订单转人工; 停在 PENDING 的退款重新执行。
type Recovery struct {
	orders      domain.OrderRepository
	submitter   Submitter
	transitions *Transitions
	effects     *EffectExecutor
	opts        RecoveryOptions
	now         func() time.Time
}

func NewRecovery(orders domain.OrderRepository, submitter Submitter, transitions *Transitions, effects *EffectExecutor, opts RecoveryOptions) *Recovery {
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}
	return &Recovery{
		orders:      orders,
		submitter:   submitter,
		transitions: transitions,
		effects:     effects,
		opts:        opts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run 阻塞直到 ctx 结束
func (r *Recovery) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	logger.Ctx(ctx).Info().Msgf("Recovery sweep started, interval %s, stale after %s.", r.opts.Interval, r.opts.StaleAfter)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep 执行一轮扫描
func (r *Recovery) Sweep(ctx context.Context) {
	before := r.now().Add(-r.opts.StaleAfter)

	inFlight, err := r.orders.ListStale(ctx,
		[]domain.Status{domain.StatusPending, domain.StatusInProgress, domain.StatusProcessing}, before, r.opts.BatchSize)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Recovery failed to list stale orders.")
	}
	for _, o := range inFlight {
		if err := r.submitter.Submit(ctx, o.ID); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msgf("[Order: %s] Recovery failed to resubmit.", o.ID)
			continue
		}
		recoveredTotal.WithLabelValues("resubmitted").Inc()
		logger.Ctx(ctx).Info().Msgf("[Order: %s] Resubmitted stale %s order.", o.ID, o.Status)
	}

	failed, err := r.orders.ListStale(ctx, []domain.Status{domain.StatusError}, before, r.opts.BatchSize)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Recovery failed to list stale errors.")
	}
	for _, o := range failed {
		_, err := r.transitions.Fire(ctx, o, statemachine.ManualIntervention, statemachine.Params{
			Actor:  statemachine.SystemActor,
			Reason: "order left in ERROR: " + o.ErrorMessage,
		})
		if err != nil {
			if !errors.Is(err, domain.ErrVersionConflict) {
				logger.Ctx(ctx).Error().Err(err).Msgf("[Order: %s] Recovery failed to escalate.", o.ID)
			}
			continue
		}
		recoveredTotal.WithLabelValues("escalated").Inc()
	}

	refunds, err := r.orders.ListPendingRefunds(ctx, before, r.opts.BatchSize)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Recovery failed to list pending refunds.")
	}
	for _, o := range refunds {
		logger.Ctx(ctx).Warn().Msgf("[Order: %s] Refund still pending, retrying.", o.ID)
		r.effects.RetryRefund(ctx, o)
		recoveredTotal.WithLabelValues("refund_retried").Inc()
	}
}
