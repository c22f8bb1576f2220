// internal/service/order/interfaces/order_creation_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/pkg/mq"
	"trafficflow/internal/pkg/workerpool"
	"trafficflow/internal/service/order/application"
	"trafficflow/internal/service/order/domain"
)

const submitBackoff = 200 * time.Millisecond

// OrderCreatedConsumer 监听 order-created 主题, 把订单交给编排器的 worker pool。
// 队列满时阻塞消费 (不提交 offset), 无法解析的消息转入死信队列。
type OrderCreatedConsumer struct {
	reader    *kafka.Reader
	submitter application.Submitter
	wg        sync.WaitGroup
	stopped   atomic.Bool

	failureHandler *mq.FailureHandler
}

func NewOrderCreatedConsumer(reader *kafka.Reader, submitter application.Submitter, failureHandler *mq.FailureHandler) *OrderCreatedConsumer {
	return &OrderCreatedConsumer{
		reader:         reader,
		submitter:      submitter,
		failureHandler: failureHandler,
	}
}

// Start 开始监听, 立即返回
func (a *OrderCreatedConsumer) Start(ctx context.Context) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("Order created consumer started.")
		for {
			if a.stopped.Load() {
				return
			}
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || a.stopped.Load() {
					logger.Ctx(ctx).Info().Msg("Order created consumer shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("could not read message, retrying")
				waitBeforeRetry(ctx)
				continue
			}

			msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
			if err := a.processMessage(msgCtx, msg); err != nil {
				if ctx.Err() != nil {
					// 关停中, 不提交, 下次启动重新消费
					return
				}
				a.failureHandler.Handle(msgCtx, msg, err)
			}

			if err := a.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Failed to commit messages")
			}
		}
	}()
	return nil
}

func (a *OrderCreatedConsumer) Stop(ctx context.Context) {
	a.stopped.Store(true)
	a.reader.Close()
	a.wg.Wait()
	logger.Ctx(ctx).Info().Msg("Order created consumer stopped.")
}

func (a *OrderCreatedConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var event domain.OrderCreated
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("decode order created event: %w", err)
	}
	if event.OrderID == "" {
		return errors.New("order created event without order id")
	}
	return submitWithBackoff(ctx, a.submitter, event.OrderID)
}

// submitWithBackoff 队列满时等待重试, 直到提交成功或 ctx 结束
func submitWithBackoff(ctx context.Context, submitter application.Submitter, orderID string) error {
	for {
		err := submitter.Submit(ctx, orderID)
		if !errors.Is(err, workerpool.ErrQueueFull) {
			return err
		}
		logger.Ctx(ctx).Warn().Msgf("[Order: %s] Worker queue full, backing off.", orderID)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(submitBackoff):
		}
	}
}
