// internal/pkg/mq/failure_handler.go
package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
	"trafficflow/internal/pkg/logger"
)

// 死信消息头, 记录原始位置和失败原因
const (
	HeaderOriginalTopic     = "dlt-original-topic"
	HeaderOriginalPartition = "dlt-original-partition"
	HeaderOriginalOffset    = "dlt-original-offset"
	HeaderExceptionFqcn     = "dlt-exception-fqcn"
	HeaderExceptionMessage  = "dlt-exception-message"
)

// FailureHandler 把无法处理的消息转发到死信 topic
type FailureHandler struct {
	dltWriter *kafka.Writer
}

func NewFailureHandler(dltWriter *kafka.Writer) *FailureHandler {
	return &FailureHandler{dltWriter: dltWriter}
}

// Handle 不会返回错误: 转发失败只记录日志, 调用方照常提交 offset
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) {
	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: HeaderExceptionFqcn, Value: []byte(fmt.Sprintf("%T", cause))},
		kafka.Header{Key: HeaderExceptionMessage, Value: []byte(cause.Error())},
	)

	if err := ProduceMessage(ctx, h.dltWriter, msg.Key, msg.Value, headers...); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("original_topic", msg.Topic).
			Int64("original_offset", msg.Offset).
			Msg("CRITICAL: failed to forward message to DLT")
		return
	}
	logger.Ctx(ctx).Warn().Err(cause).
		Str("original_topic", msg.Topic).
		Int64("original_offset", msg.Offset).
		Msg("message forwarded to DLT")
}
