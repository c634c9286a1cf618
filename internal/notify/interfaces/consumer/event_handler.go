// Package consumer Kafka 消息处理器：入站业务事件与记录插入通知
package consumer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wyfcoding/notifyhub/internal/notify/application"
	"github.com/wyfcoding/notifyhub/internal/notify/domain"
	"github.com/wyfcoding/notifyhub/pkg/mq"
)

// EventHandler 入站业务事件处理器
type EventHandler struct {
	service *application.NotifyService
	dlq     *mq.DeadLetterQueue
	logger  *slog.Logger
}

// NewEventHandler 创建入站事件处理器
func NewEventHandler(service *application.NotifyService, dlq *mq.DeadLetterQueue, logger *slog.Logger) *EventHandler {
	return &EventHandler{service: service, dlq: dlq, logger: logger}
}

// Handle 处理一条入站事件消息。
// 返回错误时偏移量不提交，消息会被重投递；确定性失败（毒消息、
// 全部输出都因数据问题失败）送入死信队列并提交，避免无限重投递
func (h *EventHandler) Handle(ctx context.Context, msg *mq.Message) error {
	var event domain.InboundEvent
	if err := msg.UnmarshalPayload(&event); err != nil {
		h.logger.ErrorContext(ctx, "malformed inbound event", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return h.toDeadLetter(ctx, msg, "malformed event envelope", err)
	}
	if event.Source == "" || event.DetailType == "" || event.ID == "" {
		h.logger.ErrorContext(ctx, "inbound event missing identity fields", "topic", msg.Topic, "offset", msg.Offset)
		return h.toDeadLetter(ctx, msg, "event missing source, detail_type or id", nil)
	}

	err := h.service.ProcessEvent(ctx, &event)
	if err == nil {
		return nil
	}

	var matErr *domain.MaterializeError
	if errors.As(err, &matErr) && !matErr.AnyRetryable() {
		// 数据问题，重试不会改变结果
		return h.toDeadLetter(ctx, msg, "all outputs failed with non-retryable errors", err)
	}

	return err
}

func (h *EventHandler) toDeadLetter(ctx context.Context, msg *mq.Message, reason string, cause error) error {
	if err := h.dlq.Send(ctx, msg, reason, cause); err != nil {
		// 死信写入失败则保留原消息等待重投递
		return err
	}
	return nil
}
