package consumer

import (
	"context"
	"log/slog"

	"github.com/wyfcoding/notifyhub/internal/notify/application"
	"github.com/wyfcoding/notifyhub/internal/notify/domain"
	"github.com/wyfcoding/notifyhub/pkg/mq"
)

// RecordInsertedHandler 记录插入通知处理器，驱动扇出调度
type RecordInsertedHandler struct {
	service *application.NotifyService
	logger  *slog.Logger
}

// NewRecordInsertedHandler 创建记录插入通知处理器
func NewRecordInsertedHandler(service *application.NotifyService, logger *slog.Logger) *RecordInsertedHandler {
	return &RecordInsertedHandler{service: service, logger: logger}
}

// Handle 处理一条记录插入通知。失败时不提交偏移量，
// 重投递会产生重复的可用性事件，由下游按 (record_id, recipient_id) 去重
func (h *RecordInsertedHandler) Handle(ctx context.Context, msg *mq.Message) error {
	var ins domain.RecordInserted
	if err := msg.UnmarshalPayload(&ins); err != nil {
		// 内部主题出现毒消息说明 outbox 写入有 bug，记录后丢弃
		h.logger.ErrorContext(ctx, "malformed record-inserted notification",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}

	return h.service.DispatchInserted(ctx, &ins)
}
