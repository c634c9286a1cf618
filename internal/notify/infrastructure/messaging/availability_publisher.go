package messaging

import (
	"context"
	"fmt"

	"github.com/wyfcoding/notifyhub/internal/notify/domain"
	"github.com/wyfcoding/notifyhub/pkg/mq"
)

// availabilityPublisher 将可用性事件批量发布到出站 Kafka 主题。
// 消息键取收件人 ID，同一收件人的事件落在同一分区
type availabilityPublisher struct {
	producer *mq.Producer
	topic    string
}

// NewAvailabilityPublisher 创建可用性事件发布者
func NewAvailabilityPublisher(producer *mq.Producer, topic string) domain.AvailabilityPublisher {
	return &availabilityPublisher{producer: producer, topic: topic}
}

// PublishBatch 实现 domain.AvailabilityPublisher
func (p *availabilityPublisher) PublishBatch(ctx context.Context, events []domain.AvailabilityEvent) error {
	if len(events) == 0 {
		return nil
	}

	entries := make([]mq.BatchEntry, len(events))
	for i, e := range events {
		entries[i] = mq.BatchEntry{Key: e.RecipientID, Value: e}
	}

	if err := p.producer.SendBatch(ctx, p.topic, entries); err != nil {
		return fmt.Errorf("publish %d availability events: %w", len(events), err)
	}
	return nil
}
