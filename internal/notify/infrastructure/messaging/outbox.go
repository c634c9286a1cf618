// Package messaging 事件出站基础设施：事务性 outbox 与可用性事件发布
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/notifyhub/pkg/metrics"
)

// Outbox 行状态
const (
	OutboxStatusPending    = "PENDING"
	OutboxStatusDispatched = "DISPATCHED"
)

// OutboxModel 事务性 outbox 行。与业务写入同事务提交，
// 由 Relay 异步发布到内部主题，实现"存储在插入时发出变更通知"
type OutboxModel struct {
	gorm.Model
	// AggregateID 业务主体 ID（记录 ID）
	AggregateID string `gorm:"column:aggregate_id;type:varchar(64);index;not null"`
	// Topic 目标主题
	Topic string `gorm:"column:topic;type:varchar(128);not null"`
	// MessageKey 分区键
	MessageKey string `gorm:"column:message_key;type:varchar(191);not null"`
	// Payload JSON 消息体
	Payload []byte `gorm:"column:payload;type:json;not null"`
	// Status 行状态
	Status string `gorm:"column:status;type:varchar(16);index;not null;default:'PENDING'"`
	// DispatchedAt 发布时间
	DispatchedAt *time.Time `gorm:"column:dispatched_at;type:datetime"`
}

// TableName 指定表名
func (OutboxModel) TableName() string {
	return "notify_outbox"
}

// Enqueue 在给定事务内写入一条待发布的 outbox 行
func Enqueue(tx *gorm.DB, aggregateID, topic, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal outbox payload for %s: %w", aggregateID, err)
	}

	row := &OutboxModel{
		AggregateID: aggregateID,
		Topic:       topic,
		MessageKey:  key,
		Payload:     payload,
		Status:      OutboxStatusPending,
	}
	if err := tx.Create(row).Error; err != nil {
		return fmt.Errorf("insert outbox row for %s: %w", aggregateID, err)
	}
	return nil
}

// rawSender 发布已序列化消息体的能力，*mq.Producer 天然满足
type rawSender interface {
	SendRaw(ctx context.Context, topic, key string, data []byte) error
}

// RelayOptions outbox 发布循环配置
type RelayOptions struct {
	// PollInterval 轮询间隔
	PollInterval time.Duration
	// BatchSize 单次轮询条数
	BatchSize int
}

// Relay 轮询 outbox 并将待发布行投递到 Kafka。
// 发布成功后才标记行为 DISPATCHED；进程在两步之间崩溃会导致重复发布，
// 与入站传输的 at-least-once 语义一致，由下游去重兜底
type Relay struct {
	db       *gorm.DB
	producer rawSender
	opts     RelayOptions
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRelay 创建 outbox 发布循环
func NewRelay(db *gorm.DB, producer rawSender, opts RelayOptions, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Relay{db: db, producer: producer, opts: opts, metrics: m, logger: logger}
}

// Run 循环发布直到 ctx 取消
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.drain(ctx); err != nil {
				r.logger.ErrorContext(ctx, "outbox drain failed", "error", err)
			}
		}
	}
}

// drain 发布一批待处理行
func (r *Relay) drain(ctx context.Context) error {
	var rows []OutboxModel
	err := r.db.WithContext(ctx).
		Where("status = ?", OutboxStatusPending).
		Order("id asc").
		Limit(r.opts.BatchSize).
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("fetch pending outbox rows: %w", err)
	}
	r.metrics.OutboxPendingGauge.Set(float64(len(rows)))
	if len(rows) == 0 {
		return nil
	}

	for i := range rows {
		row := &rows[i]
		if err := r.producer.SendRaw(ctx, row.Topic, row.MessageKey, row.Payload); err != nil {
			// 保持 PENDING，下一轮继续；不跳过后续行以保留分区内相对顺序
			return fmt.Errorf("publish outbox row %d: %w", row.ID, err)
		}

		now := time.Now()
		err := r.db.WithContext(ctx).Model(&OutboxModel{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{
				"status":        OutboxStatusDispatched,
				"dispatched_at": now,
			}).Error
		if err != nil {
			return fmt.Errorf("mark outbox row %d dispatched: %w", row.ID, err)
		}
	}

	r.logger.DebugContext(ctx, "outbox rows dispatched", "count", len(rows))
	return nil
}
