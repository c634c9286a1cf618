package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wyfcoding/notifyhub/internal/notify/domain"
	"github.com/wyfcoding/notifyhub/pkg/metrics"
	"github.com/wyfcoding/notifyhub/pkg/utils"
)

// FanoutOptions 扇出调度配置
type FanoutOptions struct {
	// BatchSize 单次发布的最大事件条数
	BatchSize int
	// ResolveMaxRetries 收件人解析最大尝试次数
	ResolveMaxRetries int
	// RetryInitialBackoff 重试初始退避
	RetryInitialBackoff time.Duration
	// RetryMaxBackoff 重试最大退避
	RetryMaxBackoff time.Duration
}

// FanoutDispatcher 扇出调度器。消费记录插入通知，将群组寻址的记录
// 展开为逐收件人的可用性事件。记录创建时不做任何按收件人的写入，
// 收件人集合只在这里、按需解析
type FanoutDispatcher struct {
	resolver  domain.RecipientResolver
	publisher domain.AvailabilityPublisher
	opts      FanoutOptions
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewFanoutDispatcher 创建扇出调度器
func NewFanoutDispatcher(resolver domain.RecipientResolver, publisher domain.AvailabilityPublisher, opts FanoutOptions, m *metrics.Metrics, logger *slog.Logger) *FanoutDispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.ResolveMaxRetries <= 0 {
		opts.ResolveMaxRetries = 3
	}
	if opts.RetryInitialBackoff <= 0 {
		opts.RetryInitialBackoff = 100 * time.Millisecond
	}
	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = 2 * time.Second
	}
	return &FanoutDispatcher{
		resolver:  resolver,
		publisher: publisher,
		opts:      opts,
		metrics:   m,
		logger:    logger,
	}
}

// Dispatch 处理一条记录插入通知，对每个收件人恰好发布一条可用性事件。
// 插入通知重投递会产生重复的可用性事件，下游按 (record_id, recipient_id) 去重。
// 返回错误时整条通知会被重投递
func (d *FanoutDispatcher) Dispatch(ctx context.Context, ins *domain.RecordInserted) error {
	if !ins.TargetType.RequiresFanout() {
		// 用户目标已是单收件人寻址
		return nil
	}

	events, err := d.expand(ctx, ins)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		d.logger.InfoContext(ctx, "no recipients resolved", "record_id", ins.RecordID, "target_key", ins.TargetKey)
		return nil
	}

	// 批次相互独立：一个批次耗尽重试不阻塞其余批次
	var failed []error
	for start := 0; start < len(events); start += d.opts.BatchSize {
		end := min(start+d.opts.BatchSize, len(events))
		batch := events[start:end]

		err := utils.RetryWithBackoff(ctx, d.opts.ResolveMaxRetries, d.opts.RetryInitialBackoff, d.opts.RetryMaxBackoff, func() error {
			return d.publisher.PublishBatch(ctx, batch)
		})
		if err != nil {
			d.metrics.FanoutBatchFailuresTotal.Inc()
			d.logger.ErrorContext(ctx, "availability batch publish exhausted retries",
				"record_id", ins.RecordID,
				"batch_size", len(batch),
				"error", err,
			)
			failed = append(failed, err)
			continue
		}
		d.metrics.AvailabilityPublishedTotal.WithLabelValues(string(ins.TargetType)).Add(float64(len(batch)))
	}

	if len(failed) > 0 {
		return fmt.Errorf("%w: %d/%d batches failed for record %s: %w",
			domain.ErrPublish, len(failed), (len(events)+d.opts.BatchSize-1)/d.opts.BatchSize, ins.RecordID, errors.Join(failed...))
	}

	d.logger.InfoContext(ctx, "record fanned out",
		"record_id", ins.RecordID,
		"target_key", ins.TargetKey,
		"recipients", len(events),
	)
	return nil
}

// expand 解析收件人集合并构造可用性事件
func (d *FanoutDispatcher) expand(ctx context.Context, ins *domain.RecordInserted) ([]domain.AvailabilityEvent, error) {
	start := time.Now()
	defer d.metrics.ObserveRecipientResolve(start)

	now := time.Now().UTC()
	detailType := ins.Kind.AvailabilityDetailType()

	base := domain.AvailabilityEvent{
		DetailType: detailType,
		RecordID:   ins.RecordID,
		TargetType: ins.TargetType,
		TargetKey:  ins.TargetKey,
		Timestamp:  now,
	}

	var events []domain.AvailabilityEvent
	err := utils.RetryWithBackoff(ctx, d.opts.ResolveMaxRetries, d.opts.RetryInitialBackoff, d.opts.RetryMaxBackoff, func() error {
		events = events[:0]

		switch ins.TargetType {
		case domain.TargetClient:
			users, err := d.resolver.ResolveClientUsers(ctx, ins.TargetID)
			if err != nil {
				return err
			}
			for _, userID := range users {
				e := base
				e.RecipientID = userID
				e.ClientID = ins.TargetID
				events = append(events, e)
			}
		case domain.TargetBroadcast:
			pairs, err := d.resolver.ResolveAllUsers(ctx)
			if err != nil {
				return err
			}
			for _, p := range pairs {
				e := base
				e.RecipientID = p.UserID
				e.ClientID = p.ClientID
				events = append(events, e)
			}
		case domain.TargetChannel:
			users, err := d.resolver.ResolveChannelParticipants(ctx, ins.TargetID)
			if err != nil {
				return err
			}
			for _, userID := range users {
				e := base
				e.RecipientID = userID
				events = append(events, e)
			}
		case domain.TargetUser:
			// RequiresFanout 已排除
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: target %s: %w", domain.ErrRecipientResolution, ins.TargetKey, err)
	}

	return events, nil
}
