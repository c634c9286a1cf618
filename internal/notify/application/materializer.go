// Package application 通知管线的应用服务：事件物化与扇出调度
package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wyfcoding/notifyhub/internal/notify/domain"
	"github.com/wyfcoding/notifyhub/pkg/metrics"
)

// SubscriptionSource 提供编译完成的只读订阅列表
type SubscriptionSource interface {
	Subscriptions() []*domain.Subscription
}

// Materializer 事件物化器。将入站事件匹配到订阅，解析模板并写入记录。
// 无可变状态，可被任意多个并发调用安全共享
type Materializer struct {
	subs    SubscriptionSource
	repo    domain.RecordRepository
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMaterializer 创建事件物化器
func NewMaterializer(subs SubscriptionSource, repo domain.RecordRepository, m *metrics.Metrics, logger *slog.Logger) *Materializer {
	return &Materializer{subs: subs, repo: repo, metrics: m, logger: logger}
}

// ProcessEvent 处理一个入站事件。
// 每个命中订阅的每路输出独立成败：一路失败不影响其余；
// 全部输出都失败时返回聚合错误，交由入站传输重投递；
// 部分成功按成功处理，失败侧仅记录日志，避免重投递造成无谓的重复
func (s *Materializer) ProcessEvent(ctx context.Context, event *domain.InboundEvent) error {
	start := time.Now()
	defer s.metrics.ObserveEventHandle(start)

	s.metrics.EventsConsumedTotal.WithLabelValues(event.Source).Inc()

	matched := domain.FindMatches(event, s.subs.Subscriptions())
	if len(matched) == 0 {
		s.logger.DebugContext(ctx, "no subscription matched",
			"source", event.Source,
			"detail_type", event.DetailType,
			"event_id", event.ID,
		)
		return nil
	}
	s.metrics.SubscriptionMatchesTotal.Add(float64(len(matched)))

	var attempted, succeeded int
	var failures []domain.SubscriptionFailure

	for _, sub := range matched {
		for _, out := range []struct {
			kind    domain.RecordKind
			mapping map[string]*domain.Template
		}{
			{domain.KindNotification, sub.NotificationMapping},
			{domain.KindMessage, sub.MessageMapping},
		} {
			kind := out.kind
			tpl, ok := out.mapping[event.DetailType]
			if !ok {
				continue
			}
			attempted++

			if err := s.materialize(ctx, sub.Name, kind, tpl, event); err != nil {
				failures = append(failures, domain.SubscriptionFailure{Subscription: sub.Name, Err: err})
				continue
			}
			succeeded++
		}
	}

	if attempted == 0 {
		return nil
	}

	if succeeded == 0 && len(failures) > 0 {
		return &domain.MaterializeError{EventID: event.ID, Failures: failures}
	}

	// 部分失败不反悔已经成功的写入，仅记录
	for _, f := range failures {
		s.logger.WarnContext(ctx, "subscription output failed, others succeeded",
			"event_id", event.ID,
			"subscription", f.Subscription,
			"error", f.Err,
		)
	}
	return nil
}

func (s *Materializer) materialize(ctx context.Context, subName string, kind domain.RecordKind, tpl *domain.Template, event *domain.InboundEvent) error {
	record, err := domain.ResolveTemplate(subName, kind, tpl, event)
	if err != nil {
		s.metrics.MaterializeFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		return err
	}

	if err := s.repo.Put(ctx, record); err != nil {
		s.metrics.MaterializeFailuresTotal.WithLabelValues("store").Inc()
		return fmt.Errorf("put record %s: %w", record.ID, err)
	}

	s.metrics.RecordsMaterializedTotal.WithLabelValues(string(record.TargetType)).Inc()
	s.logger.InfoContext(ctx, "record materialized",
		"record_id", record.ID,
		"target_key", record.TargetKey,
		"kind", string(kind),
		"subscription", subName,
		"event_id", event.ID,
	)
	return nil
}

func failureReason(err error) string {
	if !domain.Retryable(err) {
		return "template"
	}
	return "other"
}
