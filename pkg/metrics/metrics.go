// Package metrics 提供 Prometheus 指标注册与上报，覆盖事件物化与扇出管线
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 指标集合
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求计数
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTP 请求耗时
	HTTPRequestDuration *prometheus.HistogramVec

	// 入站事件消费计数
	EventsConsumedTotal *prometheus.CounterVec
	// 订阅匹配计数
	SubscriptionMatchesTotal prometheus.Counter
	// 记录物化计数
	RecordsMaterializedTotal *prometheus.CounterVec
	// 物化失败计数
	MaterializeFailuresTotal *prometheus.CounterVec
	// 可用性事件发布计数
	AvailabilityPublishedTotal *prometheus.CounterVec
	// 扇出批次失败计数
	FanoutBatchFailuresTotal prometheus.Counter
	// 收件人解析耗时
	RecipientResolveDuration prometheus.Histogram
	// 事件处理耗时
	EventHandleDuration prometheus.Histogram
	// Outbox 待发布积压
	OutboxPendingGauge prometheus.Gauge
}

// New 创建并注册指标集合
func New(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	factory := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace: "notifyhub",
			Subsystem: serviceName,
			Name:      name,
			Help:      help,
		}
	}

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			factory("http_requests_total", "Total HTTP requests."),
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "notifyhub",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		EventsConsumedTotal: prometheus.NewCounterVec(
			factory("events_consumed_total", "Inbound events consumed, by source."),
			[]string{"source"},
		),
		SubscriptionMatchesTotal: prometheus.NewCounter(
			factory("subscription_matches_total", "Subscription matches across all events."),
		),
		RecordsMaterializedTotal: prometheus.NewCounterVec(
			factory("records_materialized_total", "Records written, by target type."),
			[]string{"target_type"},
		),
		MaterializeFailuresTotal: prometheus.NewCounterVec(
			factory("materialize_failures_total", "Per-subscription materialization failures, by reason."),
			[]string{"reason"},
		),
		AvailabilityPublishedTotal: prometheus.NewCounterVec(
			factory("availability_published_total", "Availability events published, by target type."),
			[]string{"target_type"},
		),
		FanoutBatchFailuresTotal: prometheus.NewCounter(
			factory("fanout_batch_failures_total", "Availability publish batches that exhausted retries."),
		),
		RecipientResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "notifyhub",
			Subsystem: serviceName,
			Name:      "recipient_resolve_duration_seconds",
			Help:      "Recipient resolution latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		EventHandleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "notifyhub",
			Subsystem: serviceName,
			Name:      "event_handle_duration_seconds",
			Help:      "End-to-end inbound event handling latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		OutboxPendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "notifyhub",
			Subsystem: serviceName,
			Name:      "outbox_pending",
			Help:      "Outbox rows awaiting publish.",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsConsumedTotal,
		m.SubscriptionMatchesTotal,
		m.RecordsMaterializedTotal,
		m.MaterializeFailuresTotal,
		m.AvailabilityPublishedTotal,
		m.FanoutBatchFailuresTotal,
		m.RecipientResolveDuration,
		m.EventHandleDuration,
		m.OutboxPendingGauge,
	)

	return m
}

// Handler 返回 Prometheus 抓取端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEventHandle 记录一次事件处理耗时
func (m *Metrics) ObserveEventHandle(start time.Time) {
	m.EventHandleDuration.Observe(time.Since(start).Seconds())
}

// ObserveRecipientResolve 记录一次收件人解析耗时
func (m *Metrics) ObserveRecipientResolve(start time.Time) {
	m.RecipientResolveDuration.Observe(time.Since(start).Seconds())
}
