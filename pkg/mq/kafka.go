// Package mq 提供 Kafka producer/consumer 通用封装，支持批量发送、显式提交、死信队列
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wyfcoding/notifyhub/pkg/logger"
)

// Config Kafka 配置
type Config struct {
	Brokers        []string
	GroupID        string
	SessionTimeout int
	MaxRetries     int
	RetryBackoff   int
}

// Producer Kafka 生产者
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg Config) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        time.Duration(cfg.RetryBackoff) * time.Millisecond,
		WriteBackoffMax:        time.Duration(cfg.RetryBackoff*10) * time.Millisecond,
	}

	logger.Info(context.Background(), "kafka producer created", "brokers", cfg.Brokers)
	return &Producer{writer: writer}
}

// Send 发送单条消息，value 会被序列化为 JSON
func (p *Producer) Send(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	})
	if err != nil {
		logger.Error(ctx, "failed to send kafka message", "topic", topic, "key", key, "error", err)
		return fmt.Errorf("failed to write message to %s: %w", topic, err)
	}
	return nil
}

// SendRaw 发送已序列化的消息体
func (p *Producer) SendRaw(ctx context.Context, topic, key string, data []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	})
	if err != nil {
		logger.Error(ctx, "failed to send kafka message", "topic", topic, "key", key, "error", err)
		return fmt.Errorf("failed to write message to %s: %w", topic, err)
	}
	return nil
}

// BatchEntry 批量发送条目
type BatchEntry struct {
	Key   string
	Value any
}

// SendBatch 在一次写入中发送一批消息
func (p *Producer) SendBatch(ctx context.Context, topic string, entries []BatchEntry) error {
	if len(entries) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("failed to marshal batch entry %q: %w", e.Key, err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: topic,
			Key:   []byte(e.Key),
			Value: data,
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		logger.Error(ctx, "failed to send kafka batch", "topic", topic, "count", len(msgs), "error", err)
		return fmt.Errorf("failed to write batch to %s: %w", topic, err)
	}
	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Message 消费到的消息
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Time      time.Time
}

// UnmarshalPayload 将消息值解析为 JSON
func (m *Message) UnmarshalPayload(dest any) error {
	return json.Unmarshal(m.Value, dest)
}

// Handler 消息处理函数。返回非 nil 错误时偏移量不提交，
// 消息会在原地退避重试直到处理成功或 ctx 取消
type Handler func(ctx context.Context, msg *Message) error

// fetchCommitter reader 的取数与提交能力，*kafka.Reader 天然满足
type fetchCommitter interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// 处理失败后的就地重试退避区间
const (
	handlerRetryMinBackoff = 500 * time.Millisecond
	handlerRetryMaxBackoff = 30 * time.Second
)

// Consumer Kafka 消费者，显式提交偏移量以保证 at-least-once 语义
type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer 创建 Kafka 消费者，topics 支持多主题订阅
func NewConsumer(cfg Config, topics []string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupTopics:    topics,
		GroupID:        cfg.GroupID,
		SessionTimeout: time.Duration(cfg.SessionTimeout) * time.Second,
		StartOffset:    kafka.LastOffset,
		MaxBytes:       10e6, // 10MB
	})

	logger.Info(context.Background(), "kafka consumer created",
		"brokers", cfg.Brokers,
		"topics", topics,
		"group_id", cfg.GroupID,
	)
	return &Consumer{reader: reader}
}

// Run 循环消费消息直到 ctx 取消。处理成功后提交偏移量；
// 失败的消息就地退避重试，绝不越过未处理成功的消息提交，
// 否则累积提交会把失败消息的偏移量一并提交掉，造成静默丢失
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	return runLoop(ctx, c.reader, handler, handlerRetryMinBackoff, handlerRetryMaxBackoff)
}

func runLoop(ctx context.Context, src fetchCommitter, handler Handler, minBackoff, maxBackoff time.Duration) error {
	for {
		raw, err := src.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		msg := &Message{
			Topic:     raw.Topic,
			Partition: raw.Partition,
			Offset:    raw.Offset,
			Key:       string(raw.Key),
			Value:     raw.Value,
			Time:      raw.Time,
		}

		delay := minBackoff
		for {
			err := handler(ctx, msg)
			if err == nil {
				break
			}
			logger.Error(ctx, "message handling failed, retrying in place",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"retry_in", delay,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, maxBackoff)
		}

		if err := src.CommitMessages(ctx, raw); err != nil {
			logger.Error(ctx, "failed to commit offset",
				"topic", msg.Topic,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// Close 关闭消费者
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DeadLetterQueue 死信队列
type DeadLetterQueue struct {
	producer *Producer
	topic    string
}

// NewDeadLetterQueue 创建死信队列
func NewDeadLetterQueue(producer *Producer, topic string) *DeadLetterQueue {
	return &DeadLetterQueue{producer: producer, topic: topic}
}

// Send 将处理失败的消息连同失败原因送入死信主题
func (dlq *DeadLetterQueue) Send(ctx context.Context, original *Message, reason string, cause error) error {
	entry := map[string]any{
		"original_topic":    original.Topic,
		"original_key":      original.Key,
		"original_value":    string(original.Value),
		"original_offset":   original.Offset,
		"original_time":     original.Time,
		"failure_reason":    reason,
		"failure_timestamp": time.Now(),
	}
	if cause != nil {
		entry["failure_error"] = cause.Error()
	}

	return dlq.producer.Send(ctx, dlq.topic, original.Key, entry)
}
