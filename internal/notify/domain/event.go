// Package domain 事件物化与扇出管线的领域模型
package domain

import "time"

// InboundEvent 入站业务事件。来自外部事件总线，at-least-once 投递，跨分区无序
type InboundEvent struct {
	// Source 事件来源系统
	Source string `json:"source"`
	// DetailType 事件类型
	DetailType string `json:"detail_type"`
	// ID 事件唯一标识
	ID string `json:"id"`
	// Payload 任意结构化负载
	Payload map[string]any `json:"detail"`
	// Timestamp 事件发生时间
	Timestamp time.Time `json:"time"`
}

// AvailabilityEvent 可用性事件。表示"某收件人有一条新记录可读"，
// 只发布不落库；下游按 (record_id, recipient_id) 去重
type AvailabilityEvent struct {
	// DetailType 出站事件类型，固定为记录种类加 ".available" 后缀
	DetailType string `json:"detail_type"`
	// RecipientID 收件人用户 ID
	RecipientID string `json:"recipient_id"`
	// ClientID 收件人所属租户，广播扇出时携带
	ClientID string `json:"client_id,omitempty"`
	// RecordID 触发扇出的记录 ID
	RecordID string `json:"record_id"`
	// TargetType 记录的目标类型
	TargetType TargetType `json:"target_type"`
	// TargetKey 原始记录的分区键，作为溯源信息
	TargetKey string `json:"target_key"`
	// Timestamp 扇出时间
	Timestamp time.Time `json:"timestamp"`
}

// RecordInserted 记录插入变更通知。由存储层的 outbox 在记录写入事务内生成，
// 经内部主题投递给扇出调度器
type RecordInserted struct {
	RecordID   string     `json:"record_id"`
	TargetKey  string     `json:"target_key"`
	TargetType TargetType `json:"target_type"`
	TargetID   string     `json:"target_id"`
	Kind       RecordKind `json:"kind"`
}

// UserClient 广播解析结果中的 (用户, 租户) 对
type UserClient struct {
	UserID   string `json:"user_id"`
	ClientID string `json:"client_id"`
}
