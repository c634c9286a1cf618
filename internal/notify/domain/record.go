package domain

import (
	"fmt"
	"time"
)

// TargetType 记录的目标类型
type TargetType string

const (
	// TargetUser 单个用户
	TargetUser TargetType = "user"
	// TargetClient 租户下全部用户
	TargetClient TargetType = "client"
	// TargetBroadcast 全员广播
	TargetBroadcast TargetType = "broadcast"
	// TargetChannel 频道参与者
	TargetChannel TargetType = "channel"
)

// Valid 判断目标类型是否合法
func (t TargetType) Valid() bool {
	switch t {
	case TargetUser, TargetClient, TargetBroadcast, TargetChannel:
		return true
	}
	return false
}

// RequiresFanout 判断该目标类型是否需要扇出。
// 用户目标已经是单收件人寻址，不需要展开
func (t TargetType) RequiresFanout() bool {
	switch t {
	case TargetClient, TargetBroadcast, TargetChannel:
		return true
	case TargetUser:
		return false
	}
	return false
}

// IdentifierField 返回该目标类型要求的标识字段名，broadcast 无要求
func (t TargetType) IdentifierField() string {
	switch t {
	case TargetUser:
		return "userId"
	case TargetClient:
		return "clientId"
	case TargetChannel:
		return "channelId"
	case TargetBroadcast:
		return ""
	}
	return ""
}

// Key 由目标类型和标识派生存储分区键。纯函数：相同输入永远产生相同输出
func (t TargetType) Key(id string) string {
	switch t {
	case TargetUser:
		return "user#" + id
	case TargetClient:
		return "client#" + id
	case TargetChannel:
		return "channel#" + id
	case TargetBroadcast:
		return "broadcast"
	}
	return ""
}

// RecordKind 记录种类：通知或站内消息
type RecordKind string

const (
	KindNotification RecordKind = "notification"
	KindMessage      RecordKind = "message"
)

// AvailabilityDetailType 该种类记录扇出时使用的出站事件类型
func (k RecordKind) AvailabilityDetailType() string {
	return string(k) + ".available"
}

// 溯源元数据键。模板元数据无法覆盖这两个键
const (
	MetaSourceEvent   = "sourceEvent"
	MetaSourceEventID = "sourceEventId"
)

// Record 物化后的通知/消息记录。由模板解析一次性创建，本管线不再修改
type Record struct {
	// ID 确定性记录 ID，由 (事件 ID, 订阅名, 种类) 派生
	ID string `json:"id"`
	// TargetKey 存储分区键
	TargetKey string `json:"target_key"`
	// TargetType 目标类型
	TargetType TargetType `json:"target_type"`
	// TargetID 解析出的目标标识，broadcast 为空
	TargetID string `json:"target_id,omitempty"`
	// Kind 记录种类
	Kind RecordKind `json:"kind"`
	// Title 标题
	Title string `json:"title"`
	// Content 正文
	Content string `json:"content"`
	// Priority 优先级
	Priority string `json:"priority,omitempty"`
	// Icon 图标
	Icon string `json:"icon,omitempty"`
	// Category 分类
	Category string `json:"category,omitempty"`
	// ActionURL 点击跳转地址
	ActionURL string `json:"action_url,omitempty"`
	// Tags 标签
	Tags []string `json:"tags,omitempty"`
	// DisplayDuration 展示时长（秒）
	DisplayDuration int `json:"display_duration,omitempty"`
	// Sound 提示音
	Sound string `json:"sound,omitempty"`
	// Metadata 元数据，总是包含溯源字段
	Metadata map[string]any `json:"metadata"`
	// CreatedAt 事件发生时间
	CreatedAt time.Time `json:"created_at"`
	// ReceivedAt 记录写入时间
	ReceivedAt time.Time `json:"received_at"`
}

// Inserted 由记录构造插入变更通知
func (r *Record) Inserted() RecordInserted {
	return RecordInserted{
		RecordID:   r.ID,
		TargetKey:  r.TargetKey,
		TargetType: r.TargetType,
		TargetID:   r.TargetID,
		Kind:       r.Kind,
	}
}

// Validate 校验记录完整性
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record id is empty")
	}
	if !r.TargetType.Valid() {
		return fmt.Errorf("invalid target type %q", r.TargetType)
	}
	if r.TargetKey == "" {
		return fmt.Errorf("record target key is empty")
	}
	return nil
}
