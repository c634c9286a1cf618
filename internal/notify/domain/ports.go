package domain

import "context"

// RecordRepository 记录存储。按 (target_key, received_at) 分区存取，
// 记录 ID 上有二级唯一索引；插入在事务内附带变更通知
type RecordRepository interface {
	// Put 写入记录。记录 ID 冲突视为重投递产生的重复，幂等处理
	Put(ctx context.Context, record *Record) error
	// GetByID 按记录 ID 查询，未找到返回 (nil, nil)
	GetByID(ctx context.Context, recordID string) (*Record, error)
	// QueryByPartition 按分区键查询，received_at 倒序
	QueryByPartition(ctx context.Context, targetKey string, limit, offset int) ([]*Record, int64, error)
}

// RecipientResolver 收件人解析。群组目标展开为具体收件人集合
type RecipientResolver interface {
	// ResolveClientUsers 返回租户下全部用户
	ResolveClientUsers(ctx context.Context, clientID string) ([]string, error)
	// ResolveAllUsers 返回全部 (用户, 租户) 对，广播使用
	ResolveAllUsers(ctx context.Context) ([]UserClient, error)
	// ResolveChannelParticipants 返回频道的在线参与者
	ResolveChannelParticipants(ctx context.Context, channelID string) ([]string, error)
}

// AvailabilityPublisher 可用性事件发布。一次调用发布一个批次
type AvailabilityPublisher interface {
	PublishBatch(ctx context.Context, events []AvailabilityEvent) error
}
