// Package mysql 记录仓储接口的 GORM 实现
package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/notifyhub/internal/notify/domain"
	"github.com/wyfcoding/notifyhub/internal/notify/infrastructure/messaging"
	"github.com/wyfcoding/notifyhub/pkg/logger"
)

// RecordModel 记录数据库模型。(target_key, received_at) 为分区查询索引，
// record_id 为二级唯一索引
type RecordModel struct {
	gorm.Model
	RecordID        string    `gorm:"column:record_id;type:varchar(64);uniqueIndex;not null"`
	TargetKey       string    `gorm:"column:target_key;type:varchar(191);index:idx_partition,priority:1;not null"`
	TargetType      string    `gorm:"column:target_type;type:varchar(16);not null"`
	TargetID        string    `gorm:"column:target_id;type:varchar(128)"`
	Kind            string    `gorm:"column:kind;type:varchar(16);not null"`
	Title           string    `gorm:"column:title;type:varchar(255)"`
	Content         string    `gorm:"column:content;type:text"`
	Priority        string    `gorm:"column:priority;type:varchar(16)"`
	Icon            string    `gorm:"column:icon;type:varchar(128)"`
	Category        string    `gorm:"column:category;type:varchar(64)"`
	ActionURL       string    `gorm:"column:action_url;type:varchar(512)"`
	Tags            string    `gorm:"column:tags;type:json"`
	DisplayDuration int       `gorm:"column:display_duration"`
	Sound           string    `gorm:"column:sound;type:varchar(64)"`
	Metadata        string    `gorm:"column:metadata;type:json"`
	EventCreatedAt  time.Time `gorm:"column:event_created_at;precision:3"`
	ReceivedAt      time.Time `gorm:"column:received_at;precision:3;index:idx_partition,priority:2;not null"`
}

// TableName 指定表名
func (RecordModel) TableName() string {
	return "notify_records"
}

// recordRepositoryImpl domain.RecordRepository 的 GORM 实现
type recordRepositoryImpl struct {
	db *gorm.DB
	// insertedTopic 记录插入通知的内部主题
	insertedTopic string
}

// NewRecordRepository 创建记录仓储实例
func NewRecordRepository(db *gorm.DB, insertedTopic string) domain.RecordRepository {
	return &recordRepositoryImpl{db: db, insertedTopic: insertedTopic}
}

// Put 实现 domain.RecordRepository.Put。
// 记录与插入变更通知（outbox 行）在同一事务内提交；
// record_id 冲突说明是重投递产生的重复写入，跳过且不再补发通知
func (r *recordRepositoryImpl) Put(ctx context.Context, record *domain.Record) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	m, err := toModel(record)
	if err != nil {
		return err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "record_id"}},
			DoNothing: true,
		}).Create(m)
		if res.Error != nil {
			return fmt.Errorf("insert record: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			logger.Debug(ctx, "duplicate record write ignored", "record_id", record.ID)
			return nil
		}

		return messaging.Enqueue(tx, record.ID, r.insertedTopic, record.TargetKey, record.Inserted())
	})
	if err != nil {
		logger.Error(ctx, "record_repository.Put failed", "record_id", record.ID, "error", err)
		return err
	}
	return nil
}

// GetByID 实现 domain.RecordRepository.GetByID
func (r *recordRepositoryImpl) GetByID(ctx context.Context, recordID string) (*domain.Record, error) {
	var m RecordModel
	if err := r.db.WithContext(ctx).Where("record_id = ?", recordID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.Error(ctx, "record_repository.GetByID failed", "record_id", recordID, "error", err)
		return nil, fmt.Errorf("get record %s: %w", recordID, err)
	}
	return toDomain(&m)
}

// QueryByPartition 实现 domain.RecordRepository.QueryByPartition
func (r *recordRepositoryImpl) QueryByPartition(ctx context.Context, targetKey string, limit, offset int) ([]*domain.Record, int64, error) {
	var total int64
	q := r.db.WithContext(ctx).Model(&RecordModel{}).Where("target_key = ?", targetKey)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count partition %s: %w", targetKey, err)
	}

	var ms []RecordModel
	if err := q.Order("received_at desc").Limit(limit).Offset(offset).Find(&ms).Error; err != nil {
		logger.Error(ctx, "record_repository.QueryByPartition failed", "target_key", targetKey, "error", err)
		return nil, 0, fmt.Errorf("query partition %s: %w", targetKey, err)
	}

	records := make([]*domain.Record, 0, len(ms))
	for i := range ms {
		rec, err := toDomain(&ms[i])
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, nil
}

func toModel(record *domain.Record) (*RecordModel, error) {
	tags, err := json.Marshal(record.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal record tags: %w", err)
	}
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal record metadata: %w", err)
	}

	return &RecordModel{
		RecordID:        record.ID,
		TargetKey:       record.TargetKey,
		TargetType:      string(record.TargetType),
		TargetID:        record.TargetID,
		Kind:            string(record.Kind),
		Title:           record.Title,
		Content:         record.Content,
		Priority:        record.Priority,
		Icon:            record.Icon,
		Category:        record.Category,
		ActionURL:       record.ActionURL,
		Tags:            string(tags),
		DisplayDuration: record.DisplayDuration,
		Sound:           record.Sound,
		Metadata:        string(metadata),
		EventCreatedAt:  record.CreatedAt,
		ReceivedAt:      record.ReceivedAt,
	}, nil
}

func toDomain(m *RecordModel) (*domain.Record, error) {
	var tags []string
	if m.Tags != "" {
		if err := json.Unmarshal([]byte(m.Tags), &tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags of record %s: %w", m.RecordID, err)
		}
	}
	var metadata map[string]any
	if m.Metadata != "" {
		if err := json.Unmarshal([]byte(m.Metadata), &metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata of record %s: %w", m.RecordID, err)
		}
	}

	return &domain.Record{
		ID:              m.RecordID,
		TargetKey:       m.TargetKey,
		TargetType:      domain.TargetType(m.TargetType),
		TargetID:        m.TargetID,
		Kind:            domain.RecordKind(m.Kind),
		Title:           m.Title,
		Content:         m.Content,
		Priority:        m.Priority,
		Icon:            m.Icon,
		Category:        m.Category,
		ActionURL:       m.ActionURL,
		Tags:            tags,
		DisplayDuration: m.DisplayDuration,
		Sound:           m.Sound,
		Metadata:        metadata,
		CreatedAt:       m.EventCreatedAt,
		ReceivedAt:      m.ReceivedAt,
	}, nil
}
