// Package directory 收件人目录。基于 MySQL 目录表解析群组目标的收件人集合，
// 带短 TTL 的 Redis 缓存以吸收同一目标的密集扇出
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/notifyhub/internal/notify/domain"
	"github.com/wyfcoding/notifyhub/pkg/cache"
	"github.com/wyfcoding/notifyhub/pkg/logger"
)

// UserModel 用户目录行
type UserModel struct {
	gorm.Model
	UserID   string `gorm:"column:user_id;type:varchar(64);uniqueIndex;not null"`
	ClientID string `gorm:"column:client_id;type:varchar(64);index;not null"`
	Active   bool   `gorm:"column:active;not null;default:true"`
}

// TableName 指定表名
func (UserModel) TableName() string {
	return "notify_users"
}

// ChannelParticipantModel 频道参与者行
type ChannelParticipantModel struct {
	gorm.Model
	ChannelID string `gorm:"column:channel_id;type:varchar(64);index:idx_channel_user,priority:1;not null"`
	UserID    string `gorm:"column:user_id;type:varchar(64);index:idx_channel_user,priority:2;not null"`
	Active    bool   `gorm:"column:active;not null;default:true"`
}

// TableName 指定表名
func (ChannelParticipantModel) TableName() string {
	return "notify_channel_participants"
}

// resolverImpl domain.RecipientResolver 的目录实现
type resolverImpl struct {
	db    *gorm.DB
	cache *cache.RedisCache
	ttl   time.Duration
}

// NewResolver 创建收件人解析器。cache 为 nil 时直查数据库
func NewResolver(db *gorm.DB, c *cache.RedisCache, ttl time.Duration) domain.RecipientResolver {
	return &resolverImpl{db: db, cache: c, ttl: ttl}
}

// ResolveClientUsers 实现 domain.RecipientResolver.ResolveClientUsers
func (r *resolverImpl) ResolveClientUsers(ctx context.Context, clientID string) ([]string, error) {
	key := "recipients:client:" + clientID

	var users []string
	if r.cached(ctx, key, &users) {
		return users, nil
	}

	err := r.db.WithContext(ctx).Model(&UserModel{}).
		Where("client_id = ? AND active = ?", clientID, true).
		Pluck("user_id", &users).Error
	if err != nil {
		return nil, fmt.Errorf("resolve users of client %s: %w", clientID, err)
	}

	r.store(ctx, key, users)
	return users, nil
}

// ResolveAllUsers 实现 domain.RecipientResolver.ResolveAllUsers
func (r *resolverImpl) ResolveAllUsers(ctx context.Context) ([]domain.UserClient, error) {
	key := "recipients:broadcast"

	var pairs []domain.UserClient
	if r.cached(ctx, key, &pairs) {
		return pairs, nil
	}

	var rows []UserModel
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("resolve all users: %w", err)
	}

	pairs = make([]domain.UserClient, len(rows))
	for i, row := range rows {
		pairs[i] = domain.UserClient{UserID: row.UserID, ClientID: row.ClientID}
	}

	r.store(ctx, key, pairs)
	return pairs, nil
}

// ResolveChannelParticipants 实现 domain.RecipientResolver.ResolveChannelParticipants。
// 仅返回活跃参与者
func (r *resolverImpl) ResolveChannelParticipants(ctx context.Context, channelID string) ([]string, error) {
	key := "recipients:channel:" + channelID

	var users []string
	if r.cached(ctx, key, &users) {
		return users, nil
	}

	err := r.db.WithContext(ctx).Model(&ChannelParticipantModel{}).
		Where("channel_id = ? AND active = ?", channelID, true).
		Pluck("user_id", &users).Error
	if err != nil {
		return nil, fmt.Errorf("resolve participants of channel %s: %w", channelID, err)
	}

	r.store(ctx, key, users)
	return users, nil
}

// cached 尝试读缓存。缓存故障按未命中处理，不阻塞解析
func (r *resolverImpl) cached(ctx context.Context, key string, dest any) bool {
	if r.cache == nil {
		return false
	}
	err := r.cache.GetJSON(ctx, key, dest)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logger.Warn(ctx, "recipient cache read failed", "key", key, "error", err)
		}
		return false
	}
	return true
}

func (r *resolverImpl) store(ctx context.Context, key string, value any) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetJSON(ctx, key, value, r.ttl); err != nil {
		logger.Warn(ctx, "recipient cache write failed", "key", key, "error", err)
	}
}
