package application

import (
	"context"
	"fmt"

	"github.com/wyfcoding/notifyhub/internal/notify/domain"
	"github.com/wyfcoding/notifyhub/pkg/utils"
)

// NotifyService 通知管线门面，整合物化、扇出与查询
type NotifyService struct {
	materializer *Materializer
	dispatcher   *FanoutDispatcher
	repo         domain.RecordRepository
}

// NewNotifyService 构造函数
func NewNotifyService(materializer *Materializer, dispatcher *FanoutDispatcher, repo domain.RecordRepository) *NotifyService {
	return &NotifyService{
		materializer: materializer,
		dispatcher:   dispatcher,
		repo:         repo,
	}
}

// ProcessEvent 物化一个入站事件
func (s *NotifyService) ProcessEvent(ctx context.Context, event *domain.InboundEvent) error {
	return s.materializer.ProcessEvent(ctx, event)
}

// DispatchInserted 对一条记录插入通知执行扇出
func (s *NotifyService) DispatchInserted(ctx context.Context, ins *domain.RecordInserted) error {
	return s.dispatcher.Dispatch(ctx, ins)
}

// GetRecord 按记录 ID 查询，未找到返回 (nil, nil)
func (s *NotifyService) GetRecord(ctx context.Context, recordID string) (*domain.Record, error) {
	return s.repo.GetByID(ctx, recordID)
}

// ListRecords 按分区键分页查询，received_at 倒序
func (s *NotifyService) ListRecords(ctx context.Context, targetKey string, page, pageSize int) ([]*domain.Record, *utils.Pagination, error) {
	p := utils.NewPagination(page, pageSize, 0)

	records, total, err := s.repo.QueryByPartition(ctx, targetKey, p.Limit(), p.Offset())
	if err != nil {
		return nil, nil, fmt.Errorf("query partition %q: %w", targetKey, err)
	}

	return records, utils.NewPagination(page, pageSize, total), nil
}
