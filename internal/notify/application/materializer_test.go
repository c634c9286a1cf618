package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/wyfcoding/notifyhub/internal/notify/domain"
	"github.com/wyfcoding/notifyhub/pkg/metrics"
)

// fakeRecordRepo 内存记录仓储
type fakeRecordRepo struct {
	mu      sync.Mutex
	records map[string]*domain.Record
	failPut error
}

func newFakeRecordRepo() *fakeRecordRepo {
	return &fakeRecordRepo{records: make(map[string]*domain.Record)}
}

func (r *fakeRecordRepo) Put(_ context.Context, record *domain.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failPut != nil {
		return r.failPut
	}
	r.records[record.ID] = record
	return nil
}

func (r *fakeRecordRepo) GetByID(_ context.Context, recordID string) (*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[recordID], nil
}

func (r *fakeRecordRepo) QueryByPartition(_ context.Context, targetKey string, limit, offset int) ([]*domain.Record, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Record
	for _, rec := range r.records {
		if rec.TargetKey == targetKey {
			out = append(out, rec)
		}
	}
	return out, int64(len(out)), nil
}

func (r *fakeRecordRepo) byTargetKey(targetKey string) []*domain.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Record
	for _, rec := range r.records {
		if rec.TargetKey == targetKey {
			out = append(out, rec)
		}
	}
	return out
}

func (r *fakeRecordRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// staticSubs 固定订阅列表
type staticSubs []*domain.Subscription

func (s staticSubs) Subscriptions() []*domain.Subscription { return s }

func leadSubscription() *domain.Subscription {
	return &domain.Subscription{
		Name: "crm-lead-created",
		Pattern: domain.EventPattern{
			Sources:     []string{"crm"},
			DetailTypes: []string{"lead.created"},
		},
		NotificationMapping: map[string]*domain.Template{
			"lead.created": {
				TargetType: domain.TargetClient,
				ClientID: domain.Computed(func(payload map[string]any) (string, error) {
					id, _ := payload["tenantId"].(string)
					return id, nil
				}),
				Title: domain.Literal("New Lead"),
			},
		},
	}
}

func newMaterializer(subs SubscriptionSource, repo domain.RecordRepository) *Materializer {
	return NewMaterializer(subs, repo, metrics.New("test"), slog.Default())
}

func leadCreatedEvent() *domain.InboundEvent {
	return &domain.InboundEvent{
		Source:     "crm",
		DetailType: "lead.created",
		ID:         "evt-1",
		Payload:    map[string]any{"tenantId": "t1"},
	}
}

// TestProcessEventMaterializesRecord 命中订阅的事件物化为一条记录
func TestProcessEventMaterializesRecord(t *testing.T) {
	t.Parallel()

	repo := newFakeRecordRepo()
	m := newMaterializer(staticSubs{leadSubscription()}, repo)

	if err := m.ProcessEvent(context.Background(), leadCreatedEvent()); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}

	records := repo.byTargetKey("client#t1")
	if len(records) != 1 {
		t.Fatalf("got %d records in client#t1, want 1", len(records))
	}
	rec := records[0]
	if rec.Title != "New Lead" {
		t.Errorf("Title = %q, want %q", rec.Title, "New Lead")
	}
	if rec.Metadata[domain.MetaSourceEvent] != "lead.created" || rec.Metadata[domain.MetaSourceEventID] != "evt-1" {
		t.Errorf("provenance metadata wrong: %v", rec.Metadata)
	}
}

// TestProcessEventNoMatch 未命中任何订阅的事件静默通过
func TestProcessEventNoMatch(t *testing.T) {
	t.Parallel()

	repo := newFakeRecordRepo()
	m := newMaterializer(staticSubs{leadSubscription()}, repo)

	event := leadCreatedEvent()
	event.DetailType = "lead.updated"

	if err := m.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if repo.count() != 0 {
		t.Errorf("got %d records, want 0", repo.count())
	}
}

// TestProcessEventIdempotentOnRedelivery 重投递同一事件不产生第二条记录
func TestProcessEventIdempotentOnRedelivery(t *testing.T) {
	t.Parallel()

	repo := newFakeRecordRepo()
	m := newMaterializer(staticSubs{leadSubscription()}, repo)

	for i := 0; i < 3; i++ {
		if err := m.ProcessEvent(context.Background(), leadCreatedEvent()); err != nil {
			t.Fatalf("ProcessEvent() attempt %d error = %v", i, err)
		}
	}
	if repo.count() != 1 {
		t.Errorf("got %d records after redelivery, want 1", repo.count())
	}
}

// TestProcessEventPartialFailure 一个订阅失败不影响另一个的写入，
// 部分成功不向上传播错误
func TestProcessEventPartialFailure(t *testing.T) {
	t.Parallel()

	broken := &domain.Subscription{
		Name: "broken",
		Pattern: domain.EventPattern{
			Sources:     []string{"crm"},
			DetailTypes: []string{"lead.created"},
		},
		NotificationMapping: map[string]*domain.Template{
			"lead.created": {
				TargetType: domain.TargetBroadcast,
				Title: domain.Computed(func(map[string]any) (string, error) {
					return "", errors.New("resolver exploded")
				}),
			},
		},
	}

	repo := newFakeRecordRepo()
	m := newMaterializer(staticSubs{broken, leadSubscription()}, repo)

	if err := m.ProcessEvent(context.Background(), leadCreatedEvent()); err != nil {
		t.Fatalf("ProcessEvent() error = %v, want nil on partial success", err)
	}

	if len(repo.byTargetKey("client#t1")) != 1 {
		t.Error("healthy subscription's record was not written")
	}
	if len(repo.byTargetKey("broadcast")) != 0 {
		t.Error("broken subscription must not produce a record")
	}
}

// TestProcessEventAllFailed 全部输出失败时返回聚合错误，携带可重试性信息
func TestProcessEventAllFailed(t *testing.T) {
	t.Parallel()

	t.Run("non-retryable data problem", func(t *testing.T) {
		t.Parallel()

		sub := leadSubscription()
		sub.NotificationMapping["lead.created"].ClientID = domain.Literal("")

		repo := newFakeRecordRepo()
		m := newMaterializer(staticSubs{sub}, repo)

		err := m.ProcessEvent(context.Background(), leadCreatedEvent())
		var matErr *domain.MaterializeError
		if !errors.As(err, &matErr) {
			t.Fatalf("ProcessEvent() error = %v, want *MaterializeError", err)
		}
		if matErr.AnyRetryable() {
			t.Error("missing target field should not be retryable")
		}
		if repo.count() != 0 {
			t.Errorf("got %d records, want 0", repo.count())
		}
	})

	t.Run("retryable store failure", func(t *testing.T) {
		t.Parallel()

		repo := newFakeRecordRepo()
		repo.failPut = errors.New("store unavailable")
		m := newMaterializer(staticSubs{leadSubscription()}, repo)

		err := m.ProcessEvent(context.Background(), leadCreatedEvent())
		var matErr *domain.MaterializeError
		if !errors.As(err, &matErr) {
			t.Fatalf("ProcessEvent() error = %v, want *MaterializeError", err)
		}
		if !matErr.AnyRetryable() {
			t.Error("store failure should be retryable")
		}
	})
}

// TestProcessEventBothMappings 同一订阅可同时产出通知与消息两条记录
func TestProcessEventBothMappings(t *testing.T) {
	t.Parallel()

	sub := leadSubscription()
	sub.MessageMapping = map[string]*domain.Template{
		"lead.created": {
			TargetType: domain.TargetClient,
			ClientID:   domain.Literal("t1"),
			Content:    domain.Literal("lead arrived"),
		},
	}

	repo := newFakeRecordRepo()
	m := newMaterializer(staticSubs{sub}, repo)

	if err := m.ProcessEvent(context.Background(), leadCreatedEvent()); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if repo.count() != 2 {
		t.Errorf("got %d records, want 2 (notification + message)", repo.count())
	}
}
