package application

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/wyfcoding/notifyhub/internal/notify/domain"
	"github.com/wyfcoding/notifyhub/pkg/metrics"
)

// fakeResolver 可注入失败次数的收件人解析器
type fakeResolver struct {
	mu           sync.Mutex
	clientUsers  map[string][]string
	allUsers     []domain.UserClient
	channelUsers map[string][]string
	failures     int
	calls        int
}

func (r *fakeResolver) fail() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return errors.New("directory unavailable")
	}
	return nil
}

func (r *fakeResolver) ResolveClientUsers(_ context.Context, clientID string) ([]string, error) {
	if err := r.fail(); err != nil {
		return nil, err
	}
	return r.clientUsers[clientID], nil
}

func (r *fakeResolver) ResolveAllUsers(_ context.Context) ([]domain.UserClient, error) {
	if err := r.fail(); err != nil {
		return nil, err
	}
	return r.allUsers, nil
}

func (r *fakeResolver) ResolveChannelParticipants(_ context.Context, channelID string) ([]string, error) {
	if err := r.fail(); err != nil {
		return nil, err
	}
	return r.channelUsers[channelID], nil
}

// fakePublisher 记录所有批次，可按收件人注入持续失败
type fakePublisher struct {
	mu          sync.Mutex
	batches     [][]domain.AvailabilityEvent
	failForUser string
}

func (p *fakePublisher) PublishBatch(_ context.Context, events []domain.AvailabilityEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failForUser != "" {
		for _, e := range events {
			if e.RecipientID == p.failForUser {
				return errors.New("broker rejected batch")
			}
		}
	}
	p.batches = append(p.batches, events)
	return nil
}

func (p *fakePublisher) published() []domain.AvailabilityEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.AvailabilityEvent
	for _, b := range p.batches {
		out = append(out, b...)
	}
	return out
}

func newDispatcher(resolver domain.RecipientResolver, publisher domain.AvailabilityPublisher, batchSize int) *FanoutDispatcher {
	return NewFanoutDispatcher(resolver, publisher, FanoutOptions{
		BatchSize:           batchSize,
		ResolveMaxRetries:   3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     5 * time.Millisecond,
	}, metrics.New("test"), slog.Default())
}

// TestDispatchClientFanout 客户端目标对每个成员恰好产生一条可用性事件
func TestDispatchClientFanout(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{clientUsers: map[string][]string{"t1": {"u1", "u2", "u3"}}}
	publisher := &fakePublisher{}
	d := newDispatcher(resolver, publisher, 10)

	ins := &domain.RecordInserted{
		RecordID:   "rec-1",
		TargetKey:  "client#t1",
		TargetType: domain.TargetClient,
		TargetID:   "t1",
		Kind:       domain.KindNotification,
	}
	if err := d.Dispatch(context.Background(), ins); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	events := publisher.published()
	if len(events) != 3 {
		t.Fatalf("got %d availability events, want 3", len(events))
	}
	seen := make(map[string]bool)
	for _, e := range events {
		seen[e.RecipientID] = true
		if e.RecordID != "rec-1" {
			t.Errorf("RecordID = %q, want rec-1", e.RecordID)
		}
		if e.TargetType != domain.TargetClient {
			t.Errorf("TargetType = %q, want client", e.TargetType)
		}
		if e.ClientID != "t1" {
			t.Errorf("ClientID = %q, want t1", e.ClientID)
		}
		if e.DetailType != "notification.available" {
			t.Errorf("DetailType = %q, want notification.available", e.DetailType)
		}
	}
	for _, u := range []string{"u1", "u2", "u3"} {
		if !seen[u] {
			t.Errorf("recipient %s missing", u)
		}
	}
}

// TestDispatchUserTargetSkipsFanout 用户目标无需扇出
func TestDispatchUserTargetSkipsFanout(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{}
	publisher := &fakePublisher{}
	d := newDispatcher(resolver, publisher, 10)

	ins := &domain.RecordInserted{
		RecordID:   "rec-2",
		TargetKey:  "user#u9",
		TargetType: domain.TargetUser,
		TargetID:   "u9",
		Kind:       domain.KindNotification,
	}
	if err := d.Dispatch(context.Background(), ins); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(publisher.published()) != 0 {
		t.Errorf("user target must not publish availability events")
	}
	if resolver.calls != 0 {
		t.Errorf("user target must not hit the recipient directory")
	}
}

// TestDispatchBatching 收件人按批次切分发布
func TestDispatchBatching(t *testing.T) {
	t.Parallel()

	var users []string
	for i := 0; i < 25; i++ {
		users = append(users, "u"+strconv.Itoa(i))
	}
	resolver := &fakeResolver{clientUsers: map[string][]string{"t1": users}}
	publisher := &fakePublisher{}
	d := newDispatcher(resolver, publisher, 10)

	ins := &domain.RecordInserted{
		RecordID:   "rec-3",
		TargetKey:  "client#t1",
		TargetType: domain.TargetClient,
		TargetID:   "t1",
		Kind:       domain.KindMessage,
	}
	if err := d.Dispatch(context.Background(), ins); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if len(publisher.batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(publisher.batches))
	}
	for i, want := range []int{10, 10, 5} {
		if len(publisher.batches[i]) != want {
			t.Errorf("batch %d size = %d, want %d", i, len(publisher.batches[i]), want)
		}
	}
	if publisher.batches[0][0].DetailType != "message.available" {
		t.Errorf("DetailType = %q, want message.available", publisher.batches[0][0].DetailType)
	}
}

// TestDispatchBatchFailureIsolation 单个批次耗尽重试不阻塞其余批次，
// 但整体返回发布错误以触发重投递
func TestDispatchBatchFailureIsolation(t *testing.T) {
	t.Parallel()

	var users []string
	for i := 0; i < 25; i++ {
		users = append(users, "u"+strconv.Itoa(i))
	}
	resolver := &fakeResolver{clientUsers: map[string][]string{"t1": users}}
	publisher := &fakePublisher{failForUser: "u11"}
	d := newDispatcher(resolver, publisher, 10)

	ins := &domain.RecordInserted{
		RecordID:   "rec-4",
		TargetKey:  "client#t1",
		TargetType: domain.TargetClient,
		TargetID:   "t1",
		Kind:       domain.KindNotification,
	}
	err := d.Dispatch(context.Background(), ins)
	if !errors.Is(err, domain.ErrPublish) {
		t.Fatalf("Dispatch() error = %v, want ErrPublish", err)
	}

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if len(publisher.batches) != 2 {
		t.Errorf("got %d delivered batches, want 2 despite middle batch failing", len(publisher.batches))
	}
}

// TestDispatchResolverRetry 解析瞬时失败在重试后成功
func TestDispatchResolverRetry(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{
		channelUsers: map[string][]string{"c1": {"u1", "u2"}},
		failures:     2,
	}
	publisher := &fakePublisher{}
	d := newDispatcher(resolver, publisher, 10)

	ins := &domain.RecordInserted{
		RecordID:   "rec-5",
		TargetKey:  "channel#c1",
		TargetType: domain.TargetChannel,
		TargetID:   "c1",
		Kind:       domain.KindMessage,
	}
	if err := d.Dispatch(context.Background(), ins); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := len(publisher.published()); got != 2 {
		t.Errorf("got %d events, want 2", got)
	}
	if resolver.calls != 3 {
		t.Errorf("resolver calls = %d, want 3 (two failures then success)", resolver.calls)
	}
}

// TestDispatchResolverExhausted 解析持续失败返回可重试的解析错误
func TestDispatchResolverExhausted(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{failures: 100}
	publisher := &fakePublisher{}
	d := newDispatcher(resolver, publisher, 10)

	ins := &domain.RecordInserted{
		RecordID:   "rec-6",
		TargetKey:  "broadcast",
		TargetType: domain.TargetBroadcast,
		TargetID:   "",
		Kind:       domain.KindNotification,
	}
	err := d.Dispatch(context.Background(), ins)
	if !errors.Is(err, domain.ErrRecipientResolution) {
		t.Fatalf("Dispatch() error = %v, want ErrRecipientResolution", err)
	}
	if !domain.Retryable(err) {
		t.Error("recipient resolution failure should be retryable")
	}
	if len(publisher.published()) != 0 {
		t.Error("nothing should be published when resolution fails")
	}
}

// TestDispatchBroadcastCarriesClientID 广播事件携带每个收件人所属的客户端
func TestDispatchBroadcastCarriesClientID(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{allUsers: []domain.UserClient{
		{UserID: "u1", ClientID: "t1"},
		{UserID: "u2", ClientID: "t2"},
	}}
	publisher := &fakePublisher{}
	d := newDispatcher(resolver, publisher, 10)

	ins := &domain.RecordInserted{
		RecordID:   "rec-7",
		TargetKey:  "broadcast",
		TargetType: domain.TargetBroadcast,
		Kind:       domain.KindNotification,
	}
	if err := d.Dispatch(context.Background(), ins); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	events := publisher.published()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	byUser := make(map[string]string)
	for _, e := range events {
		byUser[e.RecipientID] = e.ClientID
	}
	if byUser["u1"] != "t1" || byUser["u2"] != "t2" {
		t.Errorf("client attribution wrong: %v", byUser)
	}
}
