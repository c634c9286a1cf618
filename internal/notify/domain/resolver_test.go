package domain

import (
	"errors"
	"testing"
	"time"
)

func leadEvent() *InboundEvent {
	return &InboundEvent{
		Source:     "crm",
		DetailType: "lead.created",
		ID:         "evt-42",
		Payload:    map[string]any{"tenantId": "t1", "leadName": "ACME"},
		Timestamp:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func clientTemplate() *Template {
	return &Template{
		TargetType: TargetClient,
		ClientID: Computed(func(payload map[string]any) (string, error) {
			id, _ := payload["tenantId"].(string)
			return id, nil
		}),
		Title: Literal("New Lead"),
	}
}

// TestResolveTemplateClient 验证基础解析路径：字面量、计算字段、分区键
func TestResolveTemplateClient(t *testing.T) {
	t.Parallel()

	record, err := ResolveTemplate("crm-lead-created", KindNotification, clientTemplate(), leadEvent())
	if err != nil {
		t.Fatalf("ResolveTemplate() error = %v", err)
	}

	if record.TargetKey != "client#t1" {
		t.Errorf("TargetKey = %q, want %q", record.TargetKey, "client#t1")
	}
	if record.Title != "New Lead" {
		t.Errorf("Title = %q, want %q", record.Title, "New Lead")
	}
	if record.TargetType != TargetClient || record.TargetID != "t1" {
		t.Errorf("target = (%s, %s), want (client, t1)", record.TargetType, record.TargetID)
	}
	if record.Kind != KindNotification {
		t.Errorf("Kind = %q, want notification", record.Kind)
	}
	if record.CreatedAt != leadEvent().Timestamp {
		t.Errorf("CreatedAt = %v, want event timestamp", record.CreatedAt)
	}
}

// TestResolveTemplateDeterministicID 相同事件与订阅永远产出相同记录 ID，
// 不同订阅或种类产出不同 ID
func TestResolveTemplateDeterministicID(t *testing.T) {
	t.Parallel()

	first, err := ResolveTemplate("crm-lead-created", KindNotification, clientTemplate(), leadEvent())
	if err != nil {
		t.Fatalf("ResolveTemplate() error = %v", err)
	}
	second, err := ResolveTemplate("crm-lead-created", KindNotification, clientTemplate(), leadEvent())
	if err != nil {
		t.Fatalf("ResolveTemplate() error = %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("record ID not deterministic: %q != %q", first.ID, second.ID)
	}

	other, err := ResolveTemplate("another-subscription", KindNotification, clientTemplate(), leadEvent())
	if err != nil {
		t.Fatalf("ResolveTemplate() error = %v", err)
	}
	if other.ID == first.ID {
		t.Error("records of different subscriptions must not share an ID")
	}

	msg, err := ResolveTemplate("crm-lead-created", KindMessage, clientTemplate(), leadEvent())
	if err != nil {
		t.Fatalf("ResolveTemplate() error = %v", err)
	}
	if msg.ID == first.ID {
		t.Error("notification and message outputs must not share an ID")
	}
}

// TestResolveTemplateProvenance 溯源元数据无条件存在且不可被模板覆盖
func TestResolveTemplateProvenance(t *testing.T) {
	t.Parallel()

	tpl := clientTemplate()
	tpl.Metadata = Literal(map[string]any{
		"custom":        "kept",
		MetaSourceEvent: "spoofed",
	})

	record, err := ResolveTemplate("crm-lead-created", KindNotification, tpl, leadEvent())
	if err != nil {
		t.Fatalf("ResolveTemplate() error = %v", err)
	}

	if record.Metadata[MetaSourceEvent] != "lead.created" {
		t.Errorf("metadata[%s] = %v, want %q", MetaSourceEvent, record.Metadata[MetaSourceEvent], "lead.created")
	}
	if record.Metadata[MetaSourceEventID] != "evt-42" {
		t.Errorf("metadata[%s] = %v, want %q", MetaSourceEventID, record.Metadata[MetaSourceEventID], "evt-42")
	}
	if record.Metadata["custom"] != "kept" {
		t.Errorf("template metadata lost: %v", record.Metadata)
	}
}

// TestResolveTemplateMissingTarget 目标标识缺失是数据问题，不可重试
func TestResolveTemplateMissingTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tpl  *Template
	}{
		{
			name: "user template with empty userId",
			tpl: &Template{
				TargetType: TargetUser,
				UserID:     Literal(""),
				Title:      Literal("x"),
			},
		},
		{
			name: "client template resolving to empty clientId",
			tpl: &Template{
				TargetType: TargetClient,
				ClientID: Computed(func(map[string]any) (string, error) {
					return "", nil
				}),
			},
		},
		{
			name: "channel template with unset channelId",
			tpl: &Template{
				TargetType: TargetChannel,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ResolveTemplate("s", KindNotification, tt.tpl, leadEvent())
			if !errors.Is(err, ErrMissingTargetField) {
				t.Fatalf("ResolveTemplate() error = %v, want ErrMissingTargetField", err)
			}
			if Retryable(err) {
				t.Error("missing target field must be non-retryable")
			}
		})
	}
}

// TestResolveTemplateBroadcast broadcast 无需标识
func TestResolveTemplateBroadcast(t *testing.T) {
	t.Parallel()

	tpl := &Template{
		TargetType: TargetBroadcast,
		Title:      Literal("maintenance"),
	}
	record, err := ResolveTemplate("s", KindNotification, tpl, leadEvent())
	if err != nil {
		t.Fatalf("ResolveTemplate() error = %v", err)
	}
	if record.TargetKey != "broadcast" {
		t.Errorf("TargetKey = %q, want %q", record.TargetKey, "broadcast")
	}
	if record.TargetID != "" {
		t.Errorf("TargetID = %q, want empty", record.TargetID)
	}
}

// TestResolveTemplateEvaluationError 计算字段抛错以 TemplateEvaluationError 包装，
// 且同样不可重试
func TestResolveTemplateEvaluationError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tpl := &Template{
		TargetType: TargetClient,
		ClientID:   Literal("t1"),
		Title: Computed(func(map[string]any) (string, error) {
			return "", boom
		}),
	}

	_, err := ResolveTemplate("s", KindNotification, tpl, leadEvent())
	if !errors.Is(err, ErrTemplateEvaluation) {
		t.Fatalf("ResolveTemplate() error = %v, want ErrTemplateEvaluation", err)
	}

	var evalErr *TemplateEvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("error %v is not *TemplateEvaluationError", err)
	}
	if evalErr.Field != "title" {
		t.Errorf("Field = %q, want %q", evalErr.Field, "title")
	}
	if !errors.Is(evalErr.Cause, boom) {
		t.Errorf("Cause = %v, want wrapped boom", evalErr.Cause)
	}
	if Retryable(err) {
		t.Error("template evaluation failure must be non-retryable")
	}
}
