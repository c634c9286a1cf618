package domain

import (
	"time"

	"github.com/wyfcoding/notifyhub/pkg/utils"
)

// ResolveTemplate 以事件负载解析模板，产出一条具体记录。
// 任何计算字段求值失败都以 TemplateEvaluationError 返回，只影响当前订阅的这一路输出。
// 记录 ID 由 (事件 ID, 订阅名, 种类) 确定性派生，重投递的事件会落在同一条记录上
func ResolveTemplate(subName string, kind RecordKind, tpl *Template, event *InboundEvent) (*Record, error) {
	fields := &fieldResolver{sub: subName, payload: event.Payload}

	title := resolveField(fields, "title", tpl.Title)
	content := resolveField(fields, "content", tpl.Content)
	priority := resolveField(fields, "priority", tpl.Priority)
	userID := resolveField(fields, "userId", tpl.UserID)
	clientID := resolveField(fields, "clientId", tpl.ClientID)
	channelID := resolveField(fields, "channelId", tpl.ChannelID)
	icon := resolveField(fields, "icon", tpl.Icon)
	category := resolveField(fields, "category", tpl.Category)
	actionURL := resolveField(fields, "actionUrl", tpl.ActionURL)
	sound := resolveField(fields, "sound", tpl.Sound)
	tags := resolveField(fields, "tags", tpl.Tags)
	displayDuration := resolveField(fields, "displayDuration", tpl.DisplayDuration)
	metadata := resolveField(fields, "metadata", tpl.Metadata)
	if fields.err != nil {
		return nil, fields.err
	}

	targetID, err := targetIdentifier(subName, tpl.TargetType, userID, clientID, channelID)
	if err != nil {
		return nil, err
	}

	// 溯源字段最后合并，模板元数据无法覆盖
	merged := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		merged[k] = v
	}
	merged[MetaSourceEvent] = event.DetailType
	merged[MetaSourceEventID] = event.ID

	now := time.Now().UTC()
	createdAt := event.Timestamp
	if createdAt.IsZero() {
		createdAt = now
	}

	return &Record{
		ID:              utils.DeterministicID(event.ID, subName, string(kind)),
		TargetKey:       tpl.TargetType.Key(targetID),
		TargetType:      tpl.TargetType,
		TargetID:        targetID,
		Kind:            kind,
		Title:           title,
		Content:         content,
		Priority:        priority,
		Icon:            icon,
		Category:        category,
		ActionURL:       actionURL,
		Tags:            tags,
		DisplayDuration: displayDuration,
		Sound:           sound,
		Metadata:        merged,
		CreatedAt:       createdAt,
		ReceivedAt:      now,
	}, nil
}

// fieldResolver 逐字段求值，首个失败即短路
type fieldResolver struct {
	sub     string
	payload map[string]any
	err     error
}

func resolveField[T any](r *fieldResolver, name string, f FieldValue[T]) T {
	var zero T
	if r.err != nil || !f.IsSet() {
		return zero
	}

	v, err := f.Resolve(r.payload)
	if err != nil {
		r.err = &TemplateEvaluationError{Subscription: r.sub, Field: name, Cause: err}
		return zero
	}
	return v
}

// targetIdentifier 校验并返回目标标识。broadcast 不要求标识
func targetIdentifier(subName string, t TargetType, userID, clientID, channelID string) (string, error) {
	var id string
	switch t {
	case TargetUser:
		id = userID
	case TargetClient:
		id = clientID
	case TargetChannel:
		id = channelID
	case TargetBroadcast:
		return "", nil
	default:
		return "", &ConfigError{Subscription: subName, Detail: "unknown target type " + string(t)}
	}

	if id == "" {
		return "", &MissingTargetFieldError{
			Subscription: subName,
			TargetType:   t,
			Field:        t.IdentifierField(),
		}
	}
	return id, nil
}
