// Package subscription 负责订阅配置的加载与编译。
// 配置在进程启动时编译一次，产出的注册表只读，供所有后续调用复用
package subscription

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/wyfcoding/notifyhub/internal/notify/domain"
)

// Registry 编译完成的订阅注册表，进程级只读状态
type Registry struct {
	subs []*domain.Subscription
}

// Subscriptions 返回已编译的订阅列表
func (r *Registry) Subscriptions() []*domain.Subscription {
	return r.subs
}

// Len 订阅数量
func (r *Registry) Len() int {
	return len(r.subs)
}

// Load 从 YAML 文件加载并编译订阅配置。任何非法模式或模板都视为致命配置错误
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subscription config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse 解析并编译订阅配置
func Parse(data []byte) (*Registry, error) {
	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &domain.ConfigError{Detail: fmt.Sprintf("yaml parse failed: %v", err)}
	}

	if len(file.Subscriptions) == 0 {
		return nil, &domain.ConfigError{Detail: "no subscriptions defined"}
	}

	seen := make(map[string]struct{}, len(file.Subscriptions))
	subs := make([]*domain.Subscription, 0, len(file.Subscriptions))
	for i, sc := range file.Subscriptions {
		if sc.Name == "" {
			return nil, &domain.ConfigError{Detail: fmt.Sprintf("subscription #%d has no name", i)}
		}
		if _, dup := seen[sc.Name]; dup {
			return nil, &domain.ConfigError{Subscription: sc.Name, Detail: "duplicate subscription name"}
		}
		seen[sc.Name] = struct{}{}

		sub, err := compileSubscription(&sc)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	return &Registry{subs: subs}, nil
}

// configFile 订阅文件结构
type configFile struct {
	Subscriptions []subscriptionConfig `yaml:"subscriptions"`
}

type subscriptionConfig struct {
	Name                string                    `yaml:"name"`
	Description         string                    `yaml:"description"`
	EventPattern        patternConfig             `yaml:"event_pattern"`
	NotificationMapping map[string]templateConfig `yaml:"notification_mapping"`
	MessageMapping      map[string]templateConfig `yaml:"message_mapping"`
}

type patternConfig struct {
	Sources     []string         `yaml:"sources"`
	DetailTypes []string         `yaml:"detail_types"`
	Detail      map[string][]any `yaml:"detail"`
}

// templateConfig 模板字段原始值。每个字段是字面量，
// 或形如 {expr: "payload.xxx"} 的计算表达式
type templateConfig struct {
	TargetType      string `yaml:"target_type"`
	Title           any    `yaml:"title"`
	Content         any    `yaml:"content"`
	Priority        any    `yaml:"priority"`
	UserID          any    `yaml:"user_id"`
	ClientID        any    `yaml:"client_id"`
	ChannelID       any    `yaml:"channel_id"`
	Metadata        any    `yaml:"metadata"`
	Icon            any    `yaml:"icon"`
	Category        any    `yaml:"category"`
	ActionURL       any    `yaml:"action_url"`
	Tags            any    `yaml:"tags"`
	DisplayDuration any    `yaml:"display_duration"`
	Sound           any    `yaml:"sound"`
}

func compileSubscription(sc *subscriptionConfig) (*domain.Subscription, error) {
	if len(sc.EventPattern.Sources) == 0 {
		return nil, &domain.ConfigError{Subscription: sc.Name, Detail: "event pattern has no sources"}
	}
	if len(sc.EventPattern.DetailTypes) == 0 {
		return nil, &domain.ConfigError{Subscription: sc.Name, Detail: "event pattern has no detail types"}
	}
	if len(sc.NotificationMapping) == 0 && len(sc.MessageMapping) == 0 {
		return nil, &domain.ConfigError{Subscription: sc.Name, Detail: "subscription has no template mappings"}
	}

	notif, err := compileMapping(sc.Name, sc.NotificationMapping)
	if err != nil {
		return nil, err
	}
	msg, err := compileMapping(sc.Name, sc.MessageMapping)
	if err != nil {
		return nil, err
	}

	return &domain.Subscription{
		Name:        sc.Name,
		Description: sc.Description,
		Pattern: domain.EventPattern{
			Sources:     sc.EventPattern.Sources,
			DetailTypes: sc.EventPattern.DetailTypes,
			Detail:      sc.EventPattern.Detail,
		},
		NotificationMapping: notif,
		MessageMapping:      msg,
	}, nil
}

func compileMapping(subName string, mapping map[string]templateConfig) (map[string]*domain.Template, error) {
	if len(mapping) == 0 {
		return nil, nil
	}

	out := make(map[string]*domain.Template, len(mapping))
	for detailType, tc := range mapping {
		tpl, err := compileTemplate(subName, detailType, &tc)
		if err != nil {
			return nil, err
		}
		out[detailType] = tpl
	}
	return out, nil
}

func compileTemplate(subName, detailType string, tc *templateConfig) (*domain.Template, error) {
	targetType := domain.TargetType(tc.TargetType)
	if !targetType.Valid() {
		return nil, &domain.ConfigError{
			Subscription: subName,
			Detail:       fmt.Sprintf("template for %q has invalid target type %q", detailType, tc.TargetType),
		}
	}

	c := &templateCompiler{sub: subName, detailType: detailType}
	tpl := &domain.Template{
		TargetType:      targetType,
		Title:           compileField(c, "title", tc.Title, asString),
		Content:         compileField(c, "content", tc.Content, asString),
		Priority:        compileField(c, "priority", tc.Priority, asString),
		UserID:          compileField(c, "user_id", tc.UserID, asString),
		ClientID:        compileField(c, "client_id", tc.ClientID, asString),
		ChannelID:       compileField(c, "channel_id", tc.ChannelID, asString),
		Metadata:        compileField(c, "metadata", tc.Metadata, asMap),
		Icon:            compileField(c, "icon", tc.Icon, asString),
		Category:        compileField(c, "category", tc.Category, asString),
		ActionURL:       compileField(c, "action_url", tc.ActionURL, asString),
		Tags:            compileField(c, "tags", tc.Tags, asStringSlice),
		DisplayDuration: compileField(c, "display_duration", tc.DisplayDuration, asInt),
		Sound:           compileField(c, "sound", tc.Sound, asString),
	}
	if c.err != nil {
		return nil, c.err
	}

	idField := requiredIdentifier(tpl)
	if idField != "" {
		return nil, &domain.ConfigError{
			Subscription: subName,
			Detail:       fmt.Sprintf("template for %q targets %q but defines no %s", detailType, targetType, idField),
		}
	}

	return tpl, nil
}

// requiredIdentifier 返回缺失的必要标识字段名，完整则返回空串。
// 标识字段在配置期只校验存在性，空值要到解析期才暴露
func requiredIdentifier(tpl *domain.Template) string {
	switch tpl.TargetType {
	case domain.TargetUser:
		if !tpl.UserID.IsSet() {
			return "user_id"
		}
	case domain.TargetClient:
		if !tpl.ClientID.IsSet() {
			return "client_id"
		}
	case domain.TargetChannel:
		if !tpl.ChannelID.IsSet() {
			return "channel_id"
		}
	case domain.TargetBroadcast:
	}
	return ""
}
