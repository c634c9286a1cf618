package domain

import "slices"

// ComputeFunc 由事件负载计算字段值的纯函数。不允许访问负载之外的任何环境
type ComputeFunc[T any] func(payload map[string]any) (T, error)

// FieldValue 模板字段值：字面量或由负载计算。
// 每次解析中计算函数至多被调用一次
type FieldValue[T any] struct {
	literal T
	compute ComputeFunc[T]
	set     bool
}

// Literal 创建字面量字段
func Literal[T any](v T) FieldValue[T] {
	return FieldValue[T]{literal: v, set: true}
}

// Computed 创建计算字段
func Computed[T any](fn ComputeFunc[T]) FieldValue[T] {
	return FieldValue[T]{compute: fn, set: true}
}

// IsSet 字段是否被模板定义
func (f FieldValue[T]) IsSet() bool {
	return f.set
}

// Resolve 解析字段值。字面量直接返回并忽略负载；计算字段以负载求值
func (f FieldValue[T]) Resolve(payload map[string]any) (T, error) {
	if f.compute != nil {
		return f.compute(payload)
	}
	return f.literal, nil
}

// Template 单个事件类型到记录字段的映射蓝图
type Template struct {
	// TargetType 目标类型
	TargetType TargetType
	// Title 标题
	Title FieldValue[string]
	// Content 正文
	Content FieldValue[string]
	// Priority 优先级
	Priority FieldValue[string]
	// UserID 用户目标标识
	UserID FieldValue[string]
	// ClientID 租户目标标识
	ClientID FieldValue[string]
	// ChannelID 频道目标标识
	ChannelID FieldValue[string]
	// Metadata 模板元数据，低于溯源字段的优先级
	Metadata FieldValue[map[string]any]
	// Icon 图标
	Icon FieldValue[string]
	// Category 分类
	Category FieldValue[string]
	// ActionURL 点击跳转地址
	ActionURL FieldValue[string]
	// Tags 标签
	Tags FieldValue[[]string]
	// DisplayDuration 展示时长（秒）
	DisplayDuration FieldValue[int]
	// Sound 提示音
	Sound FieldValue[string]
}

// EventPattern 声明式事件匹配模式
type EventPattern struct {
	// Sources 允许的事件来源集合
	Sources []string
	// DetailTypes 允许的事件类型集合，精确集合成员匹配
	DetailTypes []string
	// Detail 可选的负载子过滤：每个键对应一个允许值集合
	Detail map[string][]any
}

// Matches 判断事件是否命中模式。
// 来源与事件类型均为精确集合成员判定，不做任何前缀或子串匹配；
// Detail 过滤要求负载中对应键的值属于给定集合
func (p *EventPattern) Matches(event *InboundEvent) bool {
	if !slices.Contains(p.Sources, event.Source) {
		return false
	}
	if !slices.Contains(p.DetailTypes, event.DetailType) {
		return false
	}

	for key, allowed := range p.Detail {
		got, ok := event.Payload[key]
		if !ok {
			return false
		}
		if !containsValue(allowed, got) {
			return false
		}
	}
	return true
}

// containsValue 判断 got 是否属于 allowed 集合。
// 比较是类型严格的，仅数字跨表示归一：JSON 反序列化把所有数字变成
// float64，而 YAML 配置里的数字是整型，两者按数值相等判定。
// 字符串永远不与数字互相匹配
func containsValue(allowed []any, got any) bool {
	for _, want := range allowed {
		if scalarEqual(want, got) {
			return true
		}
	}
	return false
}

func scalarEqual(a, b any) bool {
	if a == b {
		return true
	}
	na, aok := toFloat(a)
	nb, bok := toFloat(b)
	return aok && bok && na == nb
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Subscription 编译后的订阅。进程启动时构建一次，之后只读复用
type Subscription struct {
	// Name 订阅名，在配置内唯一
	Name string
	// Description 可选描述
	Description string
	// Pattern 事件匹配模式
	Pattern EventPattern
	// NotificationMapping 事件类型到通知模板的映射
	NotificationMapping map[string]*Template
	// MessageMapping 事件类型到消息模板的映射
	MessageMapping map[string]*Template
}

// FindMatches 返回命中事件的全部订阅。一个事件可以触发多路独立物化
func FindMatches(event *InboundEvent, subs []*Subscription) []*Subscription {
	var matched []*Subscription
	for _, s := range subs {
		if s.Pattern.Matches(event) {
			matched = append(matched, s)
		}
	}
	return matched
}
