package domain

import (
	"errors"
	"fmt"
)

// 管线错误分类哨兵，供 errors.Is 判定
var (
	// ErrConfig 订阅配置非法，启动期致命
	ErrConfig = errors.New("invalid subscription configuration")
	// ErrTemplateEvaluation 计算字段求值失败，仅影响所属订阅的输出
	ErrTemplateEvaluation = errors.New("template evaluation failed")
	// ErrMissingTargetField 目标标识缺失。数据问题而非瞬时故障，不可重试
	ErrMissingTargetField = errors.New("required target identifier missing")
	// ErrRecipientResolution 收件人解析失败，可退避重试
	ErrRecipientResolution = errors.New("recipient resolution failed")
	// ErrPublish 事件批次发布失败，仅重试该批次
	ErrPublish = errors.New("availability publish failed")
)

// ConfigError 订阅配置错误
type ConfigError struct {
	Subscription string
	Detail       string
}

func (e *ConfigError) Error() string {
	if e.Subscription == "" {
		return fmt.Sprintf("subscription config: %s", e.Detail)
	}
	return fmt.Sprintf("subscription config %q: %s", e.Subscription, e.Detail)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// TemplateEvaluationError 模板计算字段求值错误
type TemplateEvaluationError struct {
	Subscription string
	Field        string
	Cause        error
}

func (e *TemplateEvaluationError) Error() string {
	return fmt.Sprintf("subscription %q: field %q evaluation failed: %v", e.Subscription, e.Field, e.Cause)
}

func (e *TemplateEvaluationError) Unwrap() error { return ErrTemplateEvaluation }

// MissingTargetFieldError 目标标识缺失错误
type MissingTargetFieldError struct {
	Subscription string
	TargetType   TargetType
	Field        string
}

func (e *MissingTargetFieldError) Error() string {
	return fmt.Sprintf("subscription %q: target type %q requires non-empty %s", e.Subscription, e.TargetType, e.Field)
}

func (e *MissingTargetFieldError) Unwrap() error { return ErrMissingTargetField }

// Retryable 判断物化失败是否值得重投递。
// 模板求值失败与目标标识缺失是确定性的数据问题，重试不会改变结果
func Retryable(err error) bool {
	if errors.Is(err, ErrTemplateEvaluation) || errors.Is(err, ErrMissingTargetField) {
		return false
	}
	return true
}

// SubscriptionFailure 单个订阅的物化失败
type SubscriptionFailure struct {
	Subscription string
	Err          error
}

func (f SubscriptionFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Subscription, f.Err)
}

func (f SubscriptionFailure) Unwrap() error { return f.Err }

// MaterializeError 一次事件处理中全部输出都失败时返回的聚合错误
type MaterializeError struct {
	EventID  string
	Failures []SubscriptionFailure
}

func (e *MaterializeError) Error() string {
	return fmt.Sprintf("event %s: all %d matched outputs failed: %v", e.EventID, len(e.Failures), errors.Join(toErrs(e.Failures)...))
}

// AnyRetryable 聚合失败中是否存在可重试的失败
func (e *MaterializeError) AnyRetryable() bool {
	for _, f := range e.Failures {
		if Retryable(f.Err) {
			return true
		}
	}
	return false
}

func toErrs(fs []SubscriptionFailure) []error {
	errs := make([]error, len(fs))
	for i, f := range fs {
		errs[i] = f
	}
	return errs
}
