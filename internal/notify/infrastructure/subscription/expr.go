package subscription

import (
	"fmt"
	"strconv"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/wyfcoding/notifyhub/internal/notify/domain"
)

// exprKey 字段值中标记计算表达式的键，例如 {expr: "payload.tenantId"}
const exprKey = "expr"

// templateCompiler 编译单个模板的全部字段，首个错误短路
type templateCompiler struct {
	sub        string
	detailType string
	err        error
}

// compileField 将配置原始值编译为 FieldValue。
// nil 表示字段未定义；{expr: ...} 编译为受限表达式；其余作为字面量做类型转换。
// 表达式只能读取 payload 变量，无任何 I/O 或环境访问能力
func compileField[T any](c *templateCompiler, name string, raw any, convert func(any) (T, error)) domain.FieldValue[T] {
	var unset domain.FieldValue[T]
	if c.err != nil || raw == nil {
		return unset
	}

	if src, ok := exprSource(raw); ok {
		program, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			c.err = &domain.ConfigError{
				Subscription: c.sub,
				Detail:       fmt.Sprintf("template for %q: field %s: bad expression %q: %v", c.detailType, name, src, err),
			}
			return unset
		}
		return domain.Computed(computedField(program, convert))
	}

	v, err := convert(raw)
	if err != nil {
		c.err = &domain.ConfigError{
			Subscription: c.sub,
			Detail:       fmt.Sprintf("template for %q: field %s: %v", c.detailType, name, err),
		}
		return unset
	}
	return domain.Literal(v)
}

// exprSource 识别 {expr: "..."} 形式的计算字段定义
func exprSource(raw any) (string, bool) {
	m, ok := raw.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	src, ok := m[exprKey].(string)
	return src, ok
}

// computedField 将编译后的表达式包装为纯计算函数。
// 表达式以 {"payload": payload} 作为唯一求值环境
func computedField[T any](program *vm.Program, convert func(any) (T, error)) domain.ComputeFunc[T] {
	return func(payload map[string]any) (T, error) {
		var zero T
		out, err := expr.Run(program, map[string]any{"payload": payload})
		if err != nil {
			return zero, fmt.Errorf("expression failed: %w", err)
		}
		if out == nil {
			return zero, nil
		}
		return convert(out)
	}
}

// asString 标量到字符串的转换
func asString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case bool:
		return strconv.FormatBool(s), nil
	case int:
		return strconv.Itoa(s), nil
	case int64:
		return strconv.FormatInt(s, 10), nil
	case uint64:
		return strconv.FormatUint(s, 10), nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("cannot use %T as string", v)
}

// asInt 标量到整数的转换
func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("cannot use %T as int", v)
}

// asStringSlice 元素级字符串转换
func asStringSlice(v any) ([]string, error) {
	switch s := v.(type) {
	case []string:
		return s, nil
	case []any:
		out := make([]string, len(s))
		for i, e := range s {
			str, err := asString(e)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = str
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot use %T as string list", v)
}

// asMap 映射转换
func asMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return nil, fmt.Errorf("cannot use %T as map", v)
}
