package params

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
)

// 参数来源的配置错误，在任何尝试执行之前报告给宿主
var (
	ErrEmptySource      = errors.New("argument source yielded no tuples")
	ErrUnresolvedSource = errors.New("argument source cannot be resolved")
)

// Tuple 绑定到测试参数的一组有序值，产生后不可变
type Tuple []any

// Len 参数个数
func (t Tuple) Len() int {
	return len(t)
}

// Arg 返回第 i 个参数，越界返回 nil
func (t Tuple) Arg(i int) any {
	if i < 0 || i >= len(t) {
		return nil
	}
	return t[i]
}

// String 以逗号分隔的形式展示参数，用于 {arguments} 占位符
func (t Tuple) String() string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}

// ProviderFunc 提供者函数，返回惰性的参数元组序列
type ProviderFunc func() (iter.Seq[Tuple], error)

// Source 声明的参数来源
type Source interface {
	// Describe 来源描述（用于日志和报错）
	Describe() string

	resolve(reg *Registry) (iter.Seq[Tuple], error)
}

type valuesSource struct {
	values []any
}

// Values 标量字面量列表，每个值成为一个单元素元组
func Values(values ...any) Source {
	return valuesSource{values: slices.Clone(values)}
}

func (s valuesSource) Describe() string {
	return fmt.Sprintf("values(%d)", len(s.values))
}

func (s valuesSource) resolve(*Registry) (iter.Seq[Tuple], error) {
	return func(yield func(Tuple) bool) {
		for _, v := range s.values {
			if !yield(Tuple{v}) {
				return
			}
		}
	}, nil
}

type tuplesSource struct {
	tuples []Tuple
}

// Tuples 多值元组字面量列表
func Tuples(tuples ...Tuple) Source {
	cloned := make([]Tuple, len(tuples))
	for i, t := range tuples {
		cloned[i] = slices.Clone(t)
	}
	return tuplesSource{tuples: cloned}
}

// Args 构造一个元组
func Args(values ...any) Tuple {
	return Tuple(slices.Clone(values))
}

func (s tuplesSource) Describe() string {
	return fmt.Sprintf("tuples(%d)", len(s.tuples))
}

func (s tuplesSource) resolve(*Registry) (iter.Seq[Tuple], error) {
	return slices.Values(s.tuples), nil
}

type providerSource struct {
	name string
	fn   ProviderFunc
}

// Provider 直接引用提供者函数
func Provider(name string, fn ProviderFunc) Source {
	return providerSource{name: name, fn: fn}
}

func (s providerSource) Describe() string {
	return fmt.Sprintf("provider(%s)", s.name)
}

func (s providerSource) resolve(*Registry) (iter.Seq[Tuple], error) {
	if s.fn == nil {
		return nil, fmt.Errorf("%w: provider %q is nil", ErrUnresolvedSource, s.name)
	}
	return invoke(s.name, s.fn)
}

type refSource struct {
	name string
}

// Ref 按名称引用注册表中的提供者
func Ref(name string) Source {
	return refSource{name: name}
}

func (s refSource) Describe() string {
	return fmt.Sprintf("ref(%s)", s.name)
}

func (s refSource) resolve(reg *Registry) (iter.Seq[Tuple], error) {
	if strings.TrimSpace(s.name) == "" {
		return nil, fmt.Errorf("%w: empty provider reference", ErrUnresolvedSource)
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: no registry to resolve %q", ErrUnresolvedSource, s.name)
	}
	fn, ok := reg.Lookup(s.name)
	if !ok {
		return nil, fmt.Errorf("%w: provider %q is not registered", ErrUnresolvedSource, s.name)
	}
	return invoke(s.name, fn)
}

// invoke 调用提供者，把返回的错误归为无法解析
func invoke(name string, fn ProviderFunc) (iter.Seq[Tuple], error) {
	seq, err := fn()
	if err != nil {
		return nil, fmt.Errorf("%w: provider %q: %w", ErrUnresolvedSource, name, err)
	}
	if seq == nil {
		return nil, fmt.Errorf("%w: provider %q returned a nil sequence", ErrUnresolvedSource, name)
	}
	return seq, nil
}
