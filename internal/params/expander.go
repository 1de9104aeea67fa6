package params

import (
	"fmt"
	"iter"
	"log/slog"
	"slices"
)

// Expander 参数展开器
// 每次 Expand 都从声明的来源重新推导序列，提供者函数会被重新调用
type Expander struct {
	registry *Registry
	logger   *slog.Logger
}

// NewExpander 创建展开器，registry 可以为 nil（此时 Ref 来源无法解析）
func NewExpander(registry *Registry, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{registry: registry, logger: logger}
}

// Expansion 一次展开得到的惰性、有限、不可重启的元组序列
type Expansion struct {
	source Source
	next   func() (Tuple, bool)
	stop   func()
	first  Tuple
	peeked bool
	index  int
	closed bool
}

// Expand 解析来源并预取第一个元组
// 来源为空或无法解析时返回配置错误，此时不会执行任何尝试
func (e *Expander) Expand(src Source) (*Expansion, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no argument source declared", ErrUnresolvedSource)
	}

	seq, err := src.resolve(e.registry)
	if err != nil {
		e.logger.Error("❌ 参数来源解析失败", "source", src.Describe(), "error", err)
		return nil, err
	}

	next, stop := iter.Pull(seq)
	first, ok := next()
	if !ok {
		stop()
		e.logger.Error("❌ 参数来源为空", "source", src.Describe())
		return nil, fmt.Errorf("%w: %s", ErrEmptySource, src.Describe())
	}

	return &Expansion{
		source: src,
		next:   next,
		stop:   stop,
		first:  slices.Clone(first),
		peeked: true,
	}, nil
}

// Single 非参数化用例的唯一隐式元组
func Single() *Expansion {
	return &Expansion{
		next:   func() (Tuple, bool) { return nil, false },
		stop:   func() {},
		first:  Tuple{},
		peeked: true,
	}
}

// Source 展开所用的来源，非参数化时为 nil
func (x *Expansion) Source() Source {
	return x.source
}

// Next 返回下一个元组及其从 0 开始的序号
func (x *Expansion) Next() (int, Tuple, bool) {
	if x.closed {
		return 0, nil, false
	}

	var tuple Tuple
	if x.peeked {
		tuple = x.first
		x.peeked = false
		x.first = nil
	} else {
		t, ok := x.next()
		if !ok {
			x.Close()
			return 0, nil, false
		}
		tuple = slices.Clone(t)
	}

	i := x.index
	x.index++
	return i, tuple, true
}

// All 以 range-over-func 的方式遍历剩余元组，遍历结束后自动关闭
func (x *Expansion) All() iter.Seq2[int, Tuple] {
	return func(yield func(int, Tuple) bool) {
		defer x.Close()
		for {
			i, tuple, ok := x.Next()
			if !ok || !yield(i, tuple) {
				return
			}
		}
	}
}

// Close 释放底层序列，可重复调用
func (x *Expansion) Close() {
	if x.closed {
		return
	}
	x.closed = true
	x.stop()
}
