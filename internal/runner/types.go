package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rerunner/internal/params"
	"rerunner/internal/retry"
)

// 用例声明错误（ConfigurationError）与尝试超时
var (
	ErrNoBody         = errors.New("test case has no body")
	ErrNoName         = errors.New("test case has no name")
	ErrAttemptTimeout = errors.New("attempt timed out")
)

// Body 测试体，返回 nil 表示本次尝试成功
type Body func(ctx context.Context, args params.Tuple) error

// TestCase 一个逻辑测试用例
// Source 为 nil 时为非参数化用例，只有一个隐式的空元组
type TestCase struct {
	Name   string
	Policy retry.Policy
	Source params.Source
	Body   Body
}

// Parameterized 是否为参数化用例
func (tc TestCase) Parameterized() bool {
	return tc.Source != nil
}

// PanicError 测试体 panic 后转换得到的错误
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap panic 值本身是 error 时参与签名计算与 RetryOn 匹配
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// CaseInfo 用例开始时上报的信息
type CaseInfo struct {
	RunID         string
	Name          string
	Policy        retry.Policy
	Parameterized bool
	StartedAt     time.Time
}

// AttemptRecord 单次尝试的上报记录
type AttemptRecord struct {
	RunID       string
	Case        string
	TupleIndex  int // 从 1 开始
	Arguments   params.Tuple
	Attempt     int // 从 1 开始
	Total       int // 尝试预算
	DisplayName string
	Status      retry.AttemptStatus
	Executed    bool // 测试体是否真实执行
	Err         error
	StartedAt   time.Time
	Duration    time.Duration
}

// TupleResult 一个参数元组的最终结果
type TupleResult struct {
	RunID       string
	Case        string
	Index       int // 从 1 开始
	Arguments   params.Tuple
	DisplayName string
	State       retry.State
	Reason      string
	Attempts    []AttemptRecord
}

// Verdict 元组判定
func (r TupleResult) Verdict() retry.Verdict {
	return r.State.Verdict
}

// CaseResult 一个测试用例的最终结果
type CaseResult struct {
	RunID      string
	Name       string
	Policy     retry.Policy
	Tuples     []TupleResult
	Verdict    retry.Verdict
	Err        error // 配置错误或用例级错误
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration 用例耗时
func (r CaseResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Counts 按状态统计所有尝试
func (r CaseResult) Counts() Counts {
	var c Counts
	for _, tuple := range r.Tuples {
		for _, rec := range tuple.Attempts {
			c.Add(rec.Status)
		}
	}
	return c
}

// Counts 尝试状态计数
type Counts struct {
	Started int `json:"started"`
	Passed  int `json:"passed"`
	Aborted int `json:"aborted"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Add 按尝试状态累加
func (c *Counts) Add(status retry.AttemptStatus) {
	if status.Started() {
		c.Started++
	}
	switch status {
	case retry.StatusPassed:
		c.Passed++
	case retry.StatusAborted:
		c.Aborted++
	case retry.StatusFailed:
		c.Failed++
	case retry.StatusSkipped:
		c.Skipped++
	}
}
