package retry

import (
	"errors"
	"time"
)

// 终止原因，作为 Decision.Cause 与 State.Cause 返回给宿主
var (
	ErrFatalMismatch       = errors.New("error is not in the retryable allow-list")
	ErrInfeasibleTarget    = errors.New("remaining attempts cannot reach minSuccess")
	ErrAttemptsExhausted   = errors.New("attempt budget exhausted")
	ErrIdenticalFailureCap = errors.New("identical failure cap reached")
)

// DecisionKind 决策类型
type DecisionKind int

const (
	DecisionContinue   DecisionKind = iota // 等待 Delay 后继续下一次尝试
	DecisionStopPassed                     // 终止，判定通过
	DecisionStopFailed                     // 终止，判定失败
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionContinue:
		return "continue"
	case DecisionStopPassed:
		return "stop_passed"
	case DecisionStopFailed:
		return "stop_failed"
	default:
		return "unknown"
	}
}

// Decision 重试决策结果
type Decision struct {
	Kind       DecisionKind
	Delay      time.Duration // 下一次尝试前的等待时间
	Suppressed int           // 不再真实执行、按相同失败记账的尝试数
	Skipped    int           // 判定已确定而跳过的尝试数
	Cause      error         // 失败原因，通过时为 nil
	Reason     string        // 决策原因（用于日志）
}

// Stopped 是否已终止
func (d Decision) Stopped() bool {
	return d.Kind != DecisionContinue
}

// Verdict 用例（或参数元组）的最终判定
type Verdict int

const (
	VerdictUndetermined Verdict = iota
	VerdictPassed
	VerdictFailed
)

func (v Verdict) String() string {
	switch v {
	case VerdictPassed:
		return "passed"
	case VerdictFailed:
		return "failed"
	default:
		return "undetermined"
	}
}
