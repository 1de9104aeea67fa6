package retry

import (
	"fmt"
	"log/slog"
)

// Controller 重试控制器
// 核心组件：记录每次尝试的结果并决定继续还是终止
// 控制器本身从不调用测试体，也不做等待，这些由宿主负责
type Controller struct {
	policy Policy
	state  State
	final  Decision
	logger *slog.Logger
	label  string
}

// Option 控制器选项
type Option func(*Controller)

// WithLogger 设置决策日志使用的 logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLabel 设置日志中用于标识用例的名称
func WithLabel(label string) Option {
	return func(c *Controller) {
		c.label = label
	}
}

// NewController 为一个参数元组创建控制器
// 策略非法时返回包装了 ErrInvalidPolicy 的错误
func NewController(policy Policy, opts ...Option) (*Controller, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		policy: policy,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Policy 返回控制器使用的策略
func (c *Controller) Policy() Policy {
	return c.policy
}

// State 返回当前状态的副本
func (c *Controller) State() State {
	return c.state
}

// Remaining 剩余可用的尝试预算
func (c *Controller) Remaining() int {
	return c.policy.Budget() - c.state.Attempts - c.state.Skipped
}

// Evaluate 记录一次尝试的结果并返回决策
// 判定确定后再次调用不会修改状态，只返回最终决策
func (c *Controller) Evaluate(outcome Outcome) Decision {
	if c.state.Done() {
		c.logger.Warn("⚠️ [重试决策] 判定已确定，忽略多余的尝试结果",
			"case", c.label,
			"verdict", c.state.Verdict.String(),
			"outcome", outcome.Kind.String())
		return c.final
	}

	c.state.Attempts++
	c.state.Executed++

	var decision Decision
	switch outcome.Kind {
	case OutcomeSuccess:
		c.state.Successes++
		c.state.IdenticalFailures = 0
		c.state.LastFailure = Signature{}
		if c.state.Successes >= c.policy.MinSuccess {
			decision = c.stop(VerdictPassed, nil, "已达到最少成功次数")
		} else {
			decision = c.checkBudget()
		}

	case OutcomeRetryable:
		c.recordFailure(outcome.Signature)
		if c.policy.MaxIdenticalFailures > 0 && c.state.IdenticalFailures >= c.policy.MaxIdenticalFailures {
			decision = c.suppressRemaining()
		} else {
			decision = c.checkBudget()
		}

	default:
		decision = c.stop(VerdictFailed, ErrFatalMismatch,
			fmt.Sprintf("不可重试的错误: %s", outcome.Signature))
	}

	c.logDecision(decision)
	return decision
}

// recordFailure 累计可重试失败并更新连续相同签名计数
func (c *Controller) recordFailure(sig Signature) {
	c.state.Failures++
	if c.state.IdenticalFailures > 0 && sig == c.state.LastFailure {
		c.state.IdenticalFailures++
	} else {
		c.state.LastFailure = sig
		c.state.IdenticalFailures = 1
	}
}

// checkBudget 可行性检查与预算耗尽检查
func (c *Controller) checkBudget() Decision {
	remaining := c.policy.Budget() - c.state.Attempts
	needed := c.policy.MinSuccess - c.state.Successes

	if remaining < needed {
		c.state.Skipped = remaining
		if remaining == 0 {
			return c.stop(VerdictFailed, ErrAttemptsExhausted, "尝试预算已耗尽")
		}
		return c.stop(VerdictFailed, ErrInfeasibleTarget,
			fmt.Sprintf("剩余 %d 次尝试无法达到 %d 次成功", remaining, needed))
	}

	return Decision{
		Kind:   DecisionContinue,
		Delay:  c.policy.Suspend,
		Reason: fmt.Sprintf("仍需 %d 次成功，剩余 %d 次尝试", needed, remaining),
	}
}

// suppressRemaining 相同失败达到上限：剩余尝试不再真实执行
// 它们按相同签名的失败逐次记账，直到预算耗尽或目标不可达，
// 因此报告的总数与不设上限、测试体持续以相同方式失败时一致
func (c *Controller) suppressRemaining() Decision {
	for {
		remaining := c.policy.Budget() - c.state.Attempts
		needed := c.policy.MinSuccess - c.state.Successes
		if remaining < needed {
			c.state.Skipped = remaining
			break
		}
		c.state.Attempts++
		c.state.Failures++
		c.state.Suppressed++
		c.state.IdenticalFailures++
	}

	d := c.stop(VerdictFailed, ErrIdenticalFailureCap,
		fmt.Sprintf("相同失败连续出现 %d 次: %s", c.policy.MaxIdenticalFailures, c.state.LastFailure))
	d.Suppressed = c.state.Suppressed
	c.final = d
	return d
}

func (c *Controller) stop(verdict Verdict, cause error, reason string) Decision {
	kind := DecisionStopFailed
	if verdict == VerdictPassed {
		kind = DecisionStopPassed
	}

	c.state.Verdict = verdict
	c.state.Cause = cause
	c.final = Decision{
		Kind:    kind,
		Skipped: c.state.Skipped,
		Cause:   cause,
		Reason:  reason,
	}
	return c.final
}

// logDecision 记录重试决策日志
func (c *Controller) logDecision(d Decision) {
	attrs := []any{
		"case", c.label,
		"attempt", c.state.Attempts,
		"budget", c.policy.Budget(),
		"successes", c.state.Successes,
		"failures", c.state.Failures,
		"reason", d.Reason,
	}

	switch d.Kind {
	case DecisionContinue:
		c.logger.Debug("🔄 [重试决策] 继续下一次尝试", append(attrs, "delay", d.Delay)...)
	case DecisionStopPassed:
		c.logger.Debug("✅ [重试决策] 判定通过", attrs...)
	default:
		c.logger.Debug("❌ [重试决策] 判定失败",
			append(attrs, "suppressed", d.Suppressed, "skipped", d.Skipped, "cause", d.Cause)...)
	}
}
