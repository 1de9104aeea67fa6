package retry

// State 单个参数元组执行期间的重试状态
// 由创建它的顺序执行独占，不存在并发修改
type State struct {
	Attempts          int       // 已记账的尝试数（含被抑制的尝试）
	Executed          int       // 测试体真实执行的次数
	Successes         int       // 成功次数
	Failures          int       // 可重试失败次数（含被抑制的尝试）
	Suppressed        int       // 被相同失败上限抑制的尝试数
	Skipped           int       // 被跳过的尝试数
	LastFailure       Signature // 最近一次可重试失败的签名
	IdenticalFailures int       // LastFailure 连续出现的次数
	Verdict           Verdict
	Cause             error // 失败原因
}

// Unused 通过或致命失败后未使用、也未报告的预算
func (s State) Unused(budget int) int {
	n := budget - s.Attempts - s.Skipped
	if n < 0 {
		return 0
	}
	return n
}

// Done 判定是否已确定
func (s State) Done() bool {
	return s.Verdict != VerdictUndetermined
}
