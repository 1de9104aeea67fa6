package retry

// AttemptStatus 每次尝试上报给宿主的状态
type AttemptStatus int

const (
	StatusPassed  AttemptStatus = iota // started + passed
	StatusAborted                      // started + aborted，之后还有重试
	StatusFailed                       // started + failed，终止的那一次
	StatusSkipped                      // 从未执行
)

func (s AttemptStatus) String() string {
	switch s {
	case StatusPassed:
		return "passed"
	case StatusAborted:
		return "aborted"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Started 是否计入 started
func (s AttemptStatus) Started() bool {
	return s != StatusSkipped
}

// StatusOf 根据尝试结果和随后的决策计算本次尝试的上报状态
// 相同失败上限触发时本次尝试之后仍有被抑制的尝试，因此报告为 aborted
func StatusOf(outcome Outcome, d Decision) AttemptStatus {
	if outcome.Kind == OutcomeSuccess {
		return StatusPassed
	}
	if d.Kind == DecisionContinue || d.Suppressed > 0 {
		return StatusAborted
	}
	return StatusFailed
}

// Trailing 终止决策之后需要补报的尝试状态：
// 先是被抑制的尝试（最后一个为 failed，其余 aborted），再是跳过的尝试
func Trailing(d Decision) []AttemptStatus {
	if d.Kind == DecisionContinue {
		return nil
	}
	statuses := make([]AttemptStatus, 0, d.Suppressed+d.Skipped)
	for i := 0; i < d.Suppressed; i++ {
		if i == d.Suppressed-1 {
			statuses = append(statuses, StatusFailed)
		} else {
			statuses = append(statuses, StatusAborted)
		}
	}
	for i := 0; i < d.Skipped; i++ {
		statuses = append(statuses, StatusSkipped)
	}
	return statuses
}
