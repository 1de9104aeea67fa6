package runner

import (
	"sync"

	"rerunner/internal/retry"
)

// Listener 执行宿主的观察者
// 回调在驱动用例的 goroutine 上同步调用；Suite 并发运行多个用例时实现必须是并发安全的
type Listener interface {
	CaseStarted(info CaseInfo)
	AttemptFinished(rec AttemptRecord)
	TupleFinished(res TupleResult)
	CaseFinished(res CaseResult)
}

// NopListener 空实现，便于只关心部分回调的监听器嵌入
type NopListener struct{}

func (NopListener) CaseStarted(CaseInfo)         {}
func (NopListener) AttemptFinished(AttemptRecord) {}
func (NopListener) TupleFinished(TupleResult)     {}
func (NopListener) CaseFinished(CaseResult)       {}

// Summary 汇总计数快照
type Summary struct {
	Counts
	TuplesPassed int `json:"tuples_passed"`
	TuplesFailed int `json:"tuples_failed"`
	CasesPassed  int `json:"cases_passed"`
	CasesFailed  int `json:"cases_failed"`
	CasesErrored int `json:"cases_errored"` // 配置错误，未执行任何尝试
}

// SummaryListener 统计 started/passed/aborted/failed/skipped 的监听器
type SummaryListener struct {
	mu      sync.Mutex
	summary Summary
}

// NewSummaryListener 创建汇总监听器
func NewSummaryListener() *SummaryListener {
	return &SummaryListener{}
}

func (l *SummaryListener) CaseStarted(CaseInfo) {}

func (l *SummaryListener) AttemptFinished(rec AttemptRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summary.Add(rec.Status)
}

func (l *SummaryListener) TupleFinished(res TupleResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if res.Verdict() == retry.VerdictPassed {
		l.summary.TuplesPassed++
	} else {
		l.summary.TuplesFailed++
	}
}

func (l *SummaryListener) CaseFinished(res CaseResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case res.Err != nil && len(res.Tuples) == 0:
		l.summary.CasesErrored++
	case res.Verdict == retry.VerdictPassed:
		l.summary.CasesPassed++
	default:
		l.summary.CasesFailed++
	}
}

// Summary 返回当前计数
func (l *SummaryListener) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.summary
}

// Reset 清零计数
func (l *SummaryListener) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summary = Summary{}
}
