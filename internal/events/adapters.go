package events

import (
	"errors"
	"log/slog"
	"sync"

	"rerunner/internal/retry"
	"rerunner/internal/runner"
)

// ListenerAdapter 把执行宿主的回调转换为 EventBus 事件
type ListenerAdapter struct {
	bus    EventBus
	source string

	mu      sync.Mutex
	summary runner.Summary
}

var _ runner.Listener = (*ListenerAdapter)(nil)

// NewListenerAdapter 创建适配器，source 为事件来源组件名
func NewListenerAdapter(bus EventBus, source string) *ListenerAdapter {
	if source == "" {
		source = "runner"
	}
	return &ListenerAdapter{bus: bus, source: source}
}

func (a *ListenerAdapter) CaseStarted(info runner.CaseInfo) {
	a.bus.Publish(Event{
		Type:     EventCaseStarted,
		Source:   a.source,
		Priority: PriorityNormal,
		Data: map[string]interface{}{
			"run_id":        info.RunID,
			"case":          info.Name,
			"parameterized": info.Parameterized,
			"repeats":       info.Policy.Repeats,
			"min_success":   info.Policy.MinSuccess,
			"budget":        info.Policy.Budget(),
			"identical_cap": info.Policy.MaxIdenticalFailures,
			"suspend_ms":    info.Policy.Suspend.Milliseconds(),
			"started_at":    info.StartedAt.Format("2006-01-02 15:04:05"),
		},
	})
}

func (a *ListenerAdapter) AttemptFinished(rec runner.AttemptRecord) {
	data := map[string]interface{}{
		"run_id":       rec.RunID,
		"case":         rec.Case,
		"tuple_index":  rec.TupleIndex,
		"arguments":    rec.Arguments.String(),
		"attempt":      rec.Attempt,
		"total":        rec.Total,
		"display_name": rec.DisplayName,
		"status":       rec.Status.String(),
		"executed":     rec.Executed,
		"duration_ms":  rec.Duration.Milliseconds(),
	}
	if rec.Err != nil {
		data["error"] = rec.Err.Error()
		var panicErr *runner.PanicError
		if errors.As(rec.Err, &panicErr) {
			data["stack"] = string(panicErr.Stack)
		}
	}

	a.bus.Publish(Event{
		Type:     EventAttemptFinished,
		Source:   a.source,
		Priority: PriorityNormal,
		Data:     data,
	})

	a.mu.Lock()
	a.summary.Add(rec.Status)
	a.mu.Unlock()
}

func (a *ListenerAdapter) TupleFinished(res runner.TupleResult) {
	data := map[string]interface{}{
		"run_id":       res.RunID,
		"case":         res.Case,
		"tuple_index":  res.Index,
		"arguments":    res.Arguments.String(),
		"display_name": res.DisplayName,
		"verdict":      res.Verdict().String(),
		"attempts":     res.State.Attempts,
		"executed":     res.State.Executed,
		"successes":    res.State.Successes,
		"failures":     res.State.Failures,
		"skipped":      res.State.Skipped,
		"reason":       res.Reason,
	}
	if res.State.Cause != nil {
		data["cause"] = res.State.Cause.Error()
	}

	a.bus.Publish(Event{
		Type:     EventTupleFinished,
		Source:   a.source,
		Priority: PriorityHigh,
		Data:     data,
	})

	a.mu.Lock()
	if res.Verdict() == retry.VerdictPassed {
		a.summary.TuplesPassed++
	} else {
		a.summary.TuplesFailed++
	}
	a.mu.Unlock()
}

func (a *ListenerAdapter) CaseFinished(res runner.CaseResult) {
	counts := res.Counts()
	data := map[string]interface{}{
		"run_id":      res.RunID,
		"case":        res.Name,
		"verdict":     res.Verdict.String(),
		"tuples":      len(res.Tuples),
		"started":     counts.Started,
		"passed":      counts.Passed,
		"aborted":     counts.Aborted,
		"failed":      counts.Failed,
		"skipped":     counts.Skipped,
		"duration_ms": res.Duration().Milliseconds(),
	}
	if res.Err != nil {
		data["error"] = res.Err.Error()
	}

	priority := PriorityHigh
	if res.Err != nil && len(res.Tuples) == 0 {
		priority = PriorityCritical
	}
	a.bus.Publish(Event{
		Type:     EventCaseFinished,
		Source:   a.source,
		Priority: priority,
		Data:     data,
	})

	a.mu.Lock()
	switch {
	case res.Err != nil && len(res.Tuples) == 0:
		a.summary.CasesErrored++
	case res.Verdict == retry.VerdictPassed:
		a.summary.CasesPassed++
	default:
		a.summary.CasesFailed++
	}
	summary := a.summary
	a.mu.Unlock()

	a.bus.Publish(Event{
		Type:     EventSummaryUpdated,
		Source:   a.source,
		Priority: PriorityLow,
		Data: map[string]interface{}{
			"started":       summary.Started,
			"passed":        summary.Passed,
			"aborted":       summary.Aborted,
			"failed":        summary.Failed,
			"skipped":       summary.Skipped,
			"tuples_passed": summary.TuplesPassed,
			"tuples_failed": summary.TuplesFailed,
			"cases_passed":  summary.CasesPassed,
			"cases_failed":  summary.CasesFailed,
			"cases_errored": summary.CasesErrored,
		},
	})
}

// Summary 适配器累计的汇总计数
func (a *ListenerAdapter) Summary() runner.Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summary
}

// LogSubscriber 以结构化日志输出事件，用于命令行模式
func LogSubscriber(logger *slog.Logger) func(Event) {
	return func(event Event) {
		switch event.Type {
		case EventAttemptFinished:
			logger.Debug("🔁 [尝试] 完成",
				"case", event.Data["case"],
				"name", event.Data["display_name"],
				"status", event.Data["status"],
				"error", event.Data["error"])
		case EventCaseFinished:
			logger.Debug("📨 [事件] 用例完成",
				"case", event.Data["case"],
				"verdict", event.Data["verdict"],
				"started", event.Data["started"])
		case EventSystemError:
			logger.Error("❌ [事件] 系统错误", "data", event.Data)
		}
	}
}
