package events

import "time"

// 事件类型枚举
type EventType string

const (
	// 用例生命周期事件
	EventCaseStarted     EventType = "case_started"
	EventAttemptFinished EventType = "attempt_finished"
	EventTupleFinished   EventType = "tuple_finished"
	EventCaseFinished    EventType = "case_finished"

	// 汇总统计事件
	EventSummaryUpdated EventType = "summary_updated"

	// 系统级事件
	EventSystemError   EventType = "system_error"
	EventConfigChanged EventType = "config_changed"
)

// 事件优先级
type EventPriority int

const (
	PriorityLow      EventPriority = iota // 批量处理，如统计数据
	PriorityNormal                        // 延迟处理，如尝试完成
	PriorityHigh                          // 立即处理，如用例判定
	PriorityCritical                      // 紧急处理，如系统错误
)

// 事件结构
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // 事件来源组件
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Priority  EventPriority          `json:"priority"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// 前端事件类型映射
var EventTypeMapping = map[EventType]string{
	EventCaseStarted:     "case",
	EventAttemptFinished: "attempt",
	EventTupleFinished:   "case",
	EventCaseFinished:    "case",
	EventSummaryUpdated:  "summary",
	EventSystemError:     "status",
	EventConfigChanged:   "config",
}
