package events

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxBroadcastError 推送给前端的错误信息最大长度
const maxBroadcastError = 500

// EventFilter 决定事件是否推送给 SSE 以及推送的内容
type EventFilter struct {
	ShouldBroadcast func(event Event) bool
	DataTransformer func(event Event) map[string]interface{}

	// 同类事件的最小推送间隔，0 表示不限制
	RateLimit time.Duration
}

// throttle 单个事件类型的限流状态
type throttle struct {
	limiter     *rate.Limiter
	interval    time.Duration
	lastAllowed time.Time
	suppressed  int64
}

// FilterManager 按事件类型管理过滤器和限流
type FilterManager struct {
	mu        sync.RWMutex
	filters   map[EventType]EventFilter
	throttles map[EventType]*throttle
	logger    *slog.Logger
}

// NewFilterManager 创建过滤器管理器并装载默认规则
func NewFilterManager(logger *slog.Logger) *FilterManager {
	fm := &FilterManager{
		filters:   make(map[EventType]EventFilter),
		throttles: make(map[EventType]*throttle),
		logger:    logger,
	}
	for eventType, filter := range defaultFilters() {
		fm.set(eventType, filter)
	}
	return fm
}

func always(Event) bool { return true }

func passThrough(event Event) map[string]interface{} {
	return event.Data
}

// attemptPayload 去掉 panic 堆栈，截断过长的错误信息
func attemptPayload(event Event) map[string]interface{} {
	data := make(map[string]interface{}, len(event.Data))
	for k, v := range event.Data {
		if k == "stack" {
			continue
		}
		data[k] = v
	}
	if msg, ok := data["error"].(string); ok && len(msg) > maxBroadcastError {
		data["error"] = msg[:maxBroadcastError] + "... (显示截断)"
	}
	return data
}

func systemPayload(event Event) map[string]interface{} {
	data := make(map[string]interface{}, len(event.Data)+1)
	for k, v := range event.Data {
		data[k] = v
	}
	data["is_system_event"] = true
	return data
}

func defaultFilters() map[EventType]EventFilter {
	// 判定类事件不限频，前端需要完整的尝试历史
	lifecycle := EventFilter{ShouldBroadcast: always, DataTransformer: passThrough}
	system := EventFilter{ShouldBroadcast: always, DataTransformer: systemPayload}

	return map[EventType]EventFilter{
		EventCaseStarted:     lifecycle,
		EventTupleFinished:   lifecycle,
		EventCaseFinished:    lifecycle,
		EventAttemptFinished: {ShouldBroadcast: always, DataTransformer: attemptPayload},
		EventSummaryUpdated:  {ShouldBroadcast: always, DataTransformer: passThrough, RateLimit: time.Second},
		EventSystemError:     system,
		EventConfigChanged:   system,
	}
}

// set 调用方持有写锁或处于初始化阶段
func (fm *FilterManager) set(eventType EventType, filter EventFilter) {
	if filter.DataTransformer == nil {
		filter.DataTransformer = passThrough
	}
	if filter.ShouldBroadcast == nil {
		filter.ShouldBroadcast = always
	}
	fm.filters[eventType] = filter

	if filter.RateLimit > 0 {
		fm.throttles[eventType] = &throttle{
			limiter:  rate.NewLimiter(rate.Every(filter.RateLimit), 1),
			interval: filter.RateLimit,
		}
	} else {
		delete(fm.throttles, eventType)
	}
}

// GetFilter 获取指定事件类型的过滤器
func (fm *FilterManager) GetFilter(eventType EventType) (EventFilter, bool) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	filter, exists := fm.filters[eventType]
	return filter, exists
}

// Allow 检查限流，没有限流规则的事件类型总是放行
func (fm *FilterManager) Allow(eventType EventType) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	t, exists := fm.throttles[eventType]
	if !exists {
		return true
	}
	now := time.Now()
	if !t.limiter.AllowN(now, 1) {
		t.suppressed++
		return false
	}
	t.lastAllowed = now
	return true
}

// SetCustomFilter 替换指定事件类型的过滤器
func (fm *FilterManager) SetCustomFilter(eventType EventType, filter EventFilter) {
	fm.mu.Lock()
	fm.set(eventType, filter)
	fm.mu.Unlock()

	fm.logger.Info("Custom filter set", "event_type", eventType, "rate_limit", filter.RateLimit)
}

// RemoveFilter 移除过滤器，之后该类型的事件不再推送
func (fm *FilterManager) RemoveFilter(eventType EventType) {
	fm.mu.Lock()
	delete(fm.filters, eventType)
	delete(fm.throttles, eventType)
	fm.mu.Unlock()

	fm.logger.Info("Filter removed", "event_type", eventType)
}

// FilterStats 限流统计
type FilterStats struct {
	EventType   EventType     `json:"event_type"`
	RateLimit   time.Duration `json:"rate_limit"`
	LastAllowed time.Time     `json:"last_allowed"`
	Suppressed  int64         `json:"suppressed"`
}

// GetFilterStats 返回所有带限流规则的事件类型的统计
func (fm *FilterManager) GetFilterStats() map[EventType]FilterStats {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	stats := make(map[EventType]FilterStats, len(fm.throttles))
	for eventType, t := range fm.throttles {
		stats[eventType] = FilterStats{
			EventType:   eventType,
			RateLimit:   t.interval,
			LastAllowed: t.lastAllowed,
			Suppressed:  t.suppressed,
		}
	}
	return stats
}
