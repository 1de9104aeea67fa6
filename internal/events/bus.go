package events

import (
	"log/slog"
	"sync"
	"time"
)

// EventBus 接口
type EventBus interface {
	// 发布事件
	Publish(event Event)

	// 设置 SSE 推送器
	SetSSEBroadcaster(broadcaster SSEBroadcaster)

	// 订阅全部事件（未经过滤），返回取消订阅函数
	Subscribe(handler func(Event)) (unsubscribe func())

	// 过滤器管理
	Filters() *FilterManager

	// 启动和停止
	Start() error
	Stop() error

	// 获取统计信息
	GetStats() BusStats
}

// SSE 广播器接口
type SSEBroadcaster interface {
	BroadcastEvent(eventType string, data map[string]interface{})
	IsEventManagerActive() bool
}

// DefaultBufferSize 事件缓冲区默认大小
const DefaultBufferSize = 1000

// EventBus 实现
type eventBus struct {
	// 基础配置
	logger *slog.Logger

	// 事件处理
	eventChan      chan Event
	sseBroadcaster SSEBroadcaster
	filters        *FilterManager

	// 订阅者
	subscribers map[int]func(Event)
	nextSubID   int

	// 统计信息
	stats   BusStats
	statsMu sync.RWMutex

	// 内部状态
	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// 统计信息
type BusStats struct {
	TotalEvents      int64                   `json:"total_events"`
	ProcessedEvents  int64                   `json:"processed_events"`
	DroppedEvents    int64                   `json:"dropped_events"`
	EventsByType     map[EventType]int64     `json:"events_by_type"`
	EventsByPriority map[EventPriority]int64 `json:"events_by_priority"`
	StartTime        time.Time               `json:"start_time"`
}

// NewEventBus 创建新的EventBus实例
func NewEventBus(logger *slog.Logger, bufferSize int) EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	return &eventBus{
		logger:      logger,
		eventChan:   make(chan Event, bufferSize),
		filters:     NewFilterManager(logger),
		subscribers: make(map[int]func(Event)),
		stats: BusStats{
			EventsByType:     make(map[EventType]int64),
			EventsByPriority: make(map[EventPriority]int64),
			StartTime:        time.Now(),
		},
	}
}

// Publish 发布事件
func (eb *eventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if !eb.running {
		eb.logger.Debug("EventBus not running, dropping event", "type", event.Type)
		return
	}

	// 设置时间戳
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// 更新统计信息
	eb.updateStats(event, "total")

	select {
	case eb.eventChan <- event:
		// 事件发送成功
	default:
		// 缓冲区满，丢弃事件
		eb.updateStats(event, "dropped")
		eb.logger.Warn("⚠️ EventBus buffer full, dropping event", "type", event.Type, "source", event.Source)
	}
}

// SetSSEBroadcaster 设置SSE广播器
func (eb *eventBus) SetSSEBroadcaster(broadcaster SSEBroadcaster) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.sseBroadcaster = broadcaster
}

// Subscribe 订阅事件，处理函数在事件处理 goroutine 上调用
func (eb *eventBus) Subscribe(handler func(Event)) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := eb.nextSubID
	eb.nextSubID++
	eb.subscribers[id] = handler

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.subscribers, id)
	}
}

// Filters 过滤器管理器
func (eb *eventBus) Filters() *FilterManager {
	return eb.filters
}

// Start 启动EventBus
func (eb *eventBus) Start() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.running {
		return nil
	}

	eb.running = true
	eb.wg.Add(1)

	go eb.eventProcessor()

	eb.logger.Info("🚌 EventBus started", "buffer_size", cap(eb.eventChan))
	return nil
}

// Stop 停止EventBus，缓冲区中剩余的事件会先处理完
func (eb *eventBus) Stop() error {
	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return nil
	}
	eb.running = false
	close(eb.eventChan)
	eb.mu.Unlock()

	eb.wg.Wait()

	eb.logger.Info("🛑 EventBus stopped")
	return nil
}

// GetStats 获取统计信息
func (eb *eventBus) GetStats() BusStats {
	eb.statsMu.RLock()
	defer eb.statsMu.RUnlock()

	// 深拷贝统计信息
	stats := BusStats{
		TotalEvents:      eb.stats.TotalEvents,
		ProcessedEvents:  eb.stats.ProcessedEvents,
		DroppedEvents:    eb.stats.DroppedEvents,
		EventsByType:     make(map[EventType]int64),
		EventsByPriority: make(map[EventPriority]int64),
		StartTime:        eb.stats.StartTime,
	}

	for k, v := range eb.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range eb.stats.EventsByPriority {
		stats.EventsByPriority[k] = v
	}

	return stats
}

// 事件处理器
func (eb *eventBus) eventProcessor() {
	defer eb.wg.Done()

	eb.logger.Debug("EventBus processor started")

	for event := range eb.eventChan {
		eb.processEvent(event)
	}

	eb.logger.Debug("EventBus processor stopped")
}

// 处理单个事件
func (eb *eventBus) processEvent(event Event) {
	// 更新处理统计
	eb.updateStats(event, "processed")

	eb.mu.RLock()
	handlers := make([]func(Event), 0, len(eb.subscribers))
	for _, h := range eb.subscribers {
		handlers = append(handlers, h)
	}
	broadcaster := eb.sseBroadcaster
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.deliver(h, event)
	}

	// 获取事件过滤器
	filter, exists := eb.filters.GetFilter(event.Type)
	if !exists {
		eb.logger.Debug("No filter for event type", "type", event.Type)
		return
	}

	// 检查是否应该广播
	if !filter.ShouldBroadcast(event) {
		eb.logger.Debug("Event filtered out", "type", event.Type)
		return
	}

	// 检查频率限制
	if !eb.filters.Allow(event.Type) {
		eb.logger.Debug("Event rate limited", "type", event.Type)
		return
	}

	// 检查SSE广播器是否可用
	if broadcaster == nil || !broadcaster.IsEventManagerActive() {
		return
	}

	// 转换数据并广播
	data := filter.DataTransformer(event)
	if frontendEventType, exists := EventTypeMapping[event.Type]; exists {
		broadcaster.BroadcastEvent(frontendEventType, data)
		eb.logger.Debug("Event broadcasted", "type", event.Type, "frontend_type", frontendEventType)
	} else {
		eb.logger.Warn("No frontend mapping for event type", "type", event.Type)
	}
}

// deliver 调用订阅者，订阅者 panic 不影响事件处理
func (eb *eventBus) deliver(handler func(Event), event Event) {
	defer func() {
		if p := recover(); p != nil {
			eb.logger.Error("❌ EventBus subscriber panicked", "type", event.Type, "panic", p)
		}
	}()
	handler(event)
}

// 更新统计信息
func (eb *eventBus) updateStats(event Event, statType string) {
	eb.statsMu.Lock()
	defer eb.statsMu.Unlock()

	switch statType {
	case "total":
		eb.stats.TotalEvents++
		eb.stats.EventsByType[event.Type]++
		eb.stats.EventsByPriority[event.Priority]++
	case "processed":
		eb.stats.ProcessedEvents++
	case "dropped":
		eb.stats.DroppedEvents++
	}
}
