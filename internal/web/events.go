package web

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType 定义推送给浏览器的事件类型
type EventType string

const (
	EventTypeStatus  EventType = "status"  // 服务状态与系统错误
	EventTypeCase    EventType = "case"    // 用例开始、元组判定、用例完成
	EventTypeAttempt EventType = "attempt" // 单次尝试完成
	EventTypeSummary EventType = "summary" // 汇总计数更新
	EventTypeConfig  EventType = "config"  // 配置更新
)

// Event 表示一个SSE事件
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Client 表示一个SSE客户端连接
type Client struct {
	ID       string
	Channel  chan Event
	LastPing time.Time
	Filter   map[EventType]bool // true表示订阅该类型事件
	mu       sync.RWMutex
}

func (c *Client) subscribed(t EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Filter[t]
}

// defaultFilter 默认订阅除配置以外的全部事件
func defaultFilter() map[EventType]bool {
	return map[EventType]bool{
		EventTypeStatus:  true,
		EventTypeCase:    true,
		EventTypeAttempt: true,
		EventTypeSummary: true,
		EventTypeConfig:  false,
	}
}

// EventManager 管理SSE连接和事件广播
type EventManager struct {
	clients   map[string]*Client
	mu        sync.RWMutex
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	broadcast chan Event
	closed    atomic.Bool

	clientTimeout time.Duration
}

// NewEventManager 创建新的事件管理器
func NewEventManager(logger *slog.Logger) *EventManager {
	ctx, cancel := context.WithCancel(context.Background())

	em := &EventManager{
		clients:       make(map[string]*Client),
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		broadcast:     make(chan Event, 1000),
		clientTimeout: 2 * time.Minute,
	}

	go em.broadcastLoop()
	go em.cleanupLoop()

	return em
}

// AddClient 添加新的SSE客户端，filter为空时使用默认订阅
func (em *EventManager) AddClient(clientID string, filter map[EventType]bool) *Client {
	if len(filter) == 0 {
		filter = defaultFilter()
	}

	client := &Client{
		ID:       clientID,
		Channel:  make(chan Event, 100),
		LastPing: time.Now(),
		Filter:   filter,
	}

	em.mu.Lock()
	if old, exists := em.clients[clientID]; exists {
		close(old.Channel)
	}
	em.clients[clientID] = client
	total := len(em.clients)
	em.mu.Unlock()

	em.logger.Debug("SSE客户端已连接", "client_id", clientID, "total_clients", total)
	return client
}

// RemoveClient 移除SSE客户端
func (em *EventManager) RemoveClient(clientID string) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.removeLocked(clientID)
}

func (em *EventManager) removeLocked(clientID string) {
	if client, exists := em.clients[clientID]; exists {
		close(client.Channel)
		delete(em.clients, clientID)
		em.logger.Debug("SSE客户端已断开", "client_id", clientID, "total_clients", len(em.clients))
	}
}

// BroadcastEvent 广播事件到所有订阅了该类型的客户端
func (em *EventManager) BroadcastEvent(eventType EventType, data interface{}) {
	if em.closed.Load() {
		return
	}

	event := Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}

	select {
	case em.broadcast <- event:
	default:
		em.logger.Warn("广播通道已满，跳过事件", "event_type", eventType)
	}
}

// broadcastLoop 广播循环
func (em *EventManager) broadcastLoop() {
	for {
		select {
		case event := <-em.broadcast:
			em.mu.RLock()
			var stale []string
			for id, client := range em.clients {
				if !client.subscribed(event.Type) {
					continue
				}
				// 客户端缓冲区满说明消费跟不上，直接断开
				select {
				case client.Channel <- event:
				default:
					stale = append(stale, id)
				}
			}
			em.mu.RUnlock()

			for _, id := range stale {
				em.logger.Debug("客户端缓冲区已满，断开连接", "client_id", id, "event_type", event.Type)
				em.RemoveClient(id)
			}

		case <-em.ctx.Done():
			return
		}
	}
}

// UpdateClientPing 更新客户端最后活动时间
func (em *EventManager) UpdateClientPing(clientID string) {
	em.mu.RLock()
	defer em.mu.RUnlock()

	if client, exists := em.clients[clientID]; exists {
		client.mu.Lock()
		client.LastPing = time.Now()
		client.mu.Unlock()
	}
}

// GetClientCount 获取当前客户端数量
func (em *EventManager) GetClientCount() int {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return len(em.clients)
}

// cleanupLoop 定期移除不活跃的客户端
func (em *EventManager) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			em.cleanupInactiveClients()
		case <-em.ctx.Done():
			return
		}
	}
}

// cleanupInactiveClients 清理不活跃的客户端
func (em *EventManager) cleanupInactiveClients() int {
	em.mu.Lock()
	defer em.mu.Unlock()

	now := time.Now()
	removed := 0
	for clientID, client := range em.clients {
		client.mu.RLock()
		idle := now.Sub(client.LastPing)
		client.mu.RUnlock()

		if idle > em.clientTimeout {
			em.removeLocked(clientID)
			removed++
		}
	}

	if removed > 0 {
		em.logger.Debug("清理不活跃的SSE客户端", "removed_clients", removed, "active_clients", len(em.clients))
	}
	return removed
}

// IsActive 事件管理器是否仍在运行
func (em *EventManager) IsActive() bool {
	return !em.closed.Load()
}

// Stop 停止事件管理器并断开所有客户端
func (em *EventManager) Stop() {
	if !em.closed.CompareAndSwap(false, true) {
		return
	}

	em.logger.Info("⏹️ 正在停止SSE事件管理器...")
	em.cancel()

	em.mu.Lock()
	for clientID := range em.clients {
		em.removeLocked(clientID)
	}
	em.mu.Unlock()

	em.logger.Info("✅ SSE事件管理器已停止")
}
