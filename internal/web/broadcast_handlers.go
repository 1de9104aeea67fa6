package web

import "rerunner/internal/events"

var _ events.SSEBroadcaster = (*WebServer)(nil)

// BroadcastEvent 接收事件总线转换后的事件并推送给浏览器
func (ws *WebServer) BroadcastEvent(eventType string, data map[string]interface{}) {
	if ws.eventManager != nil {
		ws.eventManager.BroadcastEvent(EventType(eventType), data)
	}
}

// IsEventManagerActive 检查EventManager是否仍在活跃状态
func (ws *WebServer) IsEventManagerActive() bool {
	return ws.eventManager != nil && ws.eventManager.IsActive()
}

// BroadcastStatusUpdate广播状态更新事件
func (ws *WebServer) BroadcastStatusUpdate(data map[string]interface{}) {
	if ws.eventManager != nil {
		ws.eventManager.BroadcastEvent(EventTypeStatus, data)
	}
}

// BroadcastConfigUpdate广播配置更新事件
func (ws *WebServer) BroadcastConfigUpdate(data map[string]interface{}) {
	if ws.eventManager != nil {
		ws.eventManager.BroadcastEvent(EventTypeConfig, data)
	}
}
