package web

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// sseHeartbeatInterval 心跳间隔，同时刷新客户端活跃时间
const sseHeartbeatInterval = 15 * time.Second

// handleSSE处理Server-Sent Events连接
func (ws *WebServer) handleSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("X-Accel-Buffering", "no")

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	filter := parseEventFilter(c.Query("events"))
	client := ws.eventManager.AddClient(clientID, filter)
	defer ws.eventManager.RemoveClient(clientID)

	ws.logger.Debug("SSE客户端尝试连接", "client_id", clientID, "filter", filter)

	ws.sendSSEEvent(c, "connection", map[string]interface{}{
		"status":    "established",
		"client_id": clientID,
		"message":   "SSE连接已建立",
		"timestamp": time.Now().Format("2006-01-02 15:04:05"),
	})
	if client.subscribed(EventTypeSummary) {
		ws.sendSSEEvent(c, string(EventTypeSummary), Event{
			Type:      EventTypeSummary,
			Data:      ws.currentSummary(),
			Timestamp: time.Now(),
		})
	}

	ctx := c.Request.Context()
	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-client.Channel:
			if !ok {
				// 被事件管理器移除（停止或缓冲区溢出）
				return
			}
			ws.sendSSEEvent(c, string(event.Type), event)

		case <-ticker.C:
			if _, err := c.Writer.WriteString(": ping\n\n"); err != nil {
				ws.logger.Debug("SSE心跳写入失败", "client_id", clientID, "error", err)
				return
			}
			c.Writer.Flush()
			ws.eventManager.UpdateClientPing(clientID)

		case <-ctx.Done():
			ws.logger.Debug("SSE客户端断开连接", "client_id", clientID)
			return
		}
	}
}

// parseEventFilter 解析逗号分隔的事件类型，未知类型忽略
func parseEventFilter(eventsParam string) map[EventType]bool {
	if strings.TrimSpace(eventsParam) == "" {
		return defaultFilter()
	}

	filter := make(map[EventType]bool)
	for _, event := range strings.Split(eventsParam, ",") {
		switch t := EventType(strings.TrimSpace(event)); t {
		case EventTypeStatus, EventTypeCase, EventTypeAttempt, EventTypeSummary, EventTypeConfig:
			filter[t] = true
		}
	}
	return filter
}

// sendSSEEvent 写入一条事件并立即刷新
func (ws *WebServer) sendSSEEvent(c *gin.Context, eventType string, data interface{}) {
	c.SSEvent(eventType, data)
	c.Writer.Flush()
}
