package web

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"rerunner/config"
	"rerunner/internal/events"
	"rerunner/internal/runner"
	"rerunner/internal/tracking"

	"github.com/gin-gonic/gin"
)

// SummaryProvider 提供进程内累计的尝试汇总
type SummaryProvider interface {
	Summary() runner.Summary
}

// WebServer represents the dashboard server
type WebServer struct {
	server  *http.Server
	engine  *gin.Engine
	logger  *slog.Logger
	history *tracking.HistoryTracker
	summary SummaryProvider

	eventManager *EventManager
	startTime    time.Time
	configPath   string

	mu       sync.RWMutex
	config   *config.Config
	location *time.Location
	addr     string
}

// NewWebServer creates a new dashboard server. history and summary may be nil.
func NewWebServer(cfg *config.Config, history *tracking.HistoryTracker, summary SummaryProvider, logger *slog.Logger, startTime time.Time, configPath string, eventBus events.EventBus) *WebServer {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(ginLoggerMiddleware(logger))
	engine.Use(gin.Recovery())

	ws := &WebServer{
		engine:       engine,
		logger:       logger,
		config:       cfg,
		location:     loadLocation(cfg.Timezone),
		history:      history,
		summary:      summary,
		eventManager: NewEventManager(logger),
		startTime:    startTime,
		configPath:   configPath,
	}

	if eventBus != nil {
		eventBus.SetSSEBroadcaster(ws)
	}

	ws.setupRoutes()
	return ws
}

// Handler 返回路由处理器
func (ws *WebServer) Handler() http.Handler {
	return ws.engine
}

// Start启动Web服务器，监听失败时直接返回错误
func (ws *WebServer) Start() error {
	ws.mu.RLock()
	addr := fmt.Sprintf("%s:%d", ws.config.Web.Host, ws.config.Web.Port)
	ws.mu.RUnlock()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ws.server = &http.Server{
		Handler:     ws.engine,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 300 * time.Second,
		// SSE连接需要禁用写入超时
		WriteTimeout: 0,
	}

	ws.mu.Lock()
	ws.addr = listener.Addr().String()
	ws.mu.Unlock()

	go func() {
		if err := ws.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			ws.logger.Error(fmt.Sprintf("❌ Web服务器运行失败: %v", err))
		}
	}()

	ws.logger.Info(fmt.Sprintf("✅ Web界面启动成功！访问地址: http://%s", ws.Addr()))
	return nil
}

// Addr 实际监听地址，端口配置为0时由系统分配
func (ws *WebServer) Addr() string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.addr
}

// Stop优雅关闭Web服务器
func (ws *WebServer) Stop(ctx context.Context) error {
	// 先断开SSE客户端，否则Shutdown会一直等待长连接
	ws.eventManager.Stop()

	if ws.server == nil {
		return nil
	}

	ws.logger.Info("🛑 正在关闭Web服务器...")
	err := ws.server.Shutdown(ctx)
	if err != nil {
		ws.logger.Error(fmt.Sprintf("❌ Web服务器关闭失败: %v", err))
	} else {
		ws.logger.Info("✅ Web服务器已安全关闭")
	}
	return err
}

// UpdateConfig更新配置
func (ws *WebServer) UpdateConfig(newConfig *config.Config) {
	ws.mu.Lock()
	ws.config = newConfig
	ws.location = loadLocation(newConfig.Timezone)
	ws.mu.Unlock()

	ws.logger.Info("🔄 Web服务器配置已更新")

	ws.BroadcastConfigUpdate(map[string]interface{}{
		"event":     "config_updated",
		"timestamp": time.Now().Format("2006-01-02 15:04:05"),
		"config":    configView(newConfig),
	})
}

func (ws *WebServer) currentConfig() (*config.Config, *time.Location) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.config, ws.location
}

// setupRoutes设置路由
func (ws *WebServer) setupRoutes() {
	ws.engine.GET("/", ws.handleIndex)
	ws.engine.GET("/health", ws.handleHealth)

	api := ws.engine.Group("/api/v1")
	{
		api.GET("/status", ws.handleStatus)
		api.GET("/config", ws.handleConfig)
		api.GET("/summary", ws.handleSummary)
		api.GET("/stream", ws.handleSSE)

		// 历史记录
		api.GET("/runs", ws.handleRuns)
		api.GET("/runs/:id", ws.handleRun)
		api.GET("/runs/:id/tuples", ws.handleRunTuples)
		api.GET("/runs/:id/attempts", ws.handleRunAttempts)
		api.GET("/cases/stats", ws.handleCaseStats)
		api.GET("/history/stats", ws.handleHistoryStats)
	}
}

// ginLoggerMiddleware创建gin的日志中间件
func ginLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		if raw != "" {
			path = path + "?" + raw
		}

		if statusCode >= 400 {
			logger.Warn(fmt.Sprintf("🌐 Web请求 %s %s %d %v %s",
				c.Request.Method, path, statusCode, latency, c.ClientIP()))
		} else {
			logger.Debug(fmt.Sprintf("🌐 Web请求 %s %s %d %v %s",
				c.Request.Method, path, statusCode, latency, c.ClientIP()))
		}
	}
}

func loadLocation(tz string) *time.Location {
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
