package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"rerunner/config"
	"rerunner/internal/runner"
	"rerunner/internal/tracking"
	"rerunner/internal/utils"

	"github.com/gin-gonic/gin"
)

// Version 构建版本，由 main 在启动时设置
var Version = "dev"

func (ws *WebServer) handleIndex(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, indexHTML)
}

// handleHealth 进程存活且历史库可用时返回200
func (ws *WebServer) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := ws.history.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (ws *WebServer) handleStatus(c *gin.Context) {
	uptime := time.Since(ws.startTime)

	c.JSON(http.StatusOK, gin.H{
		"status":          "running",
		"version":         Version,
		"uptime":          formatUptime(uptime),
		"start_time":      ws.startTime.Format("2006-01-02 15:04:05"),
		"config_file":     ws.configPath,
		"history_enabled": ws.history.Enabled(),
		"history_queue":   ws.history.Stats(),
		"sse_clients":     ws.eventManager.GetClientCount(),
	})
}

func (ws *WebServer) handleConfig(c *gin.Context) {
	cfg, _ := ws.currentConfig()
	c.JSON(http.StatusOK, configView(cfg))
}

// configView 对外展示的配置，不包含数据库凭据
func configView(cfg *config.Config) gin.H {
	history := gin.H{
		"enabled":          cfg.History.Enabled,
		"retention_days":   cfg.History.RetentionDays,
		"flush_interval":   cfg.History.FlushInterval.String(),
		"cleanup_interval": cfg.History.CleanupInterval.String(),
		"backend":          "sqlite",
	}
	if cfg.History.Database != nil && cfg.History.Database.Type != "" {
		history["backend"] = cfg.History.Database.Type
	}

	return gin.H{
		"defaults": gin.H{
			"repeats":                cfg.Defaults.Repeats,
			"min_success":            cfg.Defaults.MinSuccess,
			"max_identical_failures": cfg.Defaults.MaxIdenticalFailures,
			"suspend":                cfg.Defaults.Suspend.String(),
		},
		"runner": gin.H{
			"attempt_timeout": cfg.Runner.AttemptTimeout.String(),
			"parallelism":     cfg.Runner.Parallelism,
		},
		"history":  history,
		"web":      cfg.Web,
		"timezone": cfg.Timezone,
	}
}

func (ws *WebServer) currentSummary() runner.Summary {
	if ws.summary == nil {
		return runner.Summary{}
	}
	return ws.summary.Summary()
}

func (ws *WebServer) handleSummary(c *gin.Context) {
	c.JSON(http.StatusOK, ws.currentSummary())
}

// requireHistory 历史跟踪未启用时返回503
func (ws *WebServer) requireHistory(c *gin.Context) bool {
	if ws.history.Enabled() {
		return true
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"success": false,
		"error":   "History tracking not enabled",
	})
	return false
}

// handleRuns GET /api/v1/runs?case=&status=&since=&until=&limit=&offset=
func (ws *WebServer) handleRuns(c *gin.Context) {
	if !ws.requireHistory(c) {
		return
	}

	_, loc := ws.currentConfig()
	opts := tracking.QueryOptions{
		Case:   c.Query("case"),
		Status: c.Query("status"),
		Limit:  parseLimit(c.Query("limit"), 100, 1000),
		Offset: parseOffset(c.Query("offset")),
	}

	for param, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		parsed, err := parseTimeString(raw, loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		*dst = &parsed
	}

	runs, err := ws.history.RecentRuns(c.Request.Context(), opts)
	if err != nil {
		ws.logger.Error("Failed to query runs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to query runs"})
		return
	}
	if runs == nil {
		runs = []tracking.RunRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    runs,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

func (ws *WebServer) handleRun(c *gin.Context) {
	if !ws.requireHistory(c) {
		return
	}

	run, err := ws.history.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		ws.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": run})
}

func (ws *WebServer) handleRunTuples(c *gin.Context) {
	if !ws.requireHistory(c) {
		return
	}

	ctx := c.Request.Context()
	runID := c.Param("id")
	if _, err := ws.history.GetRun(ctx, runID); err != nil {
		ws.writeLookupError(c, err)
		return
	}

	tuples, err := ws.history.RunTuples(ctx, runID)
	if err != nil {
		ws.writeLookupError(c, err)
		return
	}
	if tuples == nil {
		tuples = []tracking.TupleRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": tuples})
}

func (ws *WebServer) handleRunAttempts(c *gin.Context) {
	if !ws.requireHistory(c) {
		return
	}

	ctx := c.Request.Context()
	runID := c.Param("id")
	if _, err := ws.history.GetRun(ctx, runID); err != nil {
		ws.writeLookupError(c, err)
		return
	}

	attempts, err := ws.history.RunAttempts(ctx, runID)
	if err != nil {
		ws.writeLookupError(c, err)
		return
	}
	if attempts == nil {
		attempts = []tracking.AttemptRow{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": attempts})
}

func (ws *WebServer) writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, tracking.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	ws.logger.Error("Failed to query run history", "run_id", c.Param("id"), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to query run history"})
}

// handleCaseStats GET /api/v1/cases/stats?since=
func (ws *WebServer) handleCaseStats(c *gin.Context) {
	if !ws.requireHistory(c) {
		return
	}

	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		_, loc := ws.currentConfig()
		parsed, err := parseTimeString(raw, loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		since = &parsed
	}

	stats, err := ws.history.CaseStats(c.Request.Context(), since)
	if err != nil {
		ws.logger.Error("Failed to query case stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to query case stats"})
		return
	}
	if stats == nil {
		stats = []tracking.CaseStat{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

func (ws *WebServer) handleHistoryStats(c *gin.Context) {
	if !ws.requireHistory(c) {
		return
	}

	dbStats, err := ws.history.GetDatabaseStats(c.Request.Context())
	if err != nil {
		ws.logger.Error("Failed to get database stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to get database stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"database":    dbStats,
			"size":        utils.FormatFileSize(dbStats.DatabaseSize),
			"connections": ws.history.GetConnectionStats(),
			"queue":       ws.history.Stats(),
		},
	})
}
