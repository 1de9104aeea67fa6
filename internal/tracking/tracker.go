package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"rerunner/config"
	"rerunner/internal/runner"
)

// ErrTrackerClosed 跟踪器已关闭
var ErrTrackerClosed = errors.New("history tracker closed")

// 历史事件类型
const (
	eventCaseStarted  = "case_started"
	eventAttempt      = "attempt"
	eventTuple        = "tuple"
	eventCaseFinished = "case_finished"
	eventFlush        = "flush"
)

// HistoryEvent 写入队列中的历史事件
type HistoryEvent struct {
	Type      string      `json:"type"`
	RunID     string      `json:"run_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"` // 根据Type不同而变化
}

// Config 历史跟踪配置
type Config struct {
	Enabled bool `yaml:"enabled"`

	DatabasePath string `yaml:"database_path"`

	// 数据库配置（优先级高于 DatabasePath）
	Database *config.DatabaseBackendConfig `yaml:"database,omitempty"`

	BufferSize      int           `yaml:"buffer_size"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxRetry        int           `yaml:"max_retry"`
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ConfigFromHistory 从全局配置的 history 段构建跟踪配置
func ConfigFromHistory(h config.HistoryConfig) *Config {
	return &Config{
		Enabled:         h.Enabled,
		DatabasePath:    h.DatabasePath,
		Database:        h.Database,
		BufferSize:      h.BufferSize,
		BatchSize:       h.BatchSize,
		FlushInterval:   h.FlushInterval,
		RetentionDays:   h.RetentionDays,
		CleanupInterval: h.CleanupInterval,
	}
}

// HistoryTracker 把执行宿主上报的用例、元组和尝试异步批量写入数据库
// 实现 runner.Listener，回调只做非阻塞入队
type HistoryTracker struct {
	config   *Config
	adapter  DatabaseAdapter
	location *time.Location

	eventChan    chan HistoryEvent
	errorHandler *ErrorHandler

	mu     sync.RWMutex
	closed bool

	retentionDays int

	dropped atomic.Int64
	written atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ runner.Listener = (*HistoryTracker)(nil)

// NewHistoryTracker 创建历史跟踪器
// 未启用时返回一个所有回调都为空操作的跟踪器
func NewHistoryTracker(cfg *Config, globalTimezone ...string) (*HistoryTracker, error) {
	if cfg == nil || !cfg.Enabled {
		return &HistoryTracker{config: cfg}, nil
	}

	// 设置默认值
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}

	tz := ""
	if len(globalTimezone) > 0 {
		tz = globalTimezone[0]
	}
	dbConfig := buildDatabaseConfig(cfg, tz)

	adapter, err := NewDatabaseAdapter(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database adapter: %w", err)
	}
	if err := adapter.Open(); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := adapter.InitSchema(); err != nil {
		adapter.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	location, err := loadLocation(dbConfig.Timezone)
	if err != nil {
		slog.Warn("加载时区失败，使用系统本地时区", "timezone", dbConfig.Timezone, "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ht := &HistoryTracker{
		config:        cfg,
		adapter:       adapter,
		location:      location,
		eventChan:     make(chan HistoryEvent, cfg.BufferSize),
		retentionDays: cfg.RetentionDays,
		ctx:           ctx,
		cancel:        cancel,
	}
	ht.errorHandler = NewErrorHandler(ht, slog.Default())

	// 启动异步事件处理器
	ht.wg.Add(1)
	go ht.processEvents()

	// 启动定期清理任务
	ht.wg.Add(1)
	go ht.periodicCleanup()

	slog.Info("✅ 历史跟踪器初始化完成",
		"database_type", adapter.GetDatabaseType(),
		"buffer_size", cfg.BufferSize,
		"batch_size", cfg.BatchSize,
		"retention_days", cfg.RetentionDays)

	return ht, nil
}

// buildDatabaseConfig 从跟踪配置构建数据库配置
// 时区优先级 database.timezone > 全局 timezone > 默认值
func buildDatabaseConfig(cfg *Config, globalTimezone string) DatabaseConfig {
	var dbConfig DatabaseConfig

	if cfg.Database != nil {
		dbConfig.Type = cfg.Database.Type
		dbConfig.DatabasePath = cfg.Database.Path
		dbConfig.Host = cfg.Database.Host
		dbConfig.Port = cfg.Database.Port
		dbConfig.Database = cfg.Database.Database
		dbConfig.Username = cfg.Database.Username
		dbConfig.Password = cfg.Database.Password
		dbConfig.MaxOpenConns = cfg.Database.MaxOpenConns
		dbConfig.MaxIdleConns = cfg.Database.MaxIdleConns
		dbConfig.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		dbConfig.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime
		dbConfig.Charset = cfg.Database.Charset
		dbConfig.Timezone = cfg.Database.Timezone
	} else {
		dbConfig.Type = "sqlite"
		dbConfig.DatabasePath = cfg.DatabasePath
	}
	if dbConfig.DatabasePath == "" {
		dbConfig.DatabasePath = cfg.DatabasePath
	}

	if dbConfig.Timezone == "" {
		dbConfig.Timezone = globalTimezone
	}
	return dbConfig
}

// Enabled 是否启用了历史记录
func (ht *HistoryTracker) Enabled() bool {
	return ht != nil && ht.config != nil && ht.config.Enabled && ht.adapter != nil
}

func (ht *HistoryTracker) now() time.Time {
	return ht.in(time.Now())
}

// in 统一转换到配置时区，保证SQLite中按文本排序的时间可比较
func (ht *HistoryTracker) in(t time.Time) time.Time {
	if t.IsZero() || ht.location == nil {
		return t
	}
	return t.In(ht.location)
}

// enqueue 非阻塞入队，缓冲区满时丢弃并计数
func (ht *HistoryTracker) enqueue(event HistoryEvent) {
	if !ht.Enabled() {
		return
	}

	ht.mu.RLock()
	defer ht.mu.RUnlock()
	if ht.closed {
		return
	}

	select {
	case ht.eventChan <- event:
	default:
		ht.dropped.Add(1)
		slog.Warn("History event buffer full, dropping event",
			"type", event.Type,
			"run_id", event.RunID)
	}
}

func (ht *HistoryTracker) CaseStarted(info runner.CaseInfo) {
	ht.enqueue(HistoryEvent{Type: eventCaseStarted, RunID: info.RunID, Timestamp: ht.now(), Data: info})
}

func (ht *HistoryTracker) AttemptFinished(rec runner.AttemptRecord) {
	ht.enqueue(HistoryEvent{Type: eventAttempt, RunID: rec.RunID, Timestamp: ht.now(), Data: rec})
}

func (ht *HistoryTracker) TupleFinished(res runner.TupleResult) {
	ht.enqueue(HistoryEvent{Type: eventTuple, RunID: res.RunID, Timestamp: ht.now(), Data: res})
}

func (ht *HistoryTracker) CaseFinished(res runner.CaseResult) {
	ht.enqueue(HistoryEvent{Type: eventCaseFinished, RunID: res.RunID, Timestamp: ht.now(), Data: res})
}

// Flush 把已入队的事件全部写入数据库后返回
func (ht *HistoryTracker) Flush(ctx context.Context) error {
	if !ht.Enabled() {
		return nil
	}

	done := make(chan struct{})
	ht.mu.RLock()
	if ht.closed {
		ht.mu.RUnlock()
		return ErrTrackerClosed
	}
	select {
	case ht.eventChan <- HistoryEvent{Type: eventFlush, Timestamp: ht.now(), Data: done}:
	case <-ctx.Done():
		ht.mu.RUnlock()
		return ctx.Err()
	}
	ht.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateRetention 配置热更新时调整保留天数
func (ht *HistoryTracker) UpdateRetention(days int) {
	if !ht.Enabled() {
		return
	}
	ht.mu.Lock()
	ht.retentionDays = days
	ht.mu.Unlock()
	slog.Info("History retention updated", "retention_days", days)
}

// Stats 队列统计
type Stats struct {
	Queued  int   `json:"queued"`
	Dropped int64 `json:"dropped"`
	Written int64 `json:"written"`
}

func (ht *HistoryTracker) Stats() Stats {
	if !ht.Enabled() {
		return Stats{}
	}
	return Stats{
		Queued:  len(ht.eventChan),
		Dropped: ht.dropped.Load(),
		Written: ht.written.Load(),
	}
}

// GetDatabaseStats 获取数据库统计信息
func (ht *HistoryTracker) GetDatabaseStats(ctx context.Context) (*DatabaseStats, error) {
	if !ht.Enabled() {
		return nil, fmt.Errorf("history tracking not enabled")
	}
	return ht.adapter.GetDatabaseStats(ctx)
}

// GetConnectionStats 连接池统计
func (ht *HistoryTracker) GetConnectionStats() ConnectionStats {
	if !ht.Enabled() {
		return ConnectionStats{}
	}
	return ht.adapter.GetConnectionStats()
}

// HealthCheck 检查数据库连接与事件队列
func (ht *HistoryTracker) HealthCheck(ctx context.Context) error {
	if !ht.Enabled() {
		return nil // 未启用时认为是健康的
	}

	if err := ht.adapter.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := ht.adapter.GetDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM case_runs").Scan(&count); err != nil {
		return fmt.Errorf("database query test failed: %w", err)
	}

	select {
	case <-ht.ctx.Done():
		return ErrTrackerClosed
	default:
	}

	if load := float64(len(ht.eventChan)) / float64(cap(ht.eventChan)) * 100; load > 90 {
		return fmt.Errorf("event channel overloaded: %.1f%% capacity used", load)
	}
	return nil
}

// Close 处理完剩余事件后关闭数据库
func (ht *HistoryTracker) Close() error {
	if !ht.Enabled() {
		return nil
	}

	ht.mu.Lock()
	if ht.closed {
		ht.mu.Unlock()
		return nil
	}
	ht.closed = true
	ht.mu.Unlock()

	slog.Info("Shutting down history tracker...")

	ht.cancel()
	ht.wg.Wait()

	if err := ht.adapter.Close(); err != nil {
		slog.Error("Failed to close database adapter", "error", err)
		return fmt.Errorf("failed to close database adapter: %w", err)
	}

	slog.Info("✅ 历史跟踪器关闭完成", "written", ht.written.Load(), "dropped", ht.dropped.Load())
	return nil
}

// encodeArguments 参数元组序列化为JSON，无法序列化时退回展示文本
func encodeArguments(args []any) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(data)
}
