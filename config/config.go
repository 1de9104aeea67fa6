package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging  LoggingConfig `yaml:"logging"`
	Defaults PolicyConfig  `yaml:"defaults"` // Default retry policy for cases that do not declare one
	Runner   RunnerConfig  `yaml:"runner"`
	History  HistoryConfig `yaml:"history"` // Attempt history persistence
	Events   EventsConfig  `yaml:"events"`
	Web      WebConfig     `yaml:"web"` // Dashboard configuration
	Timezone string        `yaml:"timezone"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// PolicyConfig 默认重试策略
type PolicyConfig struct {
	Repeats              int           `yaml:"repeats"`                // Extra attempts beyond the first, default: 1
	MinSuccess           int           `yaml:"min_success"`            // Successful attempts required to pass, default: 1
	MaxIdenticalFailures int           `yaml:"max_identical_failures"` // 0 = no cap
	Suspend              time.Duration `yaml:"suspend"`                // Wait before each retried attempt
	Name                 string        `yaml:"name,omitempty"`
	RepeatedName         string        `yaml:"repeated_name,omitempty"`
}

type RunnerConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"` // 0 = no per-attempt timeout
	Parallelism    int           `yaml:"parallelism"`     // Independent cases run concurrently, default: 4
}

type HistoryConfig struct {
	Enabled bool `yaml:"enabled"` // default: false

	DatabasePath string                 `yaml:"database_path"`      // SQLite database file path, default: data/history.db
	Database     *DatabaseBackendConfig `yaml:"database,omitempty"` // Optional, takes precedence over database_path

	BufferSize      int           `yaml:"buffer_size"`      // Event buffer size, default: 1000
	BatchSize       int           `yaml:"batch_size"`       // Batch write size, default: 100
	FlushInterval   time.Duration `yaml:"flush_interval"`   // Force flush interval, default: 5s
	RetentionDays   int           `yaml:"retention_days"`   // 0 = keep forever, default: 30
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // default: 24h
}

// DatabaseBackendConfig 数据库后端配置
type DatabaseBackendConfig struct {
	Type string `yaml:"type"` // "sqlite" | "mysql"

	// SQLite配置
	Path string `yaml:"path,omitempty"`

	// MySQL配置
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// 连接池配置
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time,omitempty"`

	Charset  string `yaml:"charset,omitempty"`
	Timezone string `yaml:"timezone,omitempty"`
}

type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"` // default: 1000
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"` // default: false
	Host    string `yaml:"host"`    // default: localhost
	Port    int    `yaml:"port"`    // default: 8088
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, applies defaults and validates it
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var config Config
	config.setDefaults()
	return &config
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Defaults.Repeats == 0 {
		c.Defaults.Repeats = 1
	}
	if c.Defaults.MinSuccess == 0 {
		c.Defaults.MinSuccess = 1
	}

	if c.Runner.Parallelism == 0 {
		c.Runner.Parallelism = 4
	}

	if c.History.DatabasePath == "" {
		c.History.DatabasePath = "data/history.db"
	}
	if c.History.BufferSize == 0 {
		c.History.BufferSize = 1000
	}
	if c.History.BatchSize == 0 {
		c.History.BatchSize = 100
	}
	if c.History.FlushInterval == 0 {
		c.History.FlushInterval = 5 * time.Second
	}
	if c.History.RetentionDays == 0 {
		c.History.RetentionDays = 30
	}
	if c.History.CleanupInterval == 0 {
		c.History.CleanupInterval = 24 * time.Hour
	}

	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = 1000
	}

	if c.Web.Host == "" {
		c.Web.Host = "localhost"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8088
	}

	if c.Timezone == "" {
		c.Timezone = "Asia/Shanghai"
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging format must be 'text' or 'json'")
	}

	if c.Defaults.Repeats < 1 {
		return fmt.Errorf("defaults.repeats must be at least 1")
	}
	if c.Defaults.MinSuccess < 1 {
		return fmt.Errorf("defaults.min_success must be at least 1")
	}
	if c.Defaults.MinSuccess > c.Defaults.Repeats+1 {
		return fmt.Errorf("defaults.min_success (%d) cannot exceed repeats + 1 (%d)", c.Defaults.MinSuccess, c.Defaults.Repeats+1)
	}
	if c.Defaults.MaxIdenticalFailures < 0 {
		return fmt.Errorf("defaults.max_identical_failures cannot be negative")
	}
	if c.Defaults.Suspend < 0 {
		return fmt.Errorf("defaults.suspend cannot be negative")
	}

	if c.Runner.Parallelism < 1 {
		return fmt.Errorf("runner.parallelism must be at least 1")
	}
	if c.Runner.AttemptTimeout < 0 {
		return fmt.Errorf("runner.attempt_timeout cannot be negative")
	}

	if c.History.Enabled {
		if c.History.BatchSize > c.History.BufferSize {
			return fmt.Errorf("batch size cannot be larger than buffer size")
		}
		if c.History.FlushInterval <= 0 {
			return fmt.Errorf("flush interval must be greater than 0 when history is enabled")
		}
		if c.History.RetentionDays < 0 {
			return fmt.Errorf("retention days cannot be negative")
		}
		if db := c.History.Database; db != nil && db.Type != "" && db.Type != "sqlite" && db.Type != "mysql" {
			return fmt.Errorf("history database type must be 'sqlite' or 'mysql'")
		}
	}

	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web port must be between 1 and 65535")
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	return nil
}

// ConfigWatcher handles automatic configuration reloading
type ConfigWatcher struct {
	configPath    string
	config        *Config
	mutex         sync.RWMutex
	watcher       *fsnotify.Watcher
	logger        *slog.Logger
	callbacks     []func(*Config)
	lastModTime   time.Time
	debounceTimer *time.Timer
	debounce      time.Duration
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(configPath string, logger *slog.Logger) (*ConfigWatcher, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath:  configPath,
		config:      config,
		watcher:     watcher,
		logger:      logger,
		callbacks:   make([]func(*Config), 0),
		lastModTime: fileInfo.ModTime(),
		debounce:    500 * time.Millisecond,
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	go cw.watchLoop()

	return cw, nil
}

// GetConfig returns the current configuration (thread-safe)
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.config
}

// UpdateLogger updates the logger used by the config watcher
func (cw *ConfigWatcher) UpdateLogger(logger *slog.Logger) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.logger = logger
}

// AddReloadCallback adds a callback function that will be called when config is reloaded
func (cw *ConfigWatcher) AddReloadCallback(callback func(*Config)) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) log() *slog.Logger {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.logger
}

// watchLoop monitors the config file for changes
func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Write) {
				fileInfo, err := os.Stat(cw.configPath)
				if err != nil {
					cw.log().Warn(fmt.Sprintf("⚠️ 无法获取配置文件信息: %v", err))
					continue
				}

				// Skip if modification time hasn't changed
				if !fileInfo.ModTime().After(cw.lastModTime) {
					continue
				}
				cw.lastModTime = fileInfo.ModTime()

				if cw.debounceTimer != nil {
					cw.debounceTimer.Stop()
				}

				// Debounce rapid successive writes from editors
				cw.debounceTimer = time.AfterFunc(cw.debounce, func() {
					cw.log().Info(fmt.Sprintf("🔄 检测到配置文件变更，正在重新加载... - 文件: %s", event.Name))
					if err := cw.reloadConfig(); err != nil {
						cw.log().Error(fmt.Sprintf("❌ 配置文件重新加载失败: %v", err))
					} else {
						cw.log().Info("✅ 配置文件重新加载成功")
					}
				})
			}

			// Some editors rename files during save
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				time.Sleep(100 * time.Millisecond)
				if _, err := os.Stat(cw.configPath); err == nil {
					cw.watcher.Add(cw.configPath)
					cw.log().Info(fmt.Sprintf("🔄 重新监听配置文件: %s", cw.configPath))
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log().Error(fmt.Sprintf("⚠️ 配置文件监听错误: %v", err))
		}
	}
}

// reloadConfig reloads the configuration from file
func (cw *ConfigWatcher) reloadConfig() error {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mutex.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mutex.Unlock()

	for _, callback := range callbacks {
		callback(newConfig)
	}

	cw.logConfigChanges(oldConfig, newConfig)

	return nil
}

// logConfigChanges logs the key differences between old and new configurations
func (cw *ConfigWatcher) logConfigChanges(oldConfig, newConfig *Config) {
	logger := cw.log()

	if oldConfig.Logging.Level != newConfig.Logging.Level {
		logger.Info("📝 日志级别变更",
			"old_level", oldConfig.Logging.Level,
			"new_level", newConfig.Logging.Level)
	}

	if oldConfig.Defaults != newConfig.Defaults {
		logger.Info("🔁 默认重试策略变更",
			"old_repeats", oldConfig.Defaults.Repeats,
			"new_repeats", newConfig.Defaults.Repeats,
			"old_min_success", oldConfig.Defaults.MinSuccess,
			"new_min_success", newConfig.Defaults.MinSuccess)
	}

	if oldConfig.Runner.Parallelism != newConfig.Runner.Parallelism {
		logger.Info("⚙️ 并行度变更",
			"old_parallelism", oldConfig.Runner.Parallelism,
			"new_parallelism", newConfig.Runner.Parallelism)
	}

	if oldConfig.History.RetentionDays != newConfig.History.RetentionDays {
		logger.Info("📊 历史记录保留天数变更",
			"old_retention", oldConfig.History.RetentionDays,
			"new_retention", newConfig.History.RetentionDays)
	}

	if oldConfig.Web.Port != newConfig.Web.Port {
		logger.Info("🌐 Web界面端口变更（重启后生效）",
			"old_port", oldConfig.Web.Port,
			"new_port", newConfig.Web.Port)
	}
}

// Close stops the configuration watcher
func (cw *ConfigWatcher) Close() error {
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	return cw.watcher.Close()
}
