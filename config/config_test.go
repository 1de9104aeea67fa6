package config_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rerunner/config"
)

// TestLoadConfig_Defaults tests that an empty file yields every default
func TestLoadConfig_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: info\n"), 0644))

	cfg, err := config.LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Defaults.Repeats)
	assert.Equal(t, 1, cfg.Defaults.MinSuccess)
	assert.Equal(t, 0, cfg.Defaults.MaxIdenticalFailures)
	assert.Equal(t, time.Duration(0), cfg.Defaults.Suspend)
	assert.Equal(t, 4, cfg.Runner.Parallelism)
	assert.Equal(t, "data/history.db", cfg.History.DatabasePath)
	assert.Equal(t, 1000, cfg.History.BufferSize)
	assert.Equal(t, 100, cfg.History.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.History.FlushInterval)
	assert.Equal(t, 1000, cfg.Events.BufferSize)
	assert.Equal(t, "localhost", cfg.Web.Host)
	assert.Equal(t, 8088, cfg.Web.Port)
	assert.Equal(t, "Asia/Shanghai", cfg.Timezone)
	assert.False(t, cfg.History.Enabled)
	assert.False(t, cfg.Web.Enabled)
}

func TestParseConfig_FullDocument(t *testing.T) {
	yamlContent := `
logging:
  level: debug
  format: json
defaults:
  repeats: 10
  min_success: 4
  max_identical_failures: 2
  suspend: 250ms
  name: "Attempt {currentRepetition} of {totalRepetitions}"
runner:
  attempt_timeout: 30s
  parallelism: 2
history:
  enabled: true
  database:
    type: mysql
    host: 127.0.0.1
    database: rerunner
    username: ci
  buffer_size: 50
  batch_size: 10
web:
  enabled: true
  port: 9090
timezone: UTC
`
	cfg, err := config.ParseConfig([]byte(yamlContent))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, config.PolicyConfig{
		Repeats:              10,
		MinSuccess:           4,
		MaxIdenticalFailures: 2,
		Suspend:              250 * time.Millisecond,
		Name:                 "Attempt {currentRepetition} of {totalRepetitions}",
	}, cfg.Defaults)
	assert.Equal(t, 30*time.Second, cfg.Runner.AttemptTimeout)
	assert.Equal(t, 2, cfg.Runner.Parallelism)
	require.NotNil(t, cfg.History.Database)
	assert.Equal(t, "mysql", cfg.History.Database.Type)
	assert.Equal(t, 9090, cfg.Web.Port)
	assert.Equal(t, "UTC", cfg.Timezone)
}

func TestParseConfig_Validation(t *testing.T) {
	tests := []struct {
		name        string
		yamlContent string
		errMsg      string
	}{
		{
			name:        "min success exceeds budget",
			yamlContent: "defaults:\n  repeats: 2\n  min_success: 4\n",
			errMsg:      "cannot exceed repeats + 1",
		},
		{
			name:        "negative cap",
			yamlContent: "defaults:\n  max_identical_failures: -1\n",
			errMsg:      "max_identical_failures cannot be negative",
		},
		{
			name:        "unknown log level",
			yamlContent: "logging:\n  level: verbose\n",
			errMsg:      "logging level must be one of",
		},
		{
			name:        "batch larger than buffer",
			yamlContent: "history:\n  enabled: true\n  buffer_size: 10\n  batch_size: 20\n",
			errMsg:      "batch size cannot be larger than buffer size",
		},
		{
			name:        "unknown database type",
			yamlContent: "history:\n  enabled: true\n  database:\n    type: postgres\n",
			errMsg:      "history database type must be",
		},
		{
			name:        "bad timezone",
			yamlContent: "timezone: Mars/Olympus\n",
			errMsg:      "invalid timezone",
		},
		{
			name:        "malformed yaml",
			yamlContent: "defaults: [",
			errMsg:      "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParseConfig([]byte(tt.yamlContent))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, 1, cfg.Defaults.Repeats)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestConfigWatcher_Reload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("defaults:\n  repeats: 1\n"), 0644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	watcher, err := config.NewConfigWatcher(configPath, logger)
	require.NoError(t, err)
	defer watcher.Close()

	assert.Equal(t, 1, watcher.GetConfig().Defaults.Repeats)

	reloaded := make(chan *config.Config, 1)
	watcher.AddReloadCallback(func(cfg *config.Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	// 确保修改时间前进
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(configPath, []byte("defaults:\n  repeats: 7\n"), 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 7, cfg.Defaults.Repeats)
		assert.Equal(t, 7, watcher.GetConfig().Defaults.Repeats)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}
