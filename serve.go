package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"rerunner/config"
	"rerunner/internal/events"
	"rerunner/internal/retry"
	"rerunner/internal/runner"
	"rerunner/internal/simulate"
	"rerunner/internal/tracking"
	"rerunner/internal/web"
)

type serveOptions struct {
	host      string
	port      int
	scenarios []string
	interval  time.Duration
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the history dashboard with live attempt streaming",
		Long: "Serve the history dashboard. The configuration file is watched and reloaded on change.\n" +
			"Scenario files passed with --scenario are run in the background, optionally every --interval.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root.configPath, opts, cmd)
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().AddFlagSet(opts.NewFlagSet())
	return cmd
}

func (o *serveOptions) NewFlagSet() *pflag.FlagSet {
	flagSet := &pflag.FlagSet{}

	flagSet.StringVar(&o.host, "host",
		"",
		"Dashboard listen host (overrides web.host).")
	flagSet.IntVar(&o.port, "port",
		0,
		"Dashboard listen port (overrides web.port).")
	flagSet.StringSliceVarP(&o.scenarios, "scenario", "s",
		nil,
		"Scenario file to run in the background, repeatable.")
	flagSet.DurationVar(&o.interval, "interval",
		0,
		"Rerun the scenarios at this interval (0 = run once).")

	return flagSet
}

// applyOverrides 命令行参数优先于配置文件，重载后同样生效
func (o *serveOptions) applyOverrides(cfg *config.Config) {
	cfg.Web.Enabled = true
	if o.host != "" {
		cfg.Web.Host = o.host
	}
	if o.port > 0 {
		cfg.Web.Port = o.port
	}
}

func runServe(ctx context.Context, configPath string, opts *serveOptions, cmd *cobra.Command) error {
	// Setup initial logger (will be updated when config is loaded)
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"})
	slog.SetDefault(logger)

	configWatcher, err := config.NewConfigWatcher(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to create configuration watcher: %w", err)
	}
	defer configWatcher.Close()

	cfg := configWatcher.GetConfig()
	opts.applyOverrides(cfg)

	logger = setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	configWatcher.UpdateLogger(logger)

	logger.Info("🚀 Rerunner 启动中...",
		"version", version,
		"config", configPath,
		"scenarios", len(opts.scenarios))

	eventBus := events.NewEventBus(logger, cfg.Events.BufferSize)
	if err := eventBus.Start(); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer func() {
		if err := eventBus.Stop(); err != nil {
			logger.Error(fmt.Sprintf("❌ EventBus关闭失败: %v", err))
		}
	}()

	tracker, err := tracking.NewHistoryTracker(tracking.ConfigFromHistory(cfg.History), cfg.Timezone)
	if err != nil {
		return fmt.Errorf("failed to initialize history tracker: %w", err)
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Error(fmt.Sprintf("❌ 历史跟踪器关闭失败: %v", err))
		}
	}()
	if !tracker.Enabled() {
		logger.Warn("⚠️ 历史记录未启用，仪表盘只显示实时数据")
	}

	adapter := events.NewListenerAdapter(eventBus, "serve")
	webServer := web.NewWebServer(cfg, tracker, adapter, logger, startTime, configPath, eventBus)

	bg := &backgroundRuns{
		scenarios: opts.scenarios,
		interval:  opts.interval,
		tracker:   tracker,
		adapter:   adapter,
	}
	bg.apply(cfg, logger)

	configWatcher.AddReloadCallback(func(newCfg *config.Config) {
		opts.applyOverrides(newCfg)

		newLogger := setupLogger(newCfg.Logging)
		slog.SetDefault(newLogger)
		configWatcher.UpdateLogger(newLogger)

		webServer.UpdateConfig(newCfg)
		tracker.UpdateRetention(newCfg.History.RetentionDays)
		bg.apply(newCfg, newLogger)

		newLogger.Info("🔄 所有组件已更新为新配置")
	})
	logger.Info("🔄 配置文件自动重载已启用")

	if err := webServer.Start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Dashboard: http://%s\n", webServer.Addr())

	var wg sync.WaitGroup
	if len(opts.scenarios) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bg.loop(ctx)
		}()
	}

	<-ctx.Done()
	logger.Info("📡 收到终止信号，开始优雅关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 等待进行中的场景结束，尝试会随 ctx 取消以致命失败收尾
	wg.Wait()

	logger.Info("🛑 正在关闭服务器...")
	if err := webServer.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := tracker.Flush(shutdownCtx); err != nil {
		logger.Warn("⚠️ 历史记录写入未完成", "error", err)
	}
	logger.Info("✅ 服务器已安全关闭")
	return nil
}

// backgroundRuns 在后台按间隔重复运行场景文件
type backgroundRuns struct {
	scenarios []string
	interval  time.Duration
	tracker   *tracking.HistoryTracker
	adapter   *events.ListenerAdapter

	// 配置重载时整体替换
	current atomic.Pointer[runSettings]
}

type runSettings struct {
	options simulate.Options
	logger  *slog.Logger
}

func (b *backgroundRuns) apply(cfg *config.Config, logger *slog.Logger) {
	b.current.Store(&runSettings{
		logger: logger,
		options: simulate.Options{
			Defaults:    retry.NewPolicyFromConfig(cfg),
			Parallelism: cfg.Runner.Parallelism,
			RunnerOpts: []runner.Option{
				runner.WithLogger(logger),
				runner.WithListener(b.tracker, b.adapter),
				runner.WithAttemptTimeout(cfg.Runner.AttemptTimeout),
			},
		},
	})
}

func (b *backgroundRuns) loop(ctx context.Context) {
	b.runAll(ctx)
	if b.interval <= 0 {
		return
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.runAll(ctx)
		}
	}
}

// runAll 每轮重新读取场景文件，编辑后下一轮生效
func (b *backgroundRuns) runAll(ctx context.Context) {
	for _, path := range b.scenarios {
		if ctx.Err() != nil {
			return
		}
		settings := b.current.Load()

		sc, err := simulate.Load(path)
		if err != nil {
			settings.logger.Error("❌ 场景文件加载失败", "file", path, "error", err)
			continue
		}

		res, err := simulate.Run(ctx, sc, settings.options)
		if err != nil {
			settings.logger.Warn("⚠️ 场景运行中断", "scenario", sc.Name, "error", err)
			return
		}
		for _, m := range res.Mismatches {
			settings.logger.Warn("⚠️ 期望不一致", "scenario", sc.Name, "mismatch", m.String())
		}
		settings.logger.Info("✅ 场景运行完成",
			"scenario", sc.Name,
			"cases", len(res.Cases),
			"passed", res.Passed(),
			"mismatches", len(res.Mismatches))
	}
}
