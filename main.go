package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rerunner/config"
	"rerunner/internal/logging"
	"rerunner/internal/web"
)

const defaultConfigPath = "config/example.yaml"

var (
	// Build-time variables (set via ldflags)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"

	// Runtime variables
	startTime = time.Now()
)

// rootOptions 所有子命令共享的参数
type rootOptions struct {
	configPath     string
	configExplicit bool
}

func main() {
	web.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "rerunner",
		Short:         "Retry controller for flaky test executions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			opts.configExplicit = cmd.Flags().Changed("config")
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to configuration file")

	rootCmd.AddCommand(
		newSimulateCmd(opts),
		newServeCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Rerunner\n")
			fmt.Fprintf(out, "Version: %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}

// loadConfig 读取配置文件；未显式指定且默认文件不存在时使用内置默认值
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err == nil {
		return cfg, nil
	}
	if !o.configExplicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// setupLogger 日志统一输出到 stderr，stdout 留给报告
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	return logging.New(os.Stderr, cfg.Level, cfg.Format)
}
