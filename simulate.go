package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"rerunner/config"
	"rerunner/internal/events"
	"rerunner/internal/retry"
	"rerunner/internal/runner"
	"rerunner/internal/simulate"
	"rerunner/internal/tracking"
)

type simulateOptions struct {
	parallelism    int
	attemptTimeout time.Duration
	failOnFailure  bool
	noColor        bool
	noHistory      bool
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	opts := &simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>...",
		Short: "Run scenario files through the retry controller and check their expectations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("parallelism") {
				cfg.Runner.Parallelism = opts.parallelism
			}
			if cmd.Flags().Changed("attempt-timeout") {
				cfg.Runner.AttemptTimeout = opts.attemptTimeout
			}
			if opts.noHistory {
				cfg.History.Enabled = false
			}
			if opts.noColor {
				color.NoColor = true
			}
			return runSimulate(cmd.Context(), cfg, args, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().AddFlagSet(opts.NewFlagSet())
	return cmd
}

func (o *simulateOptions) NewFlagSet() *pflag.FlagSet {
	flagSet := &pflag.FlagSet{}

	flagSet.IntVarP(&o.parallelism, "parallelism", "p",
		0,
		"Cases run concurrently (overrides runner.parallelism, 0 = unlimited).")
	flagSet.DurationVar(&o.attemptTimeout, "attempt-timeout",
		0,
		"Per-attempt timeout (overrides runner.attempt_timeout).")
	flagSet.BoolVar(&o.failOnFailure, "fail-on-failure",
		false,
		"Exit non-zero when any case fails, not only on expectation mismatches.")
	flagSet.BoolVar(&o.noColor, "no-color",
		false,
		"Disable colored output.")
	flagSet.BoolVar(&o.noHistory, "no-history",
		false,
		"Do not record runs in the history database.")

	return flagSet
}

func runSimulate(ctx context.Context, cfg *config.Config, paths []string, opts *simulateOptions, out io.Writer) error {
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	eventBus := events.NewEventBus(logger, cfg.Events.BufferSize)
	if err := eventBus.Start(); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer func() {
		if err := eventBus.Stop(); err != nil {
			logger.Error(fmt.Sprintf("❌ EventBus关闭失败: %v", err))
		}
	}()
	unsubscribe := eventBus.Subscribe(events.LogSubscriber(logger))
	defer unsubscribe()

	tracker, err := tracking.NewHistoryTracker(tracking.ConfigFromHistory(cfg.History), cfg.Timezone)
	if err != nil {
		return fmt.Errorf("failed to initialize history tracker: %w", err)
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Error(fmt.Sprintf("❌ 历史跟踪器关闭失败: %v", err))
		}
	}()

	adapter := events.NewListenerAdapter(eventBus, "simulate")
	simOpts := simulate.Options{
		Defaults:    retry.NewPolicyFromConfig(cfg),
		Parallelism: cfg.Runner.Parallelism,
		RunnerOpts: []runner.Option{
			runner.WithLogger(logger),
			runner.WithListener(tracker, adapter),
			runner.WithAttemptTimeout(cfg.Runner.AttemptTimeout),
		},
	}

	var mismatches, failed int
	for i, path := range paths {
		sc, err := simulate.Load(path)
		if err != nil {
			return err
		}

		logger.Info("🧪 开始运行场景", "scenario", sc.Name, "file", path, "cases", len(sc.Cases))
		res, err := simulate.Run(ctx, sc, simOpts)
		if res != nil {
			if i > 0 {
				fmt.Fprintln(out)
			}
			if werr := simulate.WriteReport(out, res); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}

		mismatches += len(res.Mismatches)
		if !res.Passed() {
			failed++
		}
	}

	summary := adapter.Summary()
	logger.Info("📊 运行汇总",
		"cases_passed", summary.CasesPassed,
		"cases_failed", summary.CasesFailed,
		"cases_errored", summary.CasesErrored,
		"started", summary.Started,
		"passed", summary.Passed,
		"aborted", summary.Aborted,
		"failed", summary.Failed,
		"skipped", summary.Skipped)

	if tracker.Enabled() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tracker.Flush(flushCtx); err != nil {
			logger.Warn("⚠️ 历史记录写入未完成", "error", err)
		}
	}

	switch {
	case mismatches > 0:
		return fmt.Errorf("%d expectation mismatch(es)", mismatches)
	case opts.failOnFailure && failed > 0:
		return fmt.Errorf("%d scenario(s) with failed cases", failed)
	}
	return nil
}
