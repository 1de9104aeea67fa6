package rerun

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rerunner/internal/params"
	"rerunner/internal/retry"
	"rerunner/internal/runner"
)

// TestingTB testing.TB 中用到的部分
type TestingTB interface {
	Helper()
	Name() string
	Log(args ...any)
	Logf(format string, args ...any)
	FailNow()
}

type options struct {
	ctx      context.Context
	logger   *slog.Logger
	timeout  time.Duration
	registry *params.Registry
	listener []runner.Listener
	verbose  bool
}

// Option 运行选项
type Option func(*options)

// WithContext 设置运行上下文，取消时正在进行的尝试按致命失败处理
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		o.ctx = ctx
	}
}

// WithLogger 设置决策日志使用的 logger，默认丢弃
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithAttemptTimeout 单次尝试的超时时间
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithRegistry 设置解析 params.Ref 的注册表
func WithRegistry(reg *params.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithListener 附加监听器，例如事件总线适配器
func WithListener(l runner.Listener) Option {
	return func(o *options) {
		o.listener = append(o.listener, l)
	}
}

// WithVerbose 每次尝试结束都输出一行日志
func WithVerbose() Option {
	return func(o *options) {
		o.verbose = true
	}
}

// Test 按策略重复执行 f，判定失败时让 t 失败
func Test(t TestingTB, policy retry.Policy, f func(r *R), opts ...Option) runner.CaseResult {
	t.Helper()
	return run(t, runner.TestCase{Name: t.Name(), Policy: policy}, f, opts)
}

// Parameterized 对 src 展开的每个参数元组按策略重复执行 f
// src 为 nil 时等同于 Test
func Parameterized(t TestingTB, policy retry.Policy, src params.Source, f func(r *R), opts ...Option) runner.CaseResult {
	t.Helper()
	return run(t, runner.TestCase{Name: t.Name(), Policy: policy, Source: src}, f, opts)
}

func run(t TestingTB, tc runner.TestCase, f func(r *R), opts []Option) runner.CaseResult {
	t.Helper()

	o := &options{ctx: context.Background()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.New(discardHandler{})
	}

	tc.Body = func(ctx context.Context, args params.Tuple) error {
		rr := &R{args: args}
		if info, ok := runner.AttemptFromContext(ctx); ok {
			rr.attempt = info.Attempt
		}
		attempt(rr, f)
		return rr.err()
	}

	out := &outputListener{t: t, verbose: o.verbose}
	r := runner.New(
		runner.WithLogger(o.logger),
		runner.WithRegistry(o.registry),
		runner.WithAttemptTimeout(o.timeout),
		runner.WithListener(append([]runner.Listener{out}, o.listener...)...),
	)

	result, err := r.Run(o.ctx, tc)
	if err != nil {
		t.Log(err.Error())
		t.FailNow()
		return result
	}
	if result.Verdict != retry.VerdictPassed {
		if s := out.failures(); s != "" {
			t.Log(s)
		}
		counts := result.Counts()
		t.Logf("rerun: %d started, %d aborted, %d failed, %d skipped",
			counts.Started, counts.Aborted, counts.Failed, counts.Skipped)
		t.FailNow()
	}
	return result
}

// attempt 执行一次 f，吸收 FailNow 抛出的哨兵
func attempt(rr *R, f func(r *R)) {
	defer func() {
		if p := recover(); p != nil && p != attemptFailed {
			panic(p)
		}
	}()
	f(rr)
}

// outputListener 收集失败尝试的输出
type outputListener struct {
	runner.NopListener
	t       TestingTB
	verbose bool
	errs    []string
}

func (l *outputListener) AttemptFinished(rec runner.AttemptRecord) {
	if l.verbose {
		l.t.Logf("%s: %s", rec.DisplayName, rec.Status)
	}
	if rec.Executed && rec.Err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s:\n%s", rec.DisplayName, rec.Err))
	}
}

func (l *outputListener) failures() string {
	return dedup(l.errs)
}
