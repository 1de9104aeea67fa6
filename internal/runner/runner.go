package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"rerunner/internal/params"
	"rerunner/internal/retry"
)

// Runner 执行宿主
// 逐个展开参数元组，为每个元组创建新的重试控制器，调用测试体并把每次尝试上报给监听器
type Runner struct {
	registry       *params.Registry
	expander       *params.Expander
	listeners      []Listener
	attemptTimeout time.Duration
	logger         *slog.Logger
}

// Option 执行宿主选项
type Option func(*Runner)

// WithRegistry 设置解析具名参数来源的注册表
func WithRegistry(reg *params.Registry) Option {
	return func(r *Runner) {
		r.registry = reg
	}
}

// WithLogger 设置 logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithListener 添加监听器
func WithListener(listeners ...Listener) Option {
	return func(r *Runner) {
		r.listeners = append(r.listeners, listeners...)
	}
}

// WithAttemptTimeout 单次尝试的超时时间，0 表示不限制
func WithAttemptTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.attemptTimeout = d
	}
}

// New 创建执行宿主
func New(opts ...Option) *Runner {
	r := &Runner{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.expander = params.NewExpander(r.registry, r.logger)
	return r
}

// Run 执行一个测试用例
// 只有配置错误或上下文取消才返回 error，判定失败通过 CaseResult.Verdict 体现
func (r *Runner) Run(ctx context.Context, tc TestCase) (CaseResult, error) {
	policy := tc.Policy.WithDefaults(tc.Parameterized())
	result := CaseResult{
		RunID:     uuid.NewString(),
		Name:      tc.Name,
		Policy:    policy,
		StartedAt: time.Now(),
	}

	for _, l := range r.listeners {
		l.CaseStarted(CaseInfo{
			RunID:         result.RunID,
			Name:          tc.Name,
			Policy:        policy,
			Parameterized: tc.Parameterized(),
			StartedAt:     result.StartedAt,
		})
	}

	expansion, err := r.prepare(tc, policy)
	if err != nil {
		r.logger.Error("❌ [用例] 配置错误，未执行任何尝试",
			"case", tc.Name,
			"run_id", result.RunID,
			"error", err)
		result.Err = err
		result.Verdict = retry.VerdictFailed
		return r.finish(result), err
	}
	defer expansion.Close()

	r.logger.Info("🧪 [用例] 开始执行",
		"case", tc.Name,
		"run_id", result.RunID,
		"repeats", policy.Repeats,
		"min_success", policy.MinSuccess,
		"max_identical_failures", policy.MaxIdenticalFailures,
		"suspend", policy.Suspend)

	result.Verdict = retry.VerdictPassed
	for i, args := range expansion.All() {
		tuple := r.runTuple(ctx, result.RunID, tc, policy, i+1, args)
		result.Tuples = append(result.Tuples, tuple)
		if tuple.Verdict() != retry.VerdictPassed {
			result.Verdict = retry.VerdictFailed
		}
		if err := ctx.Err(); err != nil {
			result.Err = fmt.Errorf("case %q interrupted: %w", tc.Name, err)
			result.Verdict = retry.VerdictFailed
			break
		}
	}

	result = r.finish(result)
	counts := result.Counts()
	if result.Verdict == retry.VerdictPassed {
		r.logger.Info("✅ [用例] 通过",
			"case", tc.Name,
			"tuples", len(result.Tuples),
			"started", counts.Started,
			"aborted", counts.Aborted,
			"duration", result.Duration())
	} else {
		r.logger.Warn("❌ [用例] 失败",
			"case", tc.Name,
			"tuples", len(result.Tuples),
			"started", counts.Started,
			"aborted", counts.Aborted,
			"failed", counts.Failed,
			"skipped", counts.Skipped,
			"duration", result.Duration())
	}
	return result, result.Err
}

// prepare 校验用例声明并展开参数来源
func (r *Runner) prepare(tc TestCase, policy retry.Policy) (*params.Expansion, error) {
	if tc.Name == "" {
		return nil, ErrNoName
	}
	if tc.Body == nil {
		return nil, fmt.Errorf("case %q: %w", tc.Name, ErrNoBody)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("case %q: %w", tc.Name, err)
	}
	if !tc.Parameterized() {
		return params.Single(), nil
	}
	expansion, err := r.expander.Expand(tc.Source)
	if err != nil {
		return nil, fmt.Errorf("case %q: %w", tc.Name, err)
	}
	return expansion, nil
}

func (r *Runner) finish(result CaseResult) CaseResult {
	result.FinishedAt = time.Now()
	for _, l := range r.listeners {
		l.CaseFinished(result)
	}
	return result
}

// runTuple 在当前 goroutine 上顺序执行一个参数元组的所有尝试
func (r *Runner) runTuple(ctx context.Context, runID string, tc TestCase, policy retry.Policy, index int, args params.Tuple) TupleResult {
	display := tupleName(tc, policy, index, args)
	res := TupleResult{
		RunID:       runID,
		Case:        tc.Name,
		Index:       index,
		Arguments:   args,
		DisplayName: display,
	}

	// 策略已在 prepare 中校验
	ctrl, err := retry.NewController(policy, retry.WithLogger(r.logger), retry.WithLabel(display))
	if err != nil {
		res.State = retry.State{Verdict: retry.VerdictFailed, Cause: err}
		res.Reason = err.Error()
		return res
	}

	var decision retry.Decision
	for {
		attempt := ctrl.State().Attempts + 1
		rec := AttemptRecord{
			RunID:       runID,
			Case:        tc.Name,
			TupleIndex:  index,
			Arguments:   args,
			Attempt:     attempt,
			Total:       policy.Budget(),
			DisplayName: attemptName(tc, policy, display, index, attempt, args),
			Executed:    true,
			StartedAt:   time.Now(),
		}

		out := r.invoke(withAttempt(ctx, rec), tc.Body, args)
		rec.Duration = time.Since(rec.StartedAt)
		rec.Err = out.err

		outcome := classify(policy, out)
		decision = ctrl.Evaluate(outcome)
		rec.Status = retry.StatusOf(outcome, decision)
		r.record(&res, rec)

		if decision.Stopped() {
			for i, status := range retry.Trailing(decision) {
				n := attempt + 1 + i
				trailing := AttemptRecord{
					RunID:       runID,
					Case:        tc.Name,
					TupleIndex:  index,
					Arguments:   args,
					Attempt:     n,
					Total:       policy.Budget(),
					DisplayName: attemptName(tc, policy, display, index, n, args),
					Status:      status,
					StartedAt:   time.Now(),
				}
				if status != retry.StatusSkipped {
					trailing.Err = out.err
				}
				r.record(&res, trailing)
			}
			break
		}

		// 等待期间被取消时，下一次尝试会立即以致命失败结束
		r.suspend(ctx, decision.Delay)
	}

	res.State = ctrl.State()
	res.Reason = decision.Reason

	r.logger.Debug("📋 [参数元组] 判定完成",
		"case", tc.Name,
		"tuple", display,
		"verdict", res.State.Verdict.String(),
		"attempts", res.State.Attempts,
		"executed", res.State.Executed,
		"skipped", res.State.Skipped,
		"cause", res.State.Cause)

	for _, l := range r.listeners {
		l.TupleFinished(res)
	}
	return res
}

func (r *Runner) record(res *TupleResult, rec AttemptRecord) {
	res.Attempts = append(res.Attempts, rec)
	for _, l := range r.listeners {
		l.AttemptFinished(rec)
	}
}

// attemptOutcome 单次调用测试体的结果
type attemptOutcome struct {
	err         error
	interrupted bool // 超时或被取消
}

// classify 超时和取消一律按致命失败处理，其余交给策略分类
func classify(policy retry.Policy, out attemptOutcome) retry.Outcome {
	if out.interrupted {
		return retry.Fatal(out.err)
	}
	return policy.Classify(out.err)
}

// invoke 在独立的 goroutine 中调用测试体，带超时与 panic 恢复
func (r *Runner) invoke(ctx context.Context, body Body, args params.Tuple) attemptOutcome {
	if err := ctx.Err(); err != nil {
		return attemptOutcome{err: err, interrupted: true}
	}

	var (
		attemptCtx context.Context
		cancel     context.CancelFunc
	)
	if r.attemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, r.attemptTimeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- &PanicError{Value: p, Stack: debug.Stack()}
			}
		}()
		done <- body(attemptCtx, args)
	}()

	select {
	case err := <-done:
		interrupted := err != nil && attemptCtx.Err() != nil &&
			(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
		return attemptOutcome{err: err, interrupted: interrupted}
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return attemptOutcome{err: err, interrupted: true}
		}
		return attemptOutcome{
			err:         fmt.Errorf("%w after %v: %w", ErrAttemptTimeout, r.attemptTimeout, context.Cause(attemptCtx)),
			interrupted: true,
		}
	}
}

// suspend 可被取消的重试前等待
func (r *Runner) suspend(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
