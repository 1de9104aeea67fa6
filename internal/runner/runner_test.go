package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rerunner/internal/params"
	"rerunner/internal/retry"
)

type ioError struct{ msg string }

func (e *ioError) Error() string { return e.msg }

type runtimeError struct{ msg string }

func (e *runtimeError) Error() string { return e.msg }

// recordingListener 记录所有回调
type recordingListener struct {
	mu       sync.Mutex
	started  []CaseInfo
	attempts []AttemptRecord
	tuples   []TupleResult
	finished []CaseResult
}

func (l *recordingListener) CaseStarted(info CaseInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, info)
}

func (l *recordingListener) AttemptFinished(rec AttemptRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, rec)
}

func (l *recordingListener) TupleFinished(res TupleResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tuples = append(l.tuples, res)
}

func (l *recordingListener) CaseFinished(res CaseResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, res)
}

func newTestRunner(opts ...Option) *Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(append([]Option{WithLogger(logger)}, opts...)...)
}

func alwaysFail(err error) Body {
	return func(context.Context, params.Tuple) error { return err }
}

func TestRun_Scenarios(t *testing.T) {
	tests := []struct {
		name     string
		tc       TestCase
		expected Counts
		verdict  retry.Verdict
	}{
		{
			name: "A: always retryable",
			tc: TestCase{
				Name:   "reRunTest",
				Policy: retry.Policy{Repeats: 3},
				Body:   alwaysFail(&ioError{"broken pipe"}),
			},
			expected: Counts{Started: 4, Aborted: 3, Failed: 1},
			verdict:  retry.VerdictFailed,
		},
		{
			name: "B: fatal mismatch",
			tc: TestCase{
				Name:   "reRunTest8",
				Policy: retry.Policy{Repeats: 2, RetryOn: []retry.ErrorClass{retry.As[*ioError]()}},
				Body:   alwaysFail(&runtimeError{"boom"}),
			},
			expected: Counts{Started: 1, Failed: 1},
			verdict:  retry.VerdictFailed,
		},
		{
			name: "C: infeasible target",
			tc: TestCase{
				Name:   "reRunTest7",
				Policy: retry.Policy{Repeats: 10, MinSuccess: 4},
				Body:   alwaysFail(&ioError{"timeout"}),
			},
			expected: Counts{Started: 8, Aborted: 7, Failed: 1, Skipped: 3},
			verdict:  retry.VerdictFailed,
		},
		{
			name: "D: parameterized",
			tc: TestCase{
				Name:   "parameterized",
				Policy: retry.Policy{Repeats: 2},
				Source: params.Values(1, 3, 2),
				Body: func(_ context.Context, args params.Tuple) error {
					if args.Arg(0) == 3 {
						return nil
					}
					return fmt.Errorf("expected 3, got %v", args.Arg(0))
				},
			},
			expected: Counts{Started: 7, Passed: 1, Aborted: 4, Failed: 2},
			verdict:  retry.VerdictFailed,
		},
		{
			name: "passes first time",
			tc: TestCase{
				Name:   "runTest",
				Policy: retry.Policy{Repeats: 3},
				Body:   func(context.Context, params.Tuple) error { return nil },
			},
			expected: Counts{Started: 1, Passed: 1},
			verdict:  retry.VerdictPassed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary := NewSummaryListener()
			r := newTestRunner(WithListener(summary))

			result, err := r.Run(context.Background(), tt.tc)
			require.NoError(t, err)

			assert.Equal(t, tt.verdict, result.Verdict)
			assert.Equal(t, tt.expected, result.Counts())
			assert.Equal(t, tt.expected, summary.Summary().Counts)
			assert.NotEmpty(t, result.RunID)
		})
	}
}

func TestRun_IdenticalFailureCap(t *testing.T) {
	tests := []struct {
		name     string
		policy   retry.Policy
		body     func() Body
		expected Counts
		executed int
	}{
		{
			name:   "repeats 1 cap 1",
			policy: retry.Policy{Repeats: 1, MaxIdenticalFailures: 1},
			body: func() Body {
				return alwaysFail(&ioError{"same"})
			},
			expected: Counts{Started: 2, Aborted: 1, Failed: 1},
			executed: 1,
		},
		{
			name:   "repeats 3 cap 2 same message",
			policy: retry.Policy{Repeats: 3, MaxIdenticalFailures: 2},
			body: func() Body {
				return alwaysFail(&ioError{"same"})
			},
			expected: Counts{Started: 4, Aborted: 3, Failed: 1},
			executed: 2,
		},
		{
			name:   "repeats 4 cap 2 varying messages",
			policy: retry.Policy{Repeats: 4, MaxIdenticalFailures: 2},
			body: func() Body {
				n := 0
				return func(context.Context, params.Tuple) error {
					n++
					return &ioError{fmt.Sprintf("failure %d", n)}
				}
			},
			expected: Counts{Started: 5, Aborted: 4, Failed: 1},
			executed: 5,
		},
		{
			name:   "repeats 3 cap 2 alternating types",
			policy: retry.Policy{Repeats: 3, MaxIdenticalFailures: 2},
			body: func() Body {
				n := 0
				return func(context.Context, params.Tuple) error {
					n++
					if n%2 == 0 {
						return &runtimeError{"flaky"}
					}
					return &ioError{"flaky"}
				}
			},
			expected: Counts{Started: 4, Aborted: 3, Failed: 1},
			executed: 4,
		},
		{
			name:   "cap with min success",
			policy: retry.Policy{Repeats: 10, MinSuccess: 4, MaxIdenticalFailures: 2},
			body: func() Body {
				return alwaysFail(&ioError{"same"})
			},
			expected: Counts{Started: 8, Aborted: 7, Failed: 1, Skipped: 3},
			executed: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			body := tt.body()
			r := newTestRunner()

			result, err := r.Run(context.Background(), TestCase{
				Name:   "capped",
				Policy: tt.policy,
				Body: func(ctx context.Context, args params.Tuple) error {
					calls++
					return body(ctx, args)
				},
			})
			require.NoError(t, err)

			assert.Equal(t, tt.expected, result.Counts())
			assert.Equal(t, tt.executed, calls)
			require.Len(t, result.Tuples, 1)
			assert.Equal(t, tt.executed, result.Tuples[0].State.Executed)

			executed := 0
			for _, rec := range result.Tuples[0].Attempts {
				if rec.Executed {
					executed++
				}
			}
			assert.Equal(t, tt.executed, executed)
		})
	}
}

func TestRun_AttemptRecords(t *testing.T) {
	listener := &recordingListener{}
	r := newTestRunner(WithListener(listener))

	_, err := r.Run(context.Background(), TestCase{
		Name:   "reRunTest",
		Policy: retry.Policy{Repeats: 3},
		Body:   alwaysFail(&ioError{"broken pipe"}),
	})
	require.NoError(t, err)

	require.Len(t, listener.started, 1)
	require.Len(t, listener.attempts, 4)
	require.Len(t, listener.tuples, 1)
	require.Len(t, listener.finished, 1)

	for i, rec := range listener.attempts {
		assert.Equal(t, i+1, rec.Attempt)
		assert.Equal(t, 4, rec.Total)
		assert.Equal(t, fmt.Sprintf("Repetition %d of 4", i+1), rec.DisplayName)
		assert.EqualError(t, rec.Err, "broken pipe")
	}
	assert.Equal(t, retry.StatusFailed, listener.attempts[3].Status)
	assert.ErrorIs(t, listener.tuples[0].State.Cause, retry.ErrAttemptsExhausted)
	assert.Equal(t, listener.started[0].RunID, listener.finished[0].RunID)
}

func TestRun_ParameterizedDisplayNames(t *testing.T) {
	listener := &recordingListener{}
	r := newTestRunner(WithListener(listener))

	_, err := r.Run(context.Background(), TestCase{
		Name:   "sum",
		Policy: retry.Policy{Repeats: 1},
		Source: params.Tuples(params.Args(1, "a")),
		Body:   alwaysFail(errors.New("nope")),
	})
	require.NoError(t, err)

	require.Len(t, listener.attempts, 2)
	assert.Equal(t, "[1] 1, a (Repeat 1 of 2)", listener.attempts[0].DisplayName)
	assert.Equal(t, "[1] 1, a (Repeat 2 of 2)", listener.attempts[1].DisplayName)
	assert.Equal(t, "[1] 1, a", listener.tuples[0].DisplayName)
}

func TestRun_FreshControllerPerTuple(t *testing.T) {
	// 每个元组都有完整预算，互不影响
	var mu sync.Mutex
	calls := map[any]int{}
	r := newTestRunner()

	result, err := r.Run(context.Background(), TestCase{
		Name:   "per-tuple",
		Policy: retry.Policy{Repeats: 2, MaxIdenticalFailures: 2},
		Source: params.Values("x", "y"),
		Body: func(_ context.Context, args params.Tuple) error {
			mu.Lock()
			defer mu.Unlock()
			calls[args.Arg(0)]++
			return errors.New("same failure")
		},
	})
	require.NoError(t, err)

	require.Len(t, result.Tuples, 2)
	assert.Equal(t, 2, calls["x"])
	assert.Equal(t, 2, calls["y"])
	for _, tuple := range result.Tuples {
		assert.Equal(t, 3, tuple.State.Attempts)
		assert.ErrorIs(t, tuple.State.Cause, retry.ErrIdenticalFailureCap)
	}
}

func TestRun_ProviderReference(t *testing.T) {
	reg := params.NewRegistry()
	reg.MustRegister("primes", func() (iter.Seq[params.Tuple], error) {
		return slices.Values([]params.Tuple{{2}, {3}, {5}}), nil
	})
	r := newTestRunner(WithRegistry(reg))

	var seen []any
	result, err := r.Run(context.Background(), TestCase{
		Name:   "primes",
		Source: params.Ref("primes"),
		Body: func(_ context.Context, args params.Tuple) error {
			seen = append(seen, args.Arg(0))
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{2, 3, 5}, seen)
	assert.Equal(t, retry.VerdictPassed, result.Verdict)
}

func TestRun_ConfigurationErrors(t *testing.T) {
	noop := func(context.Context, params.Tuple) error { return nil }

	tests := []struct {
		name string
		tc   TestCase
		err  error
	}{
		{"no name", TestCase{Body: noop}, ErrNoName},
		{"no body", TestCase{Name: "x"}, ErrNoBody},
		{"invalid policy", TestCase{Name: "x", Body: noop, Policy: retry.Policy{Repeats: 1, MinSuccess: 5}}, retry.ErrInvalidPolicy},
		{"empty source", TestCase{Name: "x", Body: noop, Source: params.Values()}, params.ErrEmptySource},
		{"unresolved source", TestCase{Name: "x", Body: noop, Source: params.Ref("missing")}, params.ErrUnresolvedSource},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary := NewSummaryListener()
			listener := &recordingListener{}
			r := newTestRunner(WithListener(summary, listener))

			result, err := r.Run(context.Background(), tt.tc)
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, retry.VerdictFailed, result.Verdict)
			assert.Empty(t, result.Tuples)
			assert.Empty(t, listener.attempts)
			assert.Equal(t, 1, summary.Summary().CasesErrored)
		})
	}
}

func TestRun_PanicIsRecovered(t *testing.T) {
	calls := 0
	r := newTestRunner()

	result, err := r.Run(context.Background(), TestCase{
		Name:   "panics",
		Policy: retry.Policy{Repeats: 2},
		Body: func(context.Context, params.Tuple) error {
			calls++
			if calls < 3 {
				panic("index out of range")
			}
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, retry.VerdictPassed, result.Verdict)
	assert.Equal(t, Counts{Started: 3, Passed: 1, Aborted: 2}, result.Counts())

	var panicErr *PanicError
	require.ErrorAs(t, result.Tuples[0].Attempts[0].Err, &panicErr)
	assert.Equal(t, "index out of range", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
}

func TestRun_PanicWithErrorMatchesRetryOn(t *testing.T) {
	r := newTestRunner()

	result, err := r.Run(context.Background(), TestCase{
		Name:   "panics-with-error",
		Policy: retry.Policy{Repeats: 1, RetryOn: []retry.ErrorClass{retry.As[*ioError]()}},
		Body: func(context.Context, params.Tuple) error {
			panic(&ioError{"disk"})
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Counts{Started: 2, Aborted: 1, Failed: 1}, result.Counts())
}

func TestRun_AttemptTimeoutIsFatal(t *testing.T) {
	r := newTestRunner(WithAttemptTimeout(20 * time.Millisecond))

	result, err := r.Run(context.Background(), TestCase{
		Name:   "hangs",
		Policy: retry.Policy{Repeats: 3},
		Body: func(ctx context.Context, _ params.Tuple) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, Counts{Started: 1, Failed: 1}, result.Counts())
	assert.ErrorIs(t, result.Tuples[0].Attempts[0].Err, context.DeadlineExceeded)
	assert.ErrorIs(t, result.Tuples[0].State.Cause, retry.ErrFatalMismatch)
}

func TestRun_CancelDuringSuspend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := &cancelOnAttempt{cancel: cancel}
	r := newTestRunner(WithListener(listener))

	start := time.Now()
	result, err := r.Run(ctx, TestCase{
		Name:   "cancelled",
		Policy: retry.Policy{Repeats: 3, Suspend: 10 * time.Second},
		Body:   alwaysFail(&ioError{"flaky"}),
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, Counts{Started: 2, Aborted: 1, Failed: 1}, result.Counts())
	assert.ErrorIs(t, result.Tuples[0].Attempts[1].Err, context.Canceled)
}

type cancelOnAttempt struct {
	NopListener
	cancel context.CancelFunc
}

func (l *cancelOnAttempt) AttemptFinished(AttemptRecord) {
	l.cancel()
}

func TestRun_SuspendBetweenAttempts(t *testing.T) {
	r := newTestRunner()

	start := time.Now()
	result, err := r.Run(context.Background(), TestCase{
		Name:   "suspended",
		Policy: retry.Policy{Repeats: 2, Suspend: 20 * time.Millisecond},
		Body:   alwaysFail(&ioError{"flaky"}),
	})
	require.NoError(t, err)

	// 3 次尝试之间等待 2 次
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 3, result.Counts().Started)
}

func TestRun_Deterministic(t *testing.T) {
	newCase := func() TestCase {
		n := 0
		return TestCase{
			Name:   "deterministic",
			Policy: retry.Policy{Repeats: 5, MinSuccess: 2},
			Body: func(context.Context, params.Tuple) error {
				n++
				if n%3 == 0 {
					return nil
				}
				return errors.New("not yet")
			},
		}
	}

	r := newTestRunner()
	first, err := r.Run(context.Background(), newCase())
	require.NoError(t, err)
	second, err := r.Run(context.Background(), newCase())
	require.NoError(t, err)

	assert.Equal(t, first.Counts(), second.Counts())
	assert.Equal(t, first.Verdict, second.Verdict)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestSuite_Run(t *testing.T) {
	summary := NewSummaryListener()
	r := newTestRunner(WithListener(summary))
	suite := NewSuite(r, 2)

	cases := []TestCase{
		{Name: "passes", Body: func(context.Context, params.Tuple) error { return nil }},
		{Name: "fails", Policy: retry.Policy{Repeats: 3}, Body: alwaysFail(&ioError{"x"})},
		{Name: "broken"},
		{Name: "param", Policy: retry.Policy{Repeats: 2}, Source: params.Values(1, 3, 2), Body: func(_ context.Context, args params.Tuple) error {
			if args.Arg(0) == 3 {
				return nil
			}
			return errors.New("no")
		}},
	}

	results, err := suite.Run(context.Background(), cases)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoBody)

	require.Len(t, results, 4)
	for i, res := range results {
		assert.Equal(t, cases[i].Name, res.Name)
	}
	assert.Equal(t, retry.VerdictPassed, results[0].Verdict)
	assert.Equal(t, retry.VerdictFailed, results[1].Verdict)

	s := summary.Summary()
	assert.Equal(t, 1+4+7, s.Started)
	assert.Equal(t, 1, s.CasesPassed)
	assert.Equal(t, 2, s.CasesFailed)
	assert.Equal(t, 1, s.CasesErrored)
	assert.Equal(t, 2, s.TuplesPassed)
	assert.Equal(t, 3, s.TuplesFailed)
}

func TestRenderName(t *testing.T) {
	v := NameValues{
		DisplayName:       "login",
		CurrentRepetition: 2,
		TotalRepetitions:  5,
		Index:             3,
		Arguments:         params.Args("alice", 42),
	}

	tests := []struct {
		template string
		expected string
	}{
		{retry.DefaultName, "Repetition 2 of 5"},
		{retry.DefaultParameterizedName, "[3] alice, 42"},
		{retry.DefaultRepeatedName, " (Repeat 2 of 5)"},
		{"{displayName} #{currentRepetition} user={0} age={1} missing={2}", "login #2 user=alice age=42 missing={2}"},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			assert.Equal(t, tt.expected, RenderName(tt.template, v))
		})
	}
}

func TestRun_AttemptInfoInContext(t *testing.T) {
	var infos []AttemptInfo
	r := newTestRunner()

	_, err := r.Run(context.Background(), TestCase{
		Name:   "ctx",
		Policy: retry.Policy{Repeats: 2},
		Body: func(ctx context.Context, _ params.Tuple) error {
			info, ok := AttemptFromContext(ctx)
			if !ok {
				return retry.MarkFatal(errors.New("no attempt info"))
			}
			infos = append(infos, info)
			return errors.New("again")
		},
	})
	require.NoError(t, err)

	require.Len(t, infos, 3)
	for i, info := range infos {
		assert.Equal(t, i+1, info.Attempt)
		assert.Equal(t, 3, info.Total)
		assert.Equal(t, "ctx", info.Case)
		assert.Equal(t, 1, info.TupleIndex)
	}

	_, ok := AttemptFromContext(context.Background())
	assert.False(t, ok)
}
