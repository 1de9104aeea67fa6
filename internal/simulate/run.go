package simulate

import (
	"context"
	"fmt"

	"rerunner/internal/retry"
	"rerunner/internal/runner"
)

// Mismatch 实际结果与期望不一致的一项
type Mismatch struct {
	Case  string
	Field string
	Want  string
	Got   string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("case %q: %s want %s, got %s", m.Case, m.Field, m.Want, m.Got)
}

// Result 一次场景运行的结果
type Result struct {
	Scenario   *Scenario
	Cases      []runner.CaseResult
	Mismatches []Mismatch
}

// Passed 所有用例都通过
func (r *Result) Passed() bool {
	for _, c := range r.Cases {
		if c.Verdict != retry.VerdictPassed {
			return false
		}
	}
	return true
}

// Options 场景运行参数
type Options struct {
	Defaults    retry.Policy
	Parallelism int
	RunnerOpts  []runner.Option
}

// Run 构建并运行场景中的全部用例，然后核对期望
// 用例的配置错误记录在对应的 CaseResult 中，不作为返回的 error
func Run(ctx context.Context, sc *Scenario, opts Options) (*Result, error) {
	cases, registry, err := Build(sc, opts.Defaults)
	if err != nil {
		return nil, err
	}

	runnerOpts := append([]runner.Option{runner.WithRegistry(registry)}, opts.RunnerOpts...)
	r := runner.New(runnerOpts...)

	results, _ := runner.NewSuite(r, opts.Parallelism).Run(ctx, cases)
	if err := ctx.Err(); err != nil {
		return &Result{Scenario: sc, Cases: results}, fmt.Errorf("scenario %q interrupted: %w", sc.Name, err)
	}

	return &Result{
		Scenario:   sc,
		Cases:      results,
		Mismatches: Verify(sc, results),
	}, nil
}

// Verify 按用例声明的 expect 核对结果，results 与 sc.Cases 顺序一致
func Verify(sc *Scenario, results []runner.CaseResult) []Mismatch {
	var mismatches []Mismatch
	for i, spec := range sc.Cases {
		if spec.Expect == nil || i >= len(results) {
			continue
		}
		mismatches = append(mismatches, spec.Expect.check(spec.Name, results[i])...)
	}
	return mismatches
}

func (e *Expectation) check(name string, res runner.CaseResult) []Mismatch {
	var out []Mismatch
	add := func(field string, want, got any) {
		out = append(out, Mismatch{Case: name, Field: field, Want: fmt.Sprint(want), Got: fmt.Sprint(got)})
	}

	configErr := res.Err != nil && len(res.Tuples) == 0
	if e.Error != configErr {
		got := "no error"
		if res.Err != nil {
			got = res.Err.Error()
		}
		add("configuration error", e.Error, got)
	}
	if e.Verdict != "" && e.Verdict != res.Verdict.String() {
		add("verdict", e.Verdict, res.Verdict)
	}

	counts := res.Counts()
	for _, c := range []struct {
		field string
		want  *int
		got   int
	}{
		{"started", e.Started, counts.Started},
		{"passed", e.Passed, counts.Passed},
		{"aborted", e.Aborted, counts.Aborted},
		{"failed", e.Failed, counts.Failed},
		{"skipped", e.Skipped, counts.Skipped},
	} {
		if c.want != nil && *c.want != c.got {
			add(c.field, *c.want, c.got)
		}
	}
	return out
}
