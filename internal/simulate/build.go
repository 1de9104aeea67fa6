package simulate

import (
	"context"
	"errors"
	"iter"
	"slices"

	"rerunner/internal/params"
	"rerunner/internal/retry"
	"rerunner/internal/runner"
)

// Build 把场景转换为运行器用例，返回解析 ref 引用所需的注册表
// 每个用例的策略从 defaults 出发，覆盖场景中显式设置的字段
func Build(sc *Scenario, defaults retry.Policy) ([]runner.TestCase, *params.Registry, error) {
	registry := params.NewRegistry()
	for name, spec := range sc.Providers {
		if err := registry.Register(name, providerFunc(spec)); err != nil {
			return nil, nil, err
		}
	}

	cases := make([]runner.TestCase, 0, len(sc.Cases))
	for _, spec := range sc.Cases {
		cases = append(cases, runner.TestCase{
			Name:   spec.Name,
			Policy: spec.Policy.apply(defaults),
			Source: spec.Arguments.source(),
			Body:   scriptedBody(spec),
		})
	}
	return cases, registry, nil
}

func providerFunc(spec ProviderSpec) params.ProviderFunc {
	return func() (iter.Seq[params.Tuple], error) {
		if spec.Error != "" {
			return nil, errors.New(spec.Error)
		}
		return func(yield func(params.Tuple) bool) {
			for _, t := range spec.Tuples {
				if !yield(params.Args(t...)) {
					return
				}
			}
		}, nil
	}
}

func (p PolicySpec) apply(defaults retry.Policy) retry.Policy {
	policy := defaults
	policy.RetryOn = slices.Clone(defaults.RetryOn)

	// 非零即覆盖，非法取值留给运行器作为配置错误报告
	if p.Repeats != 0 {
		policy.Repeats = p.Repeats
	}
	if p.MinSuccess != 0 {
		policy.MinSuccess = p.MinSuccess
	}
	if p.MaxIdenticalFailures != 0 {
		policy.MaxIdenticalFailures = p.MaxIdenticalFailures
	}
	if p.Suspend != 0 {
		policy.Suspend = p.Suspend
	}
	if p.Name != "" {
		policy.Name = p.Name
	}
	if p.RepeatedName != "" {
		policy.RepeatedName = p.RepeatedName
	}

	if len(p.RetryOn) > 0 {
		policy.RetryOn = make([]retry.ErrorClass, 0, len(p.RetryOn))
		for _, kind := range p.RetryOn {
			if kind == "any" {
				policy.RetryOn = append(policy.RetryOn, retry.AnyError())
				continue
			}
			policy.RetryOn = append(policy.RetryOn, KindClass(kind))
		}
	}
	return policy
}

func (a *ArgumentsSpec) source() params.Source {
	switch {
	case a == nil:
		return nil
	case a.Ref != "":
		return params.Ref(a.Ref)
	case a.Tuples != nil:
		tuples := make([]params.Tuple, len(a.Tuples))
		for i, t := range a.Tuples {
			tuples[i] = params.Args(t...)
		}
		return params.Tuples(tuples...)
	case a.Values != nil:
		return params.Values(a.Values...)
	default:
		// arguments 段存在但为空，作为空来源报告
		return params.Values()
	}
}

// scriptedBody 按 (元组序号, 尝试序号) 查脚本，无需在闭包中保存可变状态
func scriptedBody(spec CaseSpec) runner.Body {
	return func(ctx context.Context, _ params.Tuple) error {
		info, _ := runner.AttemptFromContext(ctx)
		return spec.stepFor(info.TupleIndex, info.Attempt).run(ctx)
	}
}

// stepFor 脚本用尽后重复最后一步，空脚本视为一直通过
func (spec CaseSpec) stepFor(tuple, attempt int) Step {
	script, ok := spec.Tuples[tuple]
	if !ok {
		script = spec.Script
	}
	if len(script) == 0 {
		return Step{Action: ActionPass}
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i]
}
