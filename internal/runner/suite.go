package runner

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Suite 并发运行相互独立的测试用例，每个用例拥有自己的状态
type Suite struct {
	runner      *Runner
	parallelism int
}

// NewSuite 创建用例集，parallelism <= 0 时不限制并发
func NewSuite(r *Runner, parallelism int) *Suite {
	return &Suite{runner: r, parallelism: parallelism}
}

// Run 运行所有用例，结果顺序与输入一致
// 单个用例的错误不会取消其他用例，所有错误聚合后返回
func (s *Suite) Run(ctx context.Context, cases []TestCase) ([]CaseResult, error) {
	results := make([]CaseResult, len(cases))
	errs := make([]error, len(cases))

	var g errgroup.Group
	if s.parallelism > 0 {
		g.SetLimit(s.parallelism)
	}

	for i, tc := range cases {
		g.Go(func() error {
			results[i], errs[i] = s.runner.Run(ctx, tc)
			return nil
		})
	}
	_ = g.Wait()

	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return results, result.ErrorOrNil()
}
