package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"rerunner/config"
)

// ErrInvalidPolicy 策略配置错误（ConfigurationError），在任何尝试执行之前报告
var ErrInvalidPolicy = errors.New("invalid retry policy")

const (
	// DefaultName 非参数化用例的默认显示名模板
	DefaultName = "Repetition {currentRepetition} of {totalRepetitions}"
	// DefaultParameterizedName 参数化用例的默认显示名模板
	DefaultParameterizedName = "[{index}] {arguments}"
	// DefaultRepeatedName 参数化用例重复时追加的显示名模板
	DefaultRepeatedName = " (Repeat {currentRepetition} of {totalRepetitions})"
)

// Policy 单个测试用例的重试策略
// 不可变：创建后由宿主传入控制器，同一用例的所有参数元组共享
type Policy struct {
	Repeats              int           // 首次尝试之外允许的额外尝试次数，预算 = Repeats + 1
	MinSuccess           int           // 判定通过所需的最少成功次数
	RetryOn              []ErrorClass  // 可重试的错误类别，为空表示任意错误
	MaxIdenticalFailures int           // 相同失败签名的连续上限，0 表示不限制
	Suspend              time.Duration // 每次重试前的等待时间（首次尝试不等待）
	Name                 string        // 显示名模板
	RepeatedName         string        // 参数化重复显示名模板
}

// DefaultPolicy 返回文档约定的默认策略：repeats=1, minSuccess=1, 任意错误可重试
func DefaultPolicy() Policy {
	return Policy{
		Repeats:    1,
		MinSuccess: 1,
		Name:       DefaultName,
	}
}

// NewPolicyFromConfig 从配置文件的默认策略段构建策略
// 未配置的字段使用默认值
func NewPolicyFromConfig(cfg *config.Config) Policy {
	policy := DefaultPolicy()
	if cfg == nil {
		return policy
	}

	if cfg.Defaults.Repeats > 0 {
		policy.Repeats = cfg.Defaults.Repeats
	}
	if cfg.Defaults.MinSuccess > 0 {
		policy.MinSuccess = cfg.Defaults.MinSuccess
	}
	if cfg.Defaults.MaxIdenticalFailures > 0 {
		policy.MaxIdenticalFailures = cfg.Defaults.MaxIdenticalFailures
	}
	if cfg.Defaults.Suspend > 0 {
		policy.Suspend = cfg.Defaults.Suspend
	}
	if cfg.Defaults.Name != "" {
		policy.Name = cfg.Defaults.Name
	}
	if cfg.Defaults.RepeatedName != "" {
		policy.RepeatedName = cfg.Defaults.RepeatedName
	}

	return policy
}

// WithDefaults 返回填充了零值字段的策略副本
// parameterized 决定显示名模板的默认值
func (p Policy) WithDefaults(parameterized bool) Policy {
	if p.Repeats == 0 {
		p.Repeats = 1
	}
	if p.MinSuccess == 0 {
		p.MinSuccess = 1
	}
	if p.Name == "" {
		if parameterized {
			p.Name = DefaultParameterizedName
		} else {
			p.Name = DefaultName
		}
	}
	if parameterized && p.RepeatedName == "" {
		p.RepeatedName = DefaultRepeatedName
	}
	return p
}

// Budget 尝试预算（首次尝试 + 重复次数）
func (p Policy) Budget() int {
	return p.Repeats + 1
}

// Validate 校验策略，一次性返回所有违规项
func (p Policy) Validate() error {
	var result *multierror.Error

	if p.Repeats < 1 {
		result = multierror.Append(result, fmt.Errorf("repeats must be >= 1, got %d", p.Repeats))
	}
	if p.MinSuccess < 1 {
		result = multierror.Append(result, fmt.Errorf("minSuccess must be >= 1, got %d", p.MinSuccess))
	}
	if p.Repeats >= 1 && p.MinSuccess > p.Budget() {
		result = multierror.Append(result, fmt.Errorf("minSuccess %d exceeds attempt budget %d (repeats + 1)", p.MinSuccess, p.Budget()))
	}
	if p.MaxIdenticalFailures < 0 {
		result = multierror.Append(result, fmt.Errorf("maxIdenticalFailures must be >= 0, got %d", p.MaxIdenticalFailures))
	}
	if p.Suspend < 0 {
		result = multierror.Append(result, fmt.Errorf("suspend must be >= 0, got %v", p.Suspend))
	}
	for i, class := range p.RetryOn {
		if class == nil {
			result = multierror.Append(result, fmt.Errorf("retryOn[%d] is nil", i))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	return nil
}

// Retryable 判断错误是否属于可重试类别
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, class := range p.RetryOn {
		if class != nil && class.Match(err) {
			return true
		}
	}
	return false
}

// Classify 将测试体的返回值翻译为控制器词汇
func (p Policy) Classify(err error) Outcome {
	switch {
	case err == nil:
		return Success()
	case p.Retryable(err):
		return Retryable(err)
	default:
		return Fatal(err)
	}
}
