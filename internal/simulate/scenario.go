package simulate

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// ErrInvalidScenario 场景文件结构错误
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario 一个场景文件：一组用例和可被引用的具名参数提供者
type Scenario struct {
	Name      string                  `yaml:"name"`
	Providers map[string]ProviderSpec `yaml:"providers,omitempty"`
	Cases     []CaseSpec              `yaml:"cases"`
}

// ProviderSpec 具名提供者，Error 非空时模拟提供者调用失败
type ProviderSpec struct {
	Tuples [][]any `yaml:"tuples,omitempty"`
	Error  string  `yaml:"error,omitempty"`
}

// CaseSpec 场景中的一个用例
type CaseSpec struct {
	Name      string         `yaml:"name"`
	Policy    PolicySpec     `yaml:"policy"`
	Arguments *ArgumentsSpec `yaml:"arguments,omitempty"`
	Script    []Step         `yaml:"script"`           // 所有元组共用的尝试脚本
	Tuples    map[int][]Step `yaml:"tuples,omitempty"` // 按元组序号（从1开始）覆盖脚本
	Expect    *Expectation   `yaml:"expect,omitempty"`
}

// PolicySpec 用例策略，未设置的字段使用配置中的默认策略
type PolicySpec struct {
	Repeats              int           `yaml:"repeats,omitempty"`
	MinSuccess           int           `yaml:"min_success,omitempty"`
	RetryOn              []string      `yaml:"retry_on,omitempty"` // 错误类别名，为空表示任意错误
	MaxIdenticalFailures int           `yaml:"max_identical_failures,omitempty"`
	Suspend              time.Duration `yaml:"suspend,omitempty"`
	Name                 string        `yaml:"name,omitempty"`
	RepeatedName         string        `yaml:"repeated_name,omitempty"`
}

// ArgumentsSpec 参数来源，三者只能选其一
type ArgumentsSpec struct {
	Values []any   `yaml:"values,omitempty"`
	Tuples [][]any `yaml:"tuples,omitempty"`
	Ref    string  `yaml:"ref,omitempty"`
}

// Expectation 期望的汇总计数，未设置的字段不检查
type Expectation struct {
	Verdict string `yaml:"verdict,omitempty"`
	Started *int   `yaml:"started,omitempty"`
	Passed  *int   `yaml:"passed,omitempty"`
	Aborted *int   `yaml:"aborted,omitempty"`
	Failed  *int   `yaml:"failed,omitempty"`
	Skipped *int   `yaml:"skipped,omitempty"`
	Error   bool   `yaml:"error,omitempty"` // 期望配置错误
}

// Load 读取并校验场景文件
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse 解析并校验场景
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate 检查场景结构，一次报告全部问题
// 策略本身的取值范围由运行器校验，作为用例的配置错误上报
func (sc *Scenario) Validate() error {
	var result *multierror.Error

	if len(sc.Cases) == 0 {
		result = multierror.Append(result, errors.New("no cases declared"))
	}

	seen := make(map[string]bool, len(sc.Cases))
	for i, c := range sc.Cases {
		label := fmt.Sprintf("cases[%d]", i)
		if strings.TrimSpace(c.Name) == "" {
			result = multierror.Append(result, fmt.Errorf("%s: name is required", label))
		} else {
			label = fmt.Sprintf("case %q", c.Name)
			if seen[c.Name] {
				result = multierror.Append(result, fmt.Errorf("%s: duplicate name", label))
			}
			seen[c.Name] = true
		}

		if a := c.Arguments; a != nil {
			declared := 0
			if a.Values != nil {
				declared++
			}
			if a.Tuples != nil {
				declared++
			}
			if a.Ref != "" {
				declared++
			}
			if declared > 1 {
				result = multierror.Append(result, fmt.Errorf("%s: arguments must declare only one of values, tuples or ref", label))
			}
		}

		for index := range c.Tuples {
			if index < 1 {
				result = multierror.Append(result, fmt.Errorf("%s: tuple script index %d must start at 1", label, index))
			}
		}

		if c.Expect != nil && c.Expect.Verdict != "" {
			switch c.Expect.Verdict {
			case "passed", "failed":
			default:
				result = multierror.Append(result, fmt.Errorf("%s: unknown expected verdict %q", label, c.Expect.Verdict))
			}
		}
	}

	for name, p := range sc.Providers {
		if strings.TrimSpace(name) == "" {
			result = multierror.Append(result, errors.New("provider name is required"))
		}
		if p.Error != "" && len(p.Tuples) > 0 {
			result = multierror.Append(result, fmt.Errorf("provider %q: error and tuples are exclusive", name))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	return nil
}
