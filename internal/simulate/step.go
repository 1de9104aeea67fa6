package simulate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rerunner/internal/retry"
)

// Action 一次尝试的脚本动作
type Action string

const (
	ActionPass  Action = "pass"  // 测试体正常返回
	ActionFail  Action = "fail"  // 返回脚本错误，是否可重试由 retry_on 决定
	ActionFatal Action = "fatal" // 返回被标记为致命的错误
	ActionPanic Action = "panic" // 测试体 panic
	ActionHang  Action = "hang"  // 阻塞直到尝试超时或被取消
)

// DefaultKind 未指定类别时脚本错误的类别名
const DefaultKind = "failure"

// Step 脚本中的一步，可以写成字符串 "fail: connection reset" 或映射
//
//	{action: fail, kind: io, message: disk busy, delay: 20ms}
type Step struct {
	Action  Action        `yaml:"action"`
	Kind    string        `yaml:"kind,omitempty"`
	Message string        `yaml:"message,omitempty"`
	Delay   time.Duration `yaml:"delay,omitempty"`
}

// UnmarshalYAML 支持字符串简写和完整映射两种写法
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		step, err := ParseStep(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*s = step
		return nil

	case yaml.MappingNode:
		type plain Step
		var raw plain
		if err := node.Decode(&raw); err != nil {
			return err
		}
		step := Step(raw)
		if err := step.validate(); err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*s = step
		return nil

	default:
		return fmt.Errorf("line %d: step must be a string or a mapping", node.Line)
	}
}

// ParseStep 解析简写 "action" 或 "action: message"
func ParseStep(text string) (Step, error) {
	action, message, _ := strings.Cut(strings.TrimSpace(text), ":")
	step := Step{
		Action:  Action(strings.ToLower(strings.TrimSpace(action))),
		Message: strings.TrimSpace(message),
	}
	if err := step.validate(); err != nil {
		return Step{}, err
	}
	return step, nil
}

func (s Step) validate() error {
	switch s.Action {
	case ActionPass, ActionFail, ActionFatal, ActionPanic, ActionHang:
		return nil
	case "":
		return errors.New("step action is required")
	default:
		return fmt.Errorf("unknown step action %q", s.Action)
	}
}

func (s Step) kind() string {
	if s.Kind == "" {
		return DefaultKind
	}
	return s.Kind
}

func (s Step) message() string {
	if s.Message != "" {
		return s.Message
	}
	return fmt.Sprintf("scripted %s", s.Action)
}

// ScriptedError 脚本产生的错误，按 Kind 匹配 retry_on 中的类别
type ScriptedError struct {
	Kind    string
	Message string
}

func (e *ScriptedError) Error() string {
	return e.Kind + ": " + e.Message
}

// KindClass 匹配指定类别脚本错误的重试类别
func KindClass(kind string) retry.ErrorClass {
	return retry.Func(kind, func(err error) bool {
		var scripted *ScriptedError
		return errors.As(err, &scripted) && scripted.Kind == kind
	})
}

// run 执行这一步，返回值即本次尝试的结果
func (s Step) run(ctx context.Context) error {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	switch s.Action {
	case ActionFail:
		return &ScriptedError{Kind: s.kind(), Message: s.message()}
	case ActionFatal:
		return retry.MarkFatal(&ScriptedError{Kind: s.kind(), Message: s.message()})
	case ActionPanic:
		panic(s.message())
	case ActionHang:
		<-ctx.Done()
		return ctx.Err()
	default:
		return nil
	}
}
