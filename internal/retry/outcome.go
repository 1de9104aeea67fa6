package retry

import (
	"errors"
	"fmt"
	"reflect"
)

// OutcomeKind 单次尝试的结果类别
type OutcomeKind int

const (
	OutcomeSuccess   OutcomeKind = iota // 正常返回
	OutcomeRetryable                    // 可重试错误
	OutcomeFatal                        // 不可重试错误、超时或取消
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Signature 失败签名：错误的动态类型 + 消息
type Signature struct {
	Type    string
	Message string
}

func (s Signature) String() string {
	if s.Message == "" {
		return s.Type
	}
	return s.Type + ": " + s.Message
}

// SignatureOf 计算错误签名
// 类型取包装链最内层的错误，消息取完整的 Error() 文本
func SignatureOf(err error) Signature {
	if err == nil {
		return Signature{}
	}
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	return Signature{
		Type:    reflect.TypeOf(root).String(),
		Message: err.Error(),
	}
}

// Outcome 宿主提交给控制器的尝试结果
type Outcome struct {
	Kind      OutcomeKind
	Err       error
	Signature Signature
}

// Success 成功结果
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// Retryable 可重试失败结果
func Retryable(err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: err, Signature: SignatureOf(err)}
}

// Fatal 致命失败结果，立即终止
func Fatal(err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Err: err, Signature: SignatureOf(err)}
}

// FatalError 强制按致命错误处理的包装，不受 RetryOn 影响
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// MarkFatal 包装错误使其不可重试
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}
