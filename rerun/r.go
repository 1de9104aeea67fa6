package rerun

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"rerunner/internal/params"
	"rerunner/internal/retry"
)

// R 单次尝试的上下文，与 testing.T 的失败方法兼容
type R struct {
	attempt int
	args    params.Tuple

	fail   bool
	stop   bool
	cause  error
	output []string
}

var attemptFailed = struct{}{}

// AttemptError 一次失败尝试的汇总错误
// 消息为该次尝试的全部输出，参与相同失败签名的计算
type AttemptError struct {
	Msg string
	Err error
}

func (e *AttemptError) Error() string {
	return e.Msg
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

func (r *R) Helper() {}

// Attempt 当前尝试序号，从 1 开始
func (r *R) Attempt() int {
	return r.attempt
}

// Args 当前参数元组，非参数化时为空
func (r *R) Args() params.Tuple {
	return r.args
}

func (r *R) Log(args ...any) {
	r.log(fmt.Sprint(args...))
}

func (r *R) Logf(format string, args ...any) {
	r.log(fmt.Sprintf(format, args...))
}

func (r *R) FailNow() {
	r.fail = true
	panic(attemptFailed)
}

func (r *R) Fatal(args ...any) {
	r.log(fmt.Sprint(args...))
	r.FailNow()
}

func (r *R) Fatalf(format string, args ...any) {
	r.log(fmt.Sprintf(format, args...))
	r.FailNow()
}

func (r *R) Error(args ...any) {
	r.log(fmt.Sprint(args...))
	r.fail = true
}

func (r *R) Errorf(format string, args ...any) {
	r.log(fmt.Sprintf(format, args...))
	r.fail = true
}

// Check err 非 nil 时结束本次尝试，err 参与 RetryOn 匹配
func (r *R) Check(err error) {
	if err != nil {
		r.log(err.Error())
		if r.cause == nil {
			r.cause = err
		}
		r.FailNow()
	}
}

// Stop 以不可重试的错误结束本次尝试，不再重试
func (r *R) Stop(err error) {
	r.log(err.Error())
	if r.cause == nil {
		r.cause = err
	}
	r.stop = true
	r.FailNow()
}

// Failed 本次尝试是否已失败
func (r *R) Failed() bool {
	return r.fail
}

func (r *R) log(s string) {
	r.output = append(r.output, decorate(s))
}

// err 把本次尝试的结果转换为测试体的返回值
func (r *R) err() error {
	if !r.fail {
		return nil
	}
	msg := strings.Join(r.output, "\n")
	if msg == "" {
		msg = "attempt failed"
	}
	err := error(&AttemptError{Msg: msg, Err: r.cause})
	if r.stop {
		return retry.MarkFatal(err)
	}
	return err
}

func decorate(s string) string {
	_, file, line, ok := runtime.Caller(3)
	if ok {
		n := strings.LastIndex(file, "/")
		if n >= 0 {
			file = file[n+1:]
		}
	} else {
		file = "???"
		line = 1
	}
	return fmt.Sprintf("%s:%d: %s", file, line, s)
}

// IsAttemptError 判断错误是否来自 R 的失败方法
func IsAttemptError(err error) bool {
	var ae *AttemptError
	return errors.As(err, &ae)
}
