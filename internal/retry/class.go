package retry

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrorClass 可重试错误类别，对应"异常类型"白名单中的一项
type ErrorClass interface {
	Name() string
	Match(err error) bool
}

type anyError struct{}

func (anyError) Name() string         { return "any" }
func (anyError) Match(err error) bool { return err != nil }

// AnyError 匹配任意错误
func AnyError() ErrorClass {
	return anyError{}
}

type sentinelClass struct {
	target error
}

func (c sentinelClass) Name() string         { return c.target.Error() }
func (c sentinelClass) Match(err error) bool { return errors.Is(err, c.target) }

// Is 按 errors.Is 匹配哨兵错误
func Is(target error) ErrorClass {
	return sentinelClass{target: target}
}

type typeClass[T error] struct{}

func (typeClass[T]) Name() string {
	return reflect.TypeFor[T]().String()
}

func (typeClass[T]) Match(err error) bool {
	var target T
	return errors.As(err, &target)
}

// As 按 errors.As 匹配错误类型（含包装链）
func As[T error]() ErrorClass {
	return typeClass[T]{}
}

type funcClass struct {
	name  string
	match func(error) bool
}

func (c funcClass) Name() string         { return c.name }
func (c funcClass) Match(err error) bool { return c.match(err) }

// Func 自定义匹配函数
func Func(name string, match func(error) bool) ErrorClass {
	if match == nil {
		panic(fmt.Sprintf("retry: nil matcher for error class %q", name))
	}
	return funcClass{name: name, match: match}
}
