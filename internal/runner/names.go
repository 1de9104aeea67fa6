package runner

import (
	"fmt"
	"strconv"
	"strings"

	"rerunner/internal/params"
	"rerunner/internal/retry"
)

// NameValues 显示名模板占位符的取值
type NameValues struct {
	DisplayName       string
	CurrentRepetition int
	TotalRepetitions  int
	Index             int // 参数元组序号，从 1 开始
	Arguments         params.Tuple
}

// RenderName 渲染显示名模板
// 支持 {displayName} {currentRepetition} {totalRepetitions} {index} {arguments} 以及 {0} {1} … 位置参数
func RenderName(template string, v NameValues) string {
	pairs := []string{
		"{displayName}", v.DisplayName,
		"{currentRepetition}", strconv.Itoa(v.CurrentRepetition),
		"{totalRepetitions}", strconv.Itoa(v.TotalRepetitions),
		"{index}", strconv.Itoa(v.Index),
		"{arguments}", v.Arguments.String(),
	}
	for i, arg := range v.Arguments {
		pairs = append(pairs, "{"+strconv.Itoa(i)+"}", fmt.Sprint(arg))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// tupleName 参数元组的显示名，非参数化用例使用用例名
func tupleName(tc TestCase, policy retry.Policy, index int, args params.Tuple) string {
	if !tc.Parameterized() {
		return tc.Name
	}
	return RenderName(policy.Name, NameValues{
		DisplayName: tc.Name,
		Index:       index,
		Arguments:   args,
	})
}

// attemptName 单次尝试的显示名
// 非参数化用例渲染 Name 模板，参数化用例在元组显示名后追加 RepeatedName 模板
func attemptName(tc TestCase, policy retry.Policy, tuple string, index, current int, args params.Tuple) string {
	v := NameValues{
		DisplayName:       tc.Name,
		CurrentRepetition: current,
		TotalRepetitions:  policy.Budget(),
		Index:             index,
		Arguments:         args,
	}
	if !tc.Parameterized() {
		return RenderName(policy.Name, v)
	}
	return tuple + RenderName(policy.RepeatedName, v)
}
