package runner

import "context"

type attemptKey struct{}

// AttemptInfo 当前尝试的信息，通过测试体的 ctx 传递
type AttemptInfo struct {
	RunID       string
	Case        string
	TupleIndex  int
	Attempt     int
	Total       int
	DisplayName string
}

func withAttempt(ctx context.Context, rec AttemptRecord) context.Context {
	return context.WithValue(ctx, attemptKey{}, AttemptInfo{
		RunID:       rec.RunID,
		Case:        rec.Case,
		TupleIndex:  rec.TupleIndex,
		Attempt:     rec.Attempt,
		Total:       rec.Total,
		DisplayName: rec.DisplayName,
	})
}

// AttemptFromContext 从测试体的 ctx 中取出当前尝试信息
func AttemptFromContext(ctx context.Context) (AttemptInfo, bool) {
	info, ok := ctx.Value(attemptKey{}).(AttemptInfo)
	return info, ok
}
