package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rerunner/config"
)

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name     string
		policy   Policy
		wantErr  bool
		contains []string
	}{
		{name: "default", policy: DefaultPolicy()},
		{name: "min success equals budget", policy: Policy{Repeats: 3, MinSuccess: 4}},
		{
			name:     "min success exceeds budget",
			policy:   Policy{Repeats: 1, MinSuccess: 3},
			wantErr:  true,
			contains: []string{"minSuccess 3 exceeds attempt budget 2"},
		},
		{
			name:     "zero values",
			policy:   Policy{},
			wantErr:  true,
			contains: []string{"repeats must be >= 1", "minSuccess must be >= 1"},
		},
		{
			name:     "negative suspend and cap",
			policy:   Policy{Repeats: 1, MinSuccess: 1, Suspend: -time.Second, MaxIdenticalFailures: -1},
			wantErr:  true,
			contains: []string{"suspend must be >= 0", "maxIdenticalFailures must be >= 0"},
		},
		{
			name:     "nil error class",
			policy:   Policy{Repeats: 1, MinSuccess: 1, RetryOn: []ErrorClass{AnyError(), nil}},
			wantErr:  true,
			contains: []string{"retryOn[1] is nil"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
			for _, s := range tt.contains {
				assert.Contains(t, err.Error(), s)
			}
		})
	}
}

func TestPolicy_WithDefaults(t *testing.T) {
	plain := Policy{}.WithDefaults(false)
	assert.Equal(t, 1, plain.Repeats)
	assert.Equal(t, 1, plain.MinSuccess)
	assert.Equal(t, DefaultName, plain.Name)
	assert.Empty(t, plain.RepeatedName)

	param := Policy{Repeats: 4}.WithDefaults(true)
	assert.Equal(t, 4, param.Repeats)
	assert.Equal(t, DefaultParameterizedName, param.Name)
	assert.Equal(t, DefaultRepeatedName, param.RepeatedName)
}

func TestNewPolicyFromConfig(t *testing.T) {
	assert.Equal(t, DefaultPolicy(), NewPolicyFromConfig(nil))

	cfg := &config.Config{
		Defaults: config.PolicyConfig{
			Repeats:              5,
			MinSuccess:           2,
			MaxIdenticalFailures: 3,
			Suspend:              250 * time.Millisecond,
			Name:                 "Attempt {currentRepetition}",
		},
	}
	policy := NewPolicyFromConfig(cfg)
	assert.Equal(t, 5, policy.Repeats)
	assert.Equal(t, 2, policy.MinSuccess)
	assert.Equal(t, 3, policy.MaxIdenticalFailures)
	assert.Equal(t, 250*time.Millisecond, policy.Suspend)
	assert.Equal(t, "Attempt {currentRepetition}", policy.Name)
}

func TestPolicy_Classify(t *testing.T) {
	errTransient := errors.New("transient")
	policy := Policy{Repeats: 1, MinSuccess: 1, RetryOn: []ErrorClass{
		Is(errTransient),
		As[*ioError](),
		Func("timeout", func(err error) bool { return errors.Is(err, context.DeadlineExceeded) }),
	}}

	assert.Equal(t, OutcomeSuccess, policy.Classify(nil).Kind)
	assert.Equal(t, OutcomeRetryable, policy.Classify(fmt.Errorf("wrapped: %w", errTransient)).Kind)
	assert.Equal(t, OutcomeRetryable, policy.Classify(&ioError{"disk"}).Kind)
	assert.Equal(t, OutcomeRetryable, policy.Classify(context.DeadlineExceeded).Kind)
	assert.Equal(t, OutcomeFatal, policy.Classify(&runtimeError{"nope"}).Kind)
	assert.Equal(t, OutcomeFatal, policy.Classify(MarkFatal(errTransient)).Kind)

	anyPolicy := DefaultPolicy()
	assert.Equal(t, OutcomeRetryable, anyPolicy.Classify(&runtimeError{"anything"}).Kind)
}

func TestSignatureOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", &ioError{"inner"})
	sig := SignatureOf(err)
	assert.Equal(t, "*retry.ioError", sig.Type)
	assert.Equal(t, "outer: inner", sig.Message)

	assert.Equal(t, SignatureOf(&runtimeError{"x"}), SignatureOf(&runtimeError{"x"}))
	assert.NotEqual(t, SignatureOf(&runtimeError{"x"}), SignatureOf(&nullPointerError{"x"}))
	assert.NotEqual(t, SignatureOf(&runtimeError{"x"}), SignatureOf(&runtimeError{"y"}))
	assert.Equal(t, Signature{}, SignatureOf(nil))
}

func TestErrorClassNames(t *testing.T) {
	assert.Equal(t, "any", AnyError().Name())
	assert.Equal(t, "*retry.ioError", As[*ioError]().Name())
	assert.Equal(t, "transient", Is(errors.New("transient")).Name())
	assert.Panics(t, func() { Func("broken", nil) })
}

func TestStatusOfAndTrailing(t *testing.T) {
	assert.Equal(t, StatusPassed, StatusOf(Success(), Decision{Kind: DecisionStopFailed}))
	assert.Equal(t, StatusAborted, StatusOf(Retryable(errIO), Decision{Kind: DecisionContinue}))
	assert.Equal(t, StatusAborted, StatusOf(Retryable(errIO), Decision{Kind: DecisionStopFailed, Suppressed: 1}))
	assert.Equal(t, StatusFailed, StatusOf(Retryable(errIO), Decision{Kind: DecisionStopFailed}))

	assert.Nil(t, Trailing(Decision{Kind: DecisionContinue}))
	assert.Equal(t,
		[]AttemptStatus{StatusAborted, StatusFailed, StatusSkipped},
		Trailing(Decision{Kind: DecisionStopFailed, Suppressed: 2, Skipped: 1}))
}
