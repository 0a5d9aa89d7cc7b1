package toolerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"retryable", Retryable("rate limited", nil), ClassRetryable},
		{"fatal", Fatal("bad input", nil), ClassFatal},
		{"plain error is fatal", errors.New("boom"), ClassFatal},
		{"wrapped retryable", fmt.Errorf("call: %w", Retryablef("timeout after %ds", 3)), ClassRetryable},
		{"outer classification wins", Fatal("giving up", Retryable("busy", nil)), ClassFatal},
		{"unclassified outer defers to cause", &ToolError{Message: "x", Cause: Retryable("busy", nil)}, ClassRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ClassOf(tc.err))
		})
	}
	require.False(t, IsRetryable(nil))
}

func TestMessageDefaultsAndChain(t *testing.T) {
	cause := errors.New("connection reset")
	err := Retryable("", cause)
	require.Equal(t, "connection reset", err.Error())
	require.NotNil(t, err.Cause)

	require.Equal(t, "capability error", Fatal("", nil).Error())

	var te *ToolError
	require.True(t, errors.As(fmt.Errorf("wrap: %w", err), &te))
	require.Same(t, err, te)
}

func TestFromErrorPreservesChain(t *testing.T) {
	inner := errors.New("inner")
	outer := fmt.Errorf("outer: %w", inner)
	te := FromError(outer)
	require.Equal(t, "outer: inner", te.Message)
	require.NotNil(t, te.Cause)
	require.Equal(t, "inner", te.Cause.Message)
	require.Nil(t, FromError(nil))
	var nilErr *ToolError
	require.Equal(t, "", nilErr.Error())
	require.NoError(t, nilErr.Unwrap())
}
