package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TASKRUN_TEST_STR", "x")
	t.Setenv("TASKRUN_TEST_INT", "7")
	t.Setenv("TASKRUN_TEST_BAD_INT", "seven")
	t.Setenv("TASKRUN_TEST_FLOAT", "0.25")
	t.Setenv("TASKRUN_TEST_DUR", "90s")
	t.Setenv("TASKRUN_TEST_BOOL", "true")

	require.Equal(t, "x", envOr("TASKRUN_TEST_STR", "d"))
	require.Equal(t, "d", envOr("TASKRUN_TEST_UNSET", "d"))
	require.Equal(t, 7, envIntOr("TASKRUN_TEST_INT", 1))
	require.Equal(t, 1, envIntOr("TASKRUN_TEST_BAD_INT", 1))
	require.InDelta(t, 0.25, envFloatOr("TASKRUN_TEST_FLOAT", 1), 1e-9)
	require.Equal(t, 90*time.Second, envDurationOr("TASKRUN_TEST_DUR", time.Second))
	require.True(t, envBoolOr("TASKRUN_TEST_BOOL", false))
	require.False(t, envBoolOr("TASKRUN_TEST_UNSET", false))
}
