package bedrock

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"goa.design/taskrun/runtime/task/model"
)

type errorRuntimeClient struct {
	converseErr error
}

func (e *errorRuntimeClient) Converse(
	_ context.Context,
	_ *bedrockruntime.ConverseInput,
	_ ...func(*bedrockruntime.Options),
) (*bedrockruntime.ConverseOutput, error) {
	return nil, e.converseErr
}

func TestIsRateLimited_IdempotentOnSentinel(t *testing.T) {
	err := model.ErrRateLimited
	require.True(t, isRateLimited(err))

	wrapped := fmt.Errorf("provider: %w", err)
	require.True(t, isRateLimited(wrapped))

	require.True(t, isRateLimited(&smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}))
	require.False(t, isRateLimited(&smithy.GenericAPIError{Code: "ValidationException"}))
	require.False(t, isRateLimited(nil))
}

func TestSubmit_WrapsRateLimitedErrors(t *testing.T) {
	for _, cause := range []error{
		model.ErrRateLimited,
		&smithy.GenericAPIError{Code: "TooManyRequestsException"},
	} {
		provider, err := New(&errorRuntimeClient{converseErr: cause}, Options{Model: "test-model", MaxTokens: 10})
		require.NoError(t, err)
		_, err = provider.Submit(context.Background(), &model.Request{Instruction: "hello"})
		require.Error(t, err)
		require.ErrorIs(t, err, model.ErrRateLimited)
	}
}
