package bedrock_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"goa.design/taskrun/features/model/bedrock"
	"goa.design/taskrun/runtime/task/model"
	"goa.design/taskrun/runtime/task/tools"
)

func TestSubmitToolUseAndResume(t *testing.T) {
	mock := &mockRuntime{outputs: []*bedrockruntime.ConverseOutput{
		{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: "let me check"},
					&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String("tu-1"),
						Name:      aws.String("calc_add"),
						Input:     document.NewLazyDocument(&map[string]any{"value": 42}),
					}},
				},
			}},
			Usage: &brtypes.TokenUsage{
				InputTokens:  aws.Int32(100),
				OutputTokens: aws.Int32(20),
				TotalTokens:  aws.Int32(120),
			},
			StopReason: brtypes.StopReasonToolUse,
		},
		{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "forty-two"}},
			}},
			StopReason: brtypes.StopReasonEndTurn,
		},
	}}
	provider, err := bedrock.New(mock, bedrock.Options{
		Model:     "anthropic.claude-3",
		MaxTokens: 512,
		Pricing:   model.Pricing{InputPerMTok: 3, OutputPerMTok: 15},
	})
	require.NoError(t, err)
	caps := []tools.Spec{{Name: "calc.add", Description: "calculator", InputSchema: json.RawMessage(`{"type":"object"}`)}}

	first, err := provider.Submit(context.Background(), &model.Request{System: "You are smart.", Instruction: "hi", Capabilities: caps})
	require.NoError(t, err)
	require.Equal(t, model.KindCapabilityRequests, first.Kind)
	require.Len(t, first.Requests, 1)
	require.Equal(t, "calc.add", first.Requests[0].Name)
	require.Equal(t, "tu-1", first.Requests[0].ID)
	require.JSONEq(t, `{"value":42}`, string(first.Requests[0].Input))
	require.Equal(t, model.TokenUsage{InputTokens: 100, OutputTokens: 20}, first.Usage)
	require.InDelta(t, 100*3/1e6+20*15/1e6, first.Cost, 1e-12)

	in := mock.inputs[0]
	require.Equal(t, "anthropic.claude-3", aws.ToString(in.ModelId))
	require.Len(t, in.System, 1)
	require.Len(t, in.Messages, 1)
	require.EqualValues(t, 512, aws.ToInt32(in.InferenceConfig.MaxTokens))
	require.Len(t, in.ToolConfig.Tools, 1)
	spec := in.ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec).Value
	require.Equal(t, "calc_add", aws.ToString(spec.Name))

	second, err := provider.Submit(context.Background(), &model.Request{
		Handle:       first.Handle,
		Capabilities: caps,
		Observations: []model.Observation{{RequestID: "tu-1", Capability: "calc.add", Error: "division by zero"}},
	})
	require.NoError(t, err)
	require.Equal(t, model.KindFinalAnswer, second.Kind)
	require.JSONEq(t, `{"text":"forty-two"}`, string(second.Payload))

	msgs := mock.inputs[1].Messages
	require.Len(t, msgs, 3)
	require.Equal(t, brtypes.ConversationRoleAssistant, msgs[1].Role)
	result, ok := msgs[2].Content[0].(*brtypes.ContentBlockMemberToolResult)
	require.True(t, ok)
	require.Equal(t, "tu-1", aws.ToString(result.Value.ToolUseId))
	require.Equal(t, brtypes.ToolResultStatusError, result.Value.Status)
}

func TestNewValidation(t *testing.T) {
	_, err := bedrock.New(nil, bedrock.Options{Model: "m"})
	require.Error(t, err)
	_, err = bedrock.New(&mockRuntime{}, bedrock.Options{})
	require.Error(t, err)
}

type mockRuntime struct {
	inputs  []*bedrockruntime.ConverseInput
	outputs []*bedrockruntime.ConverseOutput
}

func (m *mockRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.inputs = append(m.inputs, params)
	out := m.outputs[0]
	m.outputs = m.outputs[1:]
	return out, nil
}
