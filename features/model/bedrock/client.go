// Package bedrock provides a model.Provider backed by the AWS Bedrock Converse
// API. Conversations are kept in a transcript.Store keyed by the returned
// conversation handle, re-encoded into Converse messages on every submission
// and translated back from text and tool_use blocks.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/taskrun/features/model/transcript"
	"goa.design/taskrun/runtime/task/model"
	"goa.design/taskrun/runtime/task/telemetry"
	"goa.design/taskrun/runtime/task/tools"
)

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. It matches *bedrockruntime.Client so callers
	// can pass either the real client or a mock in tests.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock provider.
	Options struct {
		// Model is the Bedrock model identifier. Required.
		Model string
		// MaxTokens caps each completion. When zero, Bedrock uses its own
		// default.
		MaxTokens int
		// Temperature is sent when positive.
		Temperature float32
		// Pricing converts token usage into spend.
		Pricing model.Pricing
		// Transcripts persists conversations. Defaults to an in-memory store.
		Transcripts transcript.Store
		// Logger is used for non-fatal diagnostics.
		Logger telemetry.Logger
	}

	// Provider implements model.Provider on top of AWS Bedrock Converse.
	Provider struct {
		runtime     RuntimeClient
		model       string
		maxTokens   int
		temperature float32
		pricing     model.Pricing
		transcripts transcript.Store
		logger      telemetry.Logger
	}
)

var _ model.Provider = (*Provider)(nil)

// New builds a Bedrock-backed provider.
func New(rt RuntimeClient, opts Options) (*Provider, error) {
	if rt == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	transcripts := opts.Transcripts
	if transcripts == nil {
		transcripts = transcript.NewMemory()
	}
	return &Provider{
		runtime:     rt,
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		pricing:     opts.Pricing,
		transcripts: transcripts,
		logger:      telemetry.OrNoopLogger(opts.Logger),
	}, nil
}

// Submit implements model.Provider.
func (p *Provider) Submit(ctx context.Context, req *model.Request) (*model.Response, error) {
	handle, conv, err := transcript.Begin(ctx, p.transcripts, req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	toolConfig, names, err := p.encodeTools(ctx, req.Capabilities)
	if err != nil {
		return nil, err
	}
	messages, err := p.encodeMessages(ctx, conv, names)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(p.model),
		Messages:        messages,
		ToolConfig:      toolConfig,
		InferenceConfig: p.inferenceConfig(),
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	output, err := p.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}
	resp, reply, err := translateResponse(output, names)
	if err != nil {
		return nil, err
	}
	resp.Handle = handle
	resp.Cost = p.pricing.Cost(resp.Usage)
	if err := p.transcripts.Save(ctx, handle, append(conv, reply)); err != nil {
		return nil, fmt.Errorf("bedrock: save transcript: %w", err)
	}
	return resp, nil
}

func (p *Provider) inferenceConfig() *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if p.maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(p.maxTokens)) //nolint:gosec // AWS SDK requires int32
	}
	if p.temperature > 0 {
		cfg.Temperature = aws.Float32(p.temperature)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

// encodeMessages renders the transcript as Converse messages. Bedrock expects
// tool_result blocks in user messages, correlated to a prior tool_use.
func (p *Provider) encodeMessages(ctx context.Context, conv transcript.Transcript, names transcript.Names) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(conv))
	for _, m := range conv {
		blocks := make([]brtypes.ContentBlock, 0, len(m.ToolResults)+len(m.ToolUses)+1)
		for _, r := range m.ToolResults {
			tr := brtypes.ToolResultBlock{
				ToolUseId: aws.String(r.ToolUseID),
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: r.Content}},
			}
			if r.IsError {
				tr.Status = brtypes.ToolResultStatusError
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
		}
		if m.Text != "" {
			blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Text})
		}
		for _, u := range m.ToolUses {
			blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
				ToolUseId: aws.String(u.ID),
				Name:      aws.String(names.Provider(u.Name)),
				Input:     p.toDocument(ctx, u.Input),
			}})
		}
		if len(blocks) == 0 {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case transcript.RoleUser:
			role = brtypes.ConversationRoleUser
		case transcript.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		out = append(out, brtypes.Message{Role: role, Content: blocks})
	}
	if len(out) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return out, nil
}

func (p *Provider) encodeTools(ctx context.Context, specs []tools.Spec) (*brtypes.ToolConfiguration, transcript.Names, error) {
	names, err := transcript.EncodeNames(specs)
	if err != nil {
		return nil, transcript.Names{}, fmt.Errorf("bedrock: %w", err)
	}
	toolList := make([]brtypes.Tool, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			continue
		}
		// Bedrock rejects tool specifications without a description.
		desc := spec.Description
		if desc == "" {
			desc = spec.Name
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(names.Provider(spec.Name)),
			Description: aws.String(desc),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: p.toDocument(ctx, spec.InputSchema)},
		}})
	}
	if len(toolList) == 0 {
		return nil, names, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, names, nil
}

// toDocument decodes raw JSON into a lazy Smithy document. Empty or invalid
// input falls back to an empty object schema.
func (p *Provider) toDocument(ctx context.Context, raw json.RawMessage) document.Interface {
	var decoded any = map[string]any{"type": "object"}
	if len(raw) > 0 {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			p.logger.Error(ctx, "failed to unmarshal document", "component", "bedrock", "err", err)
		} else {
			decoded = v
		}
	}
	return document.NewLazyDocument(&decoded)
}

func translateResponse(output *bedrockruntime.ConverseOutput, names transcript.Names) (*model.Response, transcript.Message, error) {
	if output == nil {
		return nil, transcript.Message{}, errors.New("bedrock: response is nil")
	}
	var (
		text strings.Builder
		uses []transcript.ToolUse
	)
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				text.WriteString(v.Value)
			case *brtypes.ContentBlockMemberToolUse:
				input := decodeDocument(v.Value.Input)
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				uses = append(uses, transcript.ToolUse{
					ID:    aws.ToString(v.Value.ToolUseId),
					Name:  names.Canonical(aws.ToString(v.Value.Name)),
					Input: input,
				})
			}
		}
	}
	resp, reply := transcript.Reply(text.String(), uses)
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
		}
	}
	return resp, reply, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

// isRateLimited treats both HTTP 429 responses and throttling error codes as
// rate limiting.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}
