// Package anthropic provides a model.Provider backed by the Anthropic Claude
// Messages API. The Messages API is stateless, so the provider keeps the
// conversation transcript in a transcript.Store keyed by the conversation
// handle it returns: resuming a run with a stored handle replays the
// transcript and appends the new instruction or observations.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/taskrun/features/model/transcript"
	"goa.design/taskrun/runtime/task/model"
	"goa.design/taskrun/runtime/task/tools"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by the
	// adapter. It is satisfied by *sdk.MessageService so callers can pass either a
	// real client or a stub in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic provider.
	Options struct {
		// Model is the Claude model identifier. Use the typed model constants
		// from github.com/anthropics/anthropic-sdk-go (for example,
		// string(sdk.ModelClaudeSonnet4_5_20250929)). Required.
		Model string
		// MaxTokens caps each completion. Defaults to 4096.
		MaxTokens int
		// Temperature is sent when positive.
		Temperature float64
		// Pricing converts token usage into spend.
		Pricing model.Pricing
		// Transcripts persists conversations. Defaults to an in-memory store,
		// which does not survive process restarts.
		Transcripts transcript.Store
	}

	// Provider implements model.Provider on top of Anthropic Claude Messages.
	Provider struct {
		msg         MessagesClient
		model       string
		maxTokens   int
		temperature float64
		pricing     model.Pricing
		transcripts transcript.Store
	}
)

const defaultMaxTokens = 4096

var _ model.Provider = (*Provider)(nil)

// New builds an Anthropic-backed provider from the provided Messages client.
func New(msg MessagesClient, opts Options) (*Provider, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	transcripts := opts.Transcripts
	if transcripts == nil {
		transcripts = transcript.NewMemory()
	}
	return &Provider{
		msg:         msg,
		model:       opts.Model,
		maxTokens:   maxTokens,
		temperature: opts.Temperature,
		pricing:     opts.Pricing,
		transcripts: transcripts,
	}, nil
}

// NewFromAPIKey constructs a provider using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Submit implements model.Provider. It loads the transcript for req.Handle
// (starting a new conversation when empty), appends the user turn, calls the
// Messages API and stores the transcript extended with the assistant reply.
func (p *Provider) Submit(ctx context.Context, req *model.Request) (*model.Response, error) {
	handle, conv, err := transcript.Begin(ctx, p.transcripts, req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	params, names, err := p.params(req, conv)
	if err != nil {
		return nil, err
	}
	msg, err := p.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	resp, reply, err := translateResponse(msg, names)
	if err != nil {
		return nil, err
	}
	resp.Handle = handle
	resp.Cost = p.pricing.Cost(resp.Usage)

	if err := p.transcripts.Save(ctx, handle, append(conv, reply)); err != nil {
		return nil, fmt.Errorf("anthropic: save transcript: %w", err)
	}
	return resp, nil
}

func (p *Provider) params(req *model.Request, conv transcript.Transcript) (*sdk.MessageNewParams, transcript.Names, error) {
	toolList, names, err := encodeTools(req.Capabilities)
	if err != nil {
		return nil, transcript.Names{}, err
	}
	msgs, err := encodeTranscript(conv, names)
	if err != nil {
		return nil, transcript.Names{}, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(p.maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(p.model),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(toolList) > 0 {
		params.Tools = toolList
	}
	if p.temperature > 0 {
		params.Temperature = sdk.Float(p.temperature)
	}
	return &params, names, nil
}

func encodeTranscript(conv transcript.Transcript, names transcript.Names) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(conv))
	for _, m := range conv {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.ToolResults)+len(m.ToolUses)+1)
		for _, r := range m.ToolResults {
			blocks = append(blocks, sdk.NewToolResultBlock(r.ToolUseID, r.Content, r.IsError))
		}
		if m.Text != "" {
			blocks = append(blocks, sdk.NewTextBlock(m.Text))
		}
		for _, u := range m.ToolUses {
			blocks = append(blocks, sdk.NewToolUseBlock(u.ID, u.Input, names.Provider(u.Name)))
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case transcript.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case transcript.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	return out, nil
}

func encodeTools(specs []tools.Spec) ([]sdk.ToolUnionParam, transcript.Names, error) {
	names, err := transcript.EncodeNames(specs)
	if err != nil {
		return nil, transcript.Names{}, fmt.Errorf("anthropic: %w", err)
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			continue
		}
		schema, err := toolInputSchema(spec.InputSchema)
		if err != nil {
			return nil, transcript.Names{}, fmt.Errorf("anthropic: capability %q schema: %w", spec.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, names.Provider(spec.Name))
		if u.OfTool != nil && spec.Description != "" {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, names, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func isRateLimited(err error) bool {
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr *sdk.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// translateResponse maps the API reply to a model response and the transcript
// message recording it.
func translateResponse(msg *sdk.Message, names transcript.Names) (*model.Response, transcript.Message, error) {
	if msg == nil {
		return nil, transcript.Message{}, errors.New("anthropic: response message is nil")
	}
	var (
		text strings.Builder
		uses []transcript.ToolUse
	)
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			uses = append(uses, transcript.ToolUse{ID: block.ID, Name: names.Canonical(block.Name), Input: input})
		}
	}
	resp, reply := transcript.Reply(text.String(), uses)
	resp.Usage = model.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp, reply, nil
}
