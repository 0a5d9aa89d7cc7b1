// Package openai provides a model.Provider backed by the OpenAI Chat
// Completions API using github.com/sashabaranov/go-openai. Like the Anthropic
// provider it keeps conversations in a transcript.Store keyed by the returned
// conversation handle and replays them on every submission.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/taskrun/features/model/transcript"
	"goa.design/taskrun/runtime/task/model"
	"goa.design/taskrun/runtime/task/tools"
)

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
			openai.ChatCompletionResponse, error)
	}

	// Options configures the OpenAI provider.
	Options struct {
		// Model is the chat model identifier. Required.
		Model string
		// MaxTokens caps each completion when positive.
		MaxTokens int
		// Temperature is sent when positive.
		Temperature float32
		// Pricing converts token usage into spend.
		Pricing model.Pricing
		// Transcripts persists conversations. Defaults to an in-memory store.
		Transcripts transcript.Store
	}

	// Provider implements model.Provider via the OpenAI Chat Completions API.
	Provider struct {
		chat        ChatClient
		model       string
		maxTokens   int
		temperature float32
		pricing     model.Pricing
		transcripts transcript.Store
	}
)

var _ model.Provider = (*Provider)(nil)

// New builds an OpenAI-backed provider from the provided chat client.
func New(chat ChatClient, opts Options) (*Provider, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	transcripts := opts.Transcripts
	if transcripts == nil {
		transcripts = transcript.NewMemory()
	}
	return &Provider{
		chat:        chat,
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		pricing:     opts.Pricing,
		transcripts: transcripts,
	}, nil
}

// NewFromAPIKey constructs a provider using the default go-openai HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(openai.NewClient(apiKey), opts)
}

// Submit implements model.Provider.
func (p *Provider) Submit(ctx context.Context, req *model.Request) (*model.Response, error) {
	handle, conv, err := transcript.Begin(ctx, p.transcripts, req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	toolList, names, err := encodeTools(req.Capabilities)
	if err != nil {
		return nil, err
	}
	request := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    encodeMessages(req.System, conv, names),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		Tools:       toolList,
	}
	response, err := p.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	resp, reply, err := translateResponse(response, names)
	if err != nil {
		return nil, err
	}
	resp.Handle = handle
	resp.Cost = p.pricing.Cost(resp.Usage)
	if err := p.transcripts.Save(ctx, handle, append(conv, reply)); err != nil {
		return nil, fmt.Errorf("openai: save transcript: %w", err)
	}
	return resp, nil
}

// encodeMessages renders the transcript as chat messages. Tool results become
// "tool" messages answering the preceding assistant tool calls.
func encodeMessages(system string, conv transcript.Transcript, names transcript.Names) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(conv)+1)
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range conv {
		switch m.Role {
		case transcript.RoleUser:
			for _, r := range m.ToolResults {
				msgs = append(msgs, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    r.Content,
					ToolCallID: r.ToolUseID,
				})
			}
			if m.Text != "" {
				msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Text})
			}
		case transcript.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Text}
			for _, u := range m.ToolUses {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   u.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      names.Provider(u.Name),
						Arguments: string(u.Input),
					},
				})
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func encodeTools(specs []tools.Spec) ([]openai.Tool, transcript.Names, error) {
	names, err := transcript.EncodeNames(specs)
	if err != nil {
		return nil, transcript.Names{}, fmt.Errorf("openai: %w", err)
	}
	if len(specs) == 0 {
		return nil, names, nil
	}
	toolList := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			continue
		}
		params := spec.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		toolList = append(toolList, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        names.Provider(spec.Name),
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return toolList, names, nil
}

func translateResponse(resp openai.ChatCompletionResponse, names transcript.Names) (*model.Response, transcript.Message, error) {
	if len(resp.Choices) == 0 {
		return nil, transcript.Message{}, errors.New("openai: response has no choices")
	}
	msg := resp.Choices[0].Message
	var uses []transcript.ToolUse
	for _, call := range msg.ToolCalls {
		uses = append(uses, transcript.ToolUse{
			ID:    call.ID,
			Name:  names.Canonical(call.Function.Name),
			Input: parseArguments(call.Function.Arguments),
		})
	}
	out, reply := transcript.Reply(msg.Content, uses)
	out.Usage = model.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return out, reply, nil
}

// parseArguments keeps valid JSON arguments and wraps anything else so the
// registry reports a schema violation instead of the transcript breaking.
func parseArguments(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": raw})
	return wrapped
}

func isRateLimited(err error) bool {
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	var reqErr *openai.RequestError
	return errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests
}
