// Package transcript records provider conversations in a provider-neutral form
// so stateless chat APIs can resume a run from an opaque conversation handle.
// Providers load the transcript stored for the handle, append the user turn
// built from the submission, call their API and save the transcript extended
// with the assistant reply.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"goa.design/taskrun/runtime/task/model"
	"goa.design/taskrun/runtime/task/tools"
)

type (
	// Role is the author of a transcript message.
	Role string

	// Transcript is the record of a conversation. It is re-encoded into
	// provider parameters on every submission.
	Transcript []Message

	// Message is one transcript entry.
	Message struct {
		Role        Role         `json:"role"`
		Text        string       `json:"text,omitempty"`
		ToolUses    []ToolUse    `json:"tool_uses,omitempty"`
		ToolResults []ToolResult `json:"tool_results,omitempty"`
	}

	// ToolUse records a capability request made by the assistant.
	ToolUse struct {
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}

	// ToolResult records the observation returned for a tool use.
	ToolResult struct {
		ToolUseID string `json:"tool_use_id"`
		Content   string `json:"content"`
		IsError   bool   `json:"is_error,omitempty"`
	}

	// Names maps capability names to provider tool names and back.
	Names struct {
		ToProvider  map[string]string
		ToCanonical map[string]string
	}
)

const (
	// RoleUser marks user turns: instructions and tool results.
	RoleUser Role = "user"
	// RoleAssistant marks model turns.
	RoleAssistant Role = "assistant"
)

// NotExecuted is reported for tool uses of a previous run that never received
// a result, typically because that run hit its turn limit.
const NotExecuted = "capability was not executed"

// NewHandle returns a fresh conversation handle.
func NewHandle() string {
	return "conv-" + uuid.NewString()
}

// Begin loads the transcript stored for req.Handle, or starts a conversation
// when the handle is empty, and appends the user turn of req.
func Begin(ctx context.Context, s Store, req *model.Request) (string, Transcript, error) {
	handle := req.Handle
	var t Transcript
	if handle == "" {
		handle = NewHandle()
	} else {
		loaded, err := s.Load(ctx, handle)
		if err != nil {
			return "", nil, fmt.Errorf("load transcript: %w", err)
		}
		t = loaded
	}
	turn, err := UserTurn(t, req)
	if err != nil {
		return "", nil, err
	}
	return handle, append(t, turn), nil
}

// UserTurn builds the user message of a submission: tool results first, then
// the instruction. Tool uses left unanswered by the transcript are closed with
// an error result so providers that require every tool use to be answered
// accept the replay.
func UserTurn(t Transcript, req *model.Request) (Message, error) {
	turn := Message{Role: RoleUser}
	answered := make(map[string]bool, len(req.Observations))
	for _, o := range req.Observations {
		answered[o.RequestID] = true
		content := string(o.Output)
		if o.Error != "" {
			content = o.Error
		}
		turn.ToolResults = append(turn.ToolResults, ToolResult{
			ToolUseID: o.RequestID,
			Content:   content,
			IsError:   o.Error != "",
		})
	}
	if n := len(t); n > 0 && t[n-1].Role == RoleAssistant {
		for _, use := range t[n-1].ToolUses {
			if !answered[use.ID] {
				turn.ToolResults = append(turn.ToolResults, ToolResult{ToolUseID: use.ID, Content: NotExecuted, IsError: true})
			}
		}
	}
	turn.Text = req.Instruction
	if turn.Text == "" && len(turn.ToolResults) == 0 {
		return Message{}, errors.New("submission has neither instruction nor observations")
	}
	return turn, nil
}

// Reply builds the assistant message and model response for a provider reply
// made of text and tool uses. Tool uses become capability requests; otherwise
// the text is the final answer.
func Reply(text string, uses []ToolUse) (*model.Response, Message) {
	msg := Message{Role: RoleAssistant, Text: text, ToolUses: uses}
	resp := &model.Response{}
	if len(uses) == 0 {
		resp.Kind = model.KindFinalAnswer
		resp.Payload = FinalPayload(text)
		return resp, msg
	}
	resp.Kind = model.KindCapabilityRequests
	for _, u := range uses {
		resp.Requests = append(resp.Requests, model.CapabilityRequest{ID: u.ID, Name: u.Name, Input: u.Input})
	}
	return resp, msg
}

// FinalPayload returns text as is when it is a JSON document and wrapped in a
// {"text": ...} object otherwise.
func FinalPayload(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	raw, _ := json.Marshal(map[string]string{"text": text})
	return raw
}

// EncodeNames sanitizes the names of specs for providers restricting tool
// names to [a-zA-Z0-9_-]{1,64}. It fails when two capabilities sanitize to the
// same name.
func EncodeNames(specs []tools.Spec) (Names, error) {
	names := Names{
		ToProvider:  make(map[string]string, len(specs)),
		ToCanonical: make(map[string]string, len(specs)),
	}
	for _, spec := range specs {
		canonical := spec.Name
		if canonical == "" {
			continue
		}
		sanitized := SanitizeToolName(canonical)
		if prev, ok := names.ToCanonical[sanitized]; ok && prev != canonical {
			return Names{}, fmt.Errorf("capability name %q sanitizes to %q which collides with %q",
				canonical, sanitized, prev)
		}
		names.ToCanonical[sanitized] = canonical
		names.ToProvider[canonical] = sanitized
	}
	return names, nil
}

// Provider returns the provider name of canonical. Capabilities of an earlier
// step may be out of scope now, so unknown names are sanitized on the fly.
func (n Names) Provider(canonical string) string {
	if name, ok := n.ToProvider[canonical]; ok {
		return name
	}
	return SanitizeToolName(canonical)
}

// Canonical returns the capability name of a provider tool name. A
// hallucinated name is returned as is and the loop reports it as a scope
// violation.
func (n Names) Canonical(name string) string {
	if canonical, ok := n.ToCanonical[name]; ok {
		return canonical
	}
	return name
}

// SanitizeToolName replaces any rune outside [a-zA-Z0-9_-] with '_' and caps
// the result at 64 bytes.
func SanitizeToolName(in string) string {
	if isSafeToolName(in) {
		return in
	}
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if isSafeRune(r) {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return string(out)
}

func isSafeToolName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		if !isSafeRune(r) {
			return false
		}
	}
	return true
}

func isSafeRune(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '_' || r == '-'
}
