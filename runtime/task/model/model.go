// Package model defines the contract between the reasoning loop and the
// reasoning provider. The loop treats the provider as opaque: each turn it
// submits the conversation handle, the instructions and the observations
// produced since the previous turn, and receives either a final answer or a
// list of capability requests together with the handle to continue from.
package model

import (
	"context"
	"encoding/json"
	"errors"

	"goa.design/taskrun/runtime/task/tools"
)

type (
	// Provider decides, each turn, whether to request capability invocations
	// or return a final answer. Implementations must be safe for concurrent
	// use by different runs.
	Provider interface {
		Submit(ctx context.Context, req *Request) (*Response, error)
	}

	// ProviderFunc adapts a function to Provider.
	ProviderFunc func(ctx context.Context, req *Request) (*Response, error)

	// Request is one provider submission.
	Request struct {
		// RunID identifies the submitting run.
		RunID string
		// Turn is the 1-based turn number.
		Turn int
		// Handle is the conversation handle returned by the previous
		// submission or stored in the session. Empty starts a new conversation.
		Handle string
		// System is the system instruction.
		System string
		// Instruction is the user instruction. It is only set on the first turn
		// of a run; later turns carry observations instead.
		Instruction string
		// Capabilities lists the capabilities available to the run.
		Capabilities []tools.Spec
		// Observations are the results of the capability calls issued in the
		// previous turn, in request order.
		Observations []Observation
	}

	// Observation reports the outcome of one capability request.
	Observation struct {
		// RequestID echoes CapabilityRequest.ID.
		RequestID string
		// Capability is the requested capability name.
		Capability string
		// Output is the structured result of a successful call.
		Output json.RawMessage
		// Error is a public failure message. Empty on success.
		Error string
		// Retryable reports whether retrying the call may succeed.
		Retryable bool
		// ScopeViolation is set when the capability is outside the run scope.
		ScopeViolation bool
		// Denied is set when the call was not authorized.
		Denied bool
	}

	// ResponseKind is the kind of a provider response.
	ResponseKind string

	// Response is the provider's answer for one turn.
	Response struct {
		// Kind tells whether the turn ended with a final answer or requests.
		Kind ResponseKind
		// Payload is the final answer when Kind is KindFinalAnswer.
		Payload json.RawMessage
		// Requests are the capability invocations when Kind is
		// KindCapabilityRequests.
		Requests []CapabilityRequest
		// Handle is the conversation handle to use on the next submission.
		Handle string
		// Cost is the spend incurred by this submission.
		Cost float64
		// Usage reports token consumption when known.
		Usage TokenUsage
	}

	// CapabilityRequest is one requested invocation.
	CapabilityRequest struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// TokenUsage tracks token consumption for a submission.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
	}

	// Pricing is the spend per million tokens of a provider model.
	Pricing struct {
		InputPerMTok  float64
		OutputPerMTok float64
	}
)

const (
	// KindFinalAnswer ends the run successfully.
	KindFinalAnswer ResponseKind = "final_answer"
	// KindCapabilityRequests asks the loop to run capabilities.
	KindCapabilityRequests ResponseKind = "capability_requests"
)

// ErrRateLimited is returned (wrapped) by providers when the backend throttles
// requests. Middleware uses it to adapt request rates.
var ErrRateLimited = errors.New("model: rate limited")

// Submit implements Provider.
func (f ProviderFunc) Submit(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Final returns a final answer response.
func Final(payload json.RawMessage, handle string, cost float64) *Response {
	return &Response{Kind: KindFinalAnswer, Payload: payload, Handle: handle, Cost: cost}
}

// Requests returns a capability request response.
func Requests(handle string, cost float64, reqs ...CapabilityRequest) *Response {
	return &Response{Kind: KindCapabilityRequests, Requests: reqs, Handle: handle, Cost: cost}
}

// Cost converts usage into spend.
func (p Pricing) Cost(u TokenUsage) float64 {
	return float64(u.InputTokens)*p.InputPerMTok/1e6 + float64(u.OutputTokens)*p.OutputPerMTok/1e6
}
