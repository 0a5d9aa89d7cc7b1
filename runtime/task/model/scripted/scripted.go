// Package scripted provides a deterministic model.Provider that replays a
// fixed sequence of responses and records every request it receives. It backs
// the runtime tests and the in-memory demo.
package scripted

import (
	"context"
	"errors"
	"sync"

	"goa.design/taskrun/runtime/task/model"
)

type (
	// Provider replays Steps in order. Each step either returns a response or
	// computes one from the request.
	Provider struct {
		mu       sync.Mutex
		steps    []Step
		next     int
		requests []model.Request
		fallback Step
	}

	// Step produces the response for one submission.
	Step func(ctx context.Context, req *model.Request) (*model.Response, error)
)

// ErrExhausted is returned once every step has been consumed and no fallback
// is configured.
var ErrExhausted = errors.New("scripted provider: no more steps")

// New returns a provider replaying steps.
func New(steps ...Step) *Provider {
	return &Provider{steps: steps}
}

// Respond returns a step that always returns resp.
func Respond(resp *model.Response) Step {
	return func(context.Context, *model.Request) (*model.Response, error) {
		cp := *resp
		return &cp, nil
	}
}

// Fail returns a step that returns err.
func Fail(err error) Step {
	return func(context.Context, *model.Request) (*model.Response, error) {
		return nil, err
	}
}

// WithFallback sets the step used once the script is exhausted.
func (p *Provider) WithFallback(s Step) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = s
	return p
}

// Submit implements model.Provider.
func (p *Provider) Submit(ctx context.Context, req *model.Request) (*model.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, cloneRequest(req))
	var step Step
	switch {
	case p.next < len(p.steps):
		step = p.steps[p.next]
		p.next++
	case p.fallback != nil:
		step = p.fallback
	}
	p.mu.Unlock()
	if step == nil {
		return nil, ErrExhausted
	}
	return step(ctx, req)
}

// Requests returns copies of the requests received so far.
func (p *Provider) Requests() []model.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func cloneRequest(req *model.Request) model.Request {
	cp := *req
	cp.Capabilities = append(cp.Capabilities[:0:0], req.Capabilities...)
	cp.Observations = append(cp.Observations[:0:0], req.Observations...)
	return cp
}
