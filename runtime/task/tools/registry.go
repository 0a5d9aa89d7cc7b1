package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/taskrun/runtime/task/run"
	"goa.design/taskrun/runtime/task/toolerrors"
)

type (
	// Registry indexes capabilities by name. Register everything at startup
	// then call Freeze; lookups on a frozen registry need no locking.
	Registry struct {
		mu      sync.Mutex
		frozen  atomic.Bool
		entries map[string]*entry
	}

	entry struct {
		cap    Capability
		spec   Spec
		schema *jsonschema.Schema
	}
)

var (
	// ErrFrozen is returned by Register once the registry is frozen.
	ErrFrozen = errors.New("capability registry is frozen")
	// ErrUnknownCapability is returned for names that were never registered.
	ErrUnknownCapability = errors.New("unknown capability")
	// ErrInvalidInput wraps schema validation failures.
	ErrInvalidInput = errors.New("invalid capability input")
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds c to the registry. The input schema is compiled eagerly so a
// malformed schema fails at startup rather than on first use.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return errors.New("capability is required")
	}
	spec := c.Spec()
	if spec.Name == "" {
		return errors.New("capability name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return fmt.Errorf("register %q: %w", spec.Name, ErrFrozen)
	}
	if _, ok := r.entries[spec.Name]; ok {
		return fmt.Errorf("capability %q already registered", spec.Name)
	}
	schema, err := compileSchema(spec.Name, spec.InputSchema)
	if err != nil {
		return err
	}
	r.entries[spec.Name] = &entry{cap: c, spec: spec, schema: schema}
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(caps ...Capability) {
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	e, ok := r.entries[name]
	if !ok {
		return Spec{}, false
	}
	return e.spec, true
}

// Names returns all registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Specs returns the specs of the registered capabilities granted by scope,
// sorted by name.
func (r *Registry) Specs(scope run.Scope) []Spec {
	specs := make([]Spec, 0, len(scope))
	for _, name := range scope {
		if e, ok := r.entries[name]; ok {
			specs = append(specs, e.spec)
		}
	}
	return specs
}

// Validate checks input against the schema of the named capability.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	return e.validate(input)
}

// Execute validates inv.Input and runs the named capability, measuring the
// call duration. Schema violations are returned as retryable ToolErrors so the
// reasoning step can correct its input.
func (r *Registry) Execute(ctx context.Context, name string, inv *Invocation) (*Outcome, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	if err := e.validate(inv.Input); err != nil {
		return nil, toolerrors.Retryable(err.Error(), err)
	}
	start := time.Now()
	out, err := e.cap.Execute(ctx, inv)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &Outcome{}
	}
	out.Duration = time.Since(start)
	return out, nil
}

func (e *entry) validate(input json.RawMessage) error {
	if e.schema == nil {
		return nil
	}
	raw := input
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: malformed JSON: %v", ErrInvalidInput, e.spec.Name, err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidInput, e.spec.Name, err)
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("capability %q: unmarshal schema: %w", name, err)
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("capability %q: add schema resource: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("capability %q: compile schema: %w", name, err)
	}
	return schema, nil
}
