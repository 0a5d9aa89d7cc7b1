// Package basic provides a policy.Policy loaded from a YAML document. Each
// delegating capability lists the capabilities it may hand to a child run
// through optional allow and block lists; the document also carries the
// default child limits and overrides for the cost class estimates.
//
// Example:
//
//	delegation:
//	  research.delegate:
//	    allow: [web.search, web.fetch, summarize]
//	    block: [web.fetch]
//	child_defaults:
//	  turn_limit: 5
//	  ceiling: 0.5
//	  timeout: 2m
//	  max_depth: 3
//	cost_classes:
//	  high: 0.30
package basic

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/taskrun/runtime/task/policy"
	"goa.design/taskrun/runtime/task/run"
	"goa.design/taskrun/runtime/task/tools"
)

type (
	// Options configures the engine programmatically.
	Options struct {
		// Delegation maps a delegating capability to its rule.
		Delegation map[string]Rule
		// Defaults bounds child runs. Zero fields fall back to
		// policy.DefaultChildDefaults.
		Defaults policy.ChildDefaults
		// Costs overrides cost class estimates.
		Costs tools.CostTable
	}

	// Rule restricts what a delegating capability may grant.
	Rule struct {
		// Allow lists the capabilities the child may receive.
		Allow []string `yaml:"allow"`
		// Block excludes capabilities even when allowed.
		Block []string `yaml:"block"`
	}

	// Engine implements policy.Policy with per-capability allow/block lists.
	Engine struct {
		scopes   map[string]run.Scope
		defaults policy.ChildDefaults
		costs    tools.CostTable
	}

	document struct {
		Delegation    map[string]Rule    `yaml:"delegation"`
		ChildDefaults childDefaults      `yaml:"child_defaults"`
		CostClasses   map[string]float64 `yaml:"cost_classes"`
	}

	childDefaults struct {
		TurnLimit int           `yaml:"turn_limit"`
		Ceiling   float64       `yaml:"ceiling"`
		Timeout   time.Duration `yaml:"timeout"`
		MaxDepth  int           `yaml:"max_depth"`
	}
)

var _ policy.Policy = (*Engine)(nil)

// New builds an Engine from opts.
func New(opts Options) (*Engine, error) {
	e := &Engine{
		scopes:   make(map[string]run.Scope, len(opts.Delegation)),
		defaults: opts.Defaults.Or(policy.DefaultChildDefaults),
		costs:    tools.DefaultCostTable().Merge(opts.Costs),
	}
	for via, rule := range opts.Delegation {
		via = strings.TrimSpace(via)
		if via == "" {
			return nil, errors.New("delegation rule without capability name")
		}
		blocked := toSet(rule.Block)
		allowed := make([]string, 0, len(rule.Allow))
		for _, name := range rule.Allow {
			name = strings.TrimSpace(name)
			if _, ok := blocked[name]; ok {
				continue
			}
			allowed = append(allowed, name)
		}
		e.scopes[via] = run.NewScope(allowed...)
	}
	for class, v := range e.costs {
		if v < 0 {
			return nil, fmt.Errorf("cost class %q has negative estimate", class)
		}
	}
	return e, nil
}

// Load parses a policy document from r.
func Load(r io.Reader) (*Engine, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	costs := make(tools.CostTable, len(doc.CostClasses))
	for class, v := range doc.CostClasses {
		costs[tools.CostClass(class)] = v
	}
	return New(Options{
		Delegation: doc.Delegation,
		Defaults: policy.ChildDefaults{
			TurnLimit: doc.ChildDefaults.TurnLimit,
			Ceiling:   doc.ChildDefaults.Ceiling,
			Timeout:   doc.ChildDefaults.Timeout,
			MaxDepth:  doc.ChildDefaults.MaxDepth,
		},
		Costs: costs,
	})
}

// LoadFile parses the policy document at path.
func LoadFile(path string) (*Engine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	e, err := Load(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return e, nil
}

// MaxScope implements policy.Policy.
func (e *Engine) MaxScope(via string) (run.Scope, bool) {
	scope, ok := e.scopes[via]
	return scope, ok
}

// ChildDefaults implements policy.Policy.
func (e *Engine) ChildDefaults() policy.ChildDefaults {
	return e.defaults
}

// Costs returns the cost class estimates, defaults included.
func (e *Engine) Costs() tools.CostTable {
	return e.costs.Merge(nil)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}
