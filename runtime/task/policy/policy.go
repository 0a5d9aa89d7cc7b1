// Package policy defines the delegation policy consulted by the task spawner:
// the maximum scope each delegating capability may hand to a child run and
// the limits applied when a child does not ask for its own.
package policy

import (
	"time"

	"goa.design/taskrun/runtime/task/run"
)

type (
	// Policy decides what a child run may receive.
	Policy interface {
		// MaxScope returns the widest scope the capability named via may
		// grant to a child. ok is false when the policy has no entry for the
		// capability, in which case no maximum beyond the parent scope applies.
		MaxScope(via string) (scope run.Scope, ok bool)
		// ChildDefaults returns the limits applied to child runs.
		ChildDefaults() ChildDefaults
	}

	// ChildDefaults bounds delegated runs.
	ChildDefaults struct {
		// TurnLimit is used when the child spec leaves it zero.
		TurnLimit int
		// Ceiling is used when the child spec leaves it zero.
		Ceiling float64
		// Timeout is used when the child spec leaves it zero.
		Timeout time.Duration
		// MaxDepth bounds the delegation depth. Zero means unlimited.
		MaxDepth int
	}

	// Static is a fixed in-memory Policy.
	Static struct {
		Scopes   map[string]run.Scope
		Defaults ChildDefaults
	}
)

// DefaultChildDefaults are the limits used when no policy is configured.
var DefaultChildDefaults = ChildDefaults{
	TurnLimit: 5,
	Ceiling:   0.5,
	MaxDepth:  3,
}

// MaxScope implements Policy.
func (s Static) MaxScope(via string) (run.Scope, bool) {
	scope, ok := s.Scopes[via]
	return scope, ok
}

// ChildDefaults implements Policy.
func (s Static) ChildDefaults() ChildDefaults {
	return s.Defaults.Or(DefaultChildDefaults)
}

// Or fills the zero fields of d from fallback.
func (d ChildDefaults) Or(fallback ChildDefaults) ChildDefaults {
	if d.TurnLimit <= 0 {
		d.TurnLimit = fallback.TurnLimit
	}
	if d.Ceiling <= 0 {
		d.Ceiling = fallback.Ceiling
	}
	if d.Timeout <= 0 {
		d.Timeout = fallback.Timeout
	}
	if d.MaxDepth <= 0 {
		d.MaxDepth = fallback.MaxDepth
	}
	return d
}
