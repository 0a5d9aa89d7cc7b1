package run

import (
	"errors"
	"fmt"
	"time"
)

type (
	// Spec is the immutable configuration of a run. Build it with NewSpec;
	// the engine treats it as a value and never mutates it.
	Spec struct {
		// RunID forces the run ID. Generated when empty.
		RunID string
		// SessionKey is the workflow-instance key.
		SessionKey string
		// Step is the workflow step the run executes.
		Step string
		// System is the system instruction sent to the provider.
		System string
		// Instruction is the initial user instruction.
		Instruction string
		// Scope is the set of capabilities the run may invoke.
		Scope Scope
		// TurnLimit bounds the number of reasoning turns.
		TurnLimit int
		// Ceiling is the run's own budget ceiling.
		Ceiling float64
		// SessionCeiling is the aggregate ceiling across the run and all its
		// descendants. Zero disables the aggregate check.
		SessionCeiling float64
		// Timeout is the wall-clock budget. Zero means no timeout.
		Timeout time.Duration
		// ResumeHandle is the provider conversation handle to continue from.
		ResumeHandle string
		// Events receives the engine's typed progress events when non-nil.
		// The engine blocks on a full channel until the run context is done.
		Events chan<- Event
	}

	// ChildSpec describes a delegated child run requested by a capability.
	ChildSpec struct {
		// Instruction is the child's initial user instruction.
		Instruction string
		// System optionally overrides the system instruction.
		System string
		// RequestedScope is the scope the capability asks for. The child
		// receives its intersection with the policy maximum and the parent's
		// scope.
		RequestedScope Scope
		// TurnLimit bounds the child's turns. Policy default when zero.
		TurnLimit int
		// Ceiling is the child's own budget ceiling. Policy default when zero.
		Ceiling float64
		// Timeout is the child's wall-clock budget. Policy default when zero.
		Timeout time.Duration
	}

	// Option overrides a Spec field.
	Option func(*Spec)
)

// Defaults applied by NewSpec.
const (
	DefaultTurnLimit = 10
	DefaultCeiling   = 1.0
)

// NewSpec builds a validated Spec for instruction with the given overrides.
func NewSpec(instruction string, opts ...Option) (Spec, error) {
	s := Spec{
		Instruction: instruction,
		TurnLimit:   DefaultTurnLimit,
		Ceiling:     DefaultCeiling,
	}
	for _, o := range opts {
		o(&s)
	}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// Validate reports the first invalid field of s.
func (s Spec) Validate() error {
	if s.Instruction == "" && s.ResumeHandle == "" {
		return errors.New("instruction is required")
	}
	if s.TurnLimit <= 0 {
		return fmt.Errorf("turn limit must be > 0, got %d", s.TurnLimit)
	}
	if s.Ceiling <= 0 {
		return fmt.Errorf("budget ceiling must be > 0, got %v", s.Ceiling)
	}
	if s.SessionCeiling < 0 {
		return fmt.Errorf("session ceiling must be >= 0, got %v", s.SessionCeiling)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %v", s.Timeout)
	}
	return nil
}

// WithRunID sets the run ID.
func WithRunID(id string) Option { return func(s *Spec) { s.RunID = id } }

// WithSession sets the session key and workflow step.
func WithSession(key, step string) Option {
	return func(s *Spec) { s.SessionKey, s.Step = key, step }
}

// WithSystem sets the system instruction.
func WithSystem(system string) Option { return func(s *Spec) { s.System = system } }

// WithScope sets the capability scope.
func WithScope(names ...string) Option { return func(s *Spec) { s.Scope = NewScope(names...) } }

// WithTurnLimit sets the turn limit.
func WithTurnLimit(n int) Option { return func(s *Spec) { s.TurnLimit = n } }

// WithCeiling sets the run's budget ceiling.
func WithCeiling(amount float64) Option { return func(s *Spec) { s.Ceiling = amount } }

// WithSessionCeiling sets the aggregate ceiling for the run tree.
func WithSessionCeiling(amount float64) Option {
	return func(s *Spec) { s.SessionCeiling = amount }
}

// WithTimeout sets the wall-clock budget.
func WithTimeout(d time.Duration) Option { return func(s *Spec) { s.Timeout = d } }

// WithResumeHandle continues the provider conversation identified by handle.
func WithResumeHandle(handle string) Option { return func(s *Spec) { s.ResumeHandle = handle } }

// WithEvents sets the engine event channel.
func WithEvents(ch chan<- Event) Option { return func(s *Spec) { s.Events = ch } }
