package worker

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// DefaultStepName is the steps file entry applied to unknown steps.
const DefaultStepName = "default"

// LoadSteps parses a YAML document mapping step names to their
// configuration. The entry named DefaultStepName, when present, is returned
// separately as the default step.
//
//	draft:
//	  system: You draft replies.
//	  scope: [crm.lookup, research]
//	  turn_limit: 6
//	  ceiling: 0.40
//	default:
//	  turn_limit: 4
func LoadSteps(r io.Reader) (map[string]StepConfig, StepConfig, error) {
	var steps map[string]StepConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&steps); err != nil && !errors.Is(err, io.EOF) {
		return nil, StepConfig{}, fmt.Errorf("decode steps: %w", err)
	}
	def := steps[DefaultStepName]
	delete(steps, DefaultStepName)
	for name, cfg := range steps {
		if cfg.TurnLimit < 0 || cfg.Ceiling < 0 || cfg.SessionCeiling < 0 || cfg.Timeout < 0 {
			return nil, StepConfig{}, fmt.Errorf("step %q: limits must not be negative", name)
		}
	}
	if steps == nil {
		steps = make(map[string]StepConfig)
	}
	return steps, def, nil
}
