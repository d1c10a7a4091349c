// Package workflow executes scripted browser action sequences against a
// session. It shares the browser handle with the control channel; the
// session's command queue keeps the two from interleaving.
package workflow

import (
	"encoding/json"
	"fmt"
)

// Step types.
const (
	StepNavigate = "navigate"
	StepClick    = "click"
	StepInput    = "input"
	StepWait     = "wait"
)

// Wait conditions.
const (
	WaitSelector = "selector"
	WaitSeconds  = "seconds"
)

// Step is one scripted action.
type Step struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
	// Condition applies to wait steps: "selector" polls for Selector,
	// "seconds" sleeps for Seconds.
	Condition string  `json:"condition,omitempty"`
	Seconds   float64 `json:"seconds,omitempty"`
	// TimeoutSecs bounds this step; zero uses the runner default.
	TimeoutSecs int `json:"timeout_secs,omitempty"`
}

// Definition is a named, ordered list of steps.
type Definition struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// ParseDefinition decodes and validates a workflow definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("workflow definition is not valid JSON: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks every step names an executable action with the fields
// it needs.
func (d *Definition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", d.Name)
	}
	for i, step := range d.Steps {
		if err := step.validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func (s Step) validate() error {
	switch s.Type {
	case StepNavigate:
		if s.URL == "" {
			return fmt.Errorf("navigate step missing url")
		}
	case StepClick:
		if s.Selector == "" {
			return fmt.Errorf("click step missing selector")
		}
	case StepInput:
		if s.Selector == "" {
			return fmt.Errorf("input step missing selector")
		}
	case StepWait:
		switch s.Condition {
		case WaitSelector:
			if s.Selector == "" {
				return fmt.Errorf("wait step missing selector")
			}
		case WaitSeconds:
			if s.Seconds <= 0 {
				return fmt.Errorf("wait step needs seconds > 0")
			}
		default:
			return fmt.Errorf("unknown wait condition: %q", s.Condition)
		}
	default:
		return fmt.Errorf("unknown step type: %q", s.Type)
	}
	return nil
}
