package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefinition(t *testing.T) {
	raw := `{
		"name": "login",
		"steps": [
			{"type": "navigate", "url": "https://example.com/login"},
			{"type": "input", "selector": "#email", "value": "user@example.com"},
			{"type": "click", "selector": "button[type=submit]"},
			{"type": "wait", "condition": "selector", "selector": ".dashboard", "timeout_secs": 10},
			{"type": "wait", "condition": "seconds", "seconds": 1.5}
		]
	}`
	def, err := ParseDefinition([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "login", def.Name)
	require.Len(t, def.Steps, 5)
	assert.Equal(t, StepNavigate, def.Steps[0].Type)
	assert.Equal(t, 10, def.Steps[3].TimeoutSecs)
	assert.Equal(t, 1.5, def.Steps[4].Seconds)
}

func TestParseDefinitionRejectsBadSteps(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", `{steps:}`, "not valid JSON"},
		{"no steps", `{"name":"empty","steps":[]}`, "has no steps"},
		{"navigate without url", `{"steps":[{"type":"navigate"}]}`, "missing url"},
		{"click without selector", `{"steps":[{"type":"click"}]}`, "missing selector"},
		{"input without selector", `{"steps":[{"type":"input","value":"x"}]}`, "missing selector"},
		{"wait without condition", `{"steps":[{"type":"wait"}]}`, "unknown wait condition"},
		{"wait selector without selector", `{"steps":[{"type":"wait","condition":"selector"}]}`, "missing selector"},
		{"wait zero seconds", `{"steps":[{"type":"wait","condition":"seconds"}]}`, "seconds > 0"},
		{"unknown step", `{"steps":[{"type":"hover","selector":"#x"}]}`, "unknown step type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tc.raw))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateReportsStepNumber(t *testing.T) {
	def := &Definition{
		Name: "broken",
		Steps: []Step{
			{Type: StepNavigate, URL: "https://example.com"},
			{Type: StepClick},
		},
	}
	err := def.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 2")
}
