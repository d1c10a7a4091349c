package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visualcore/backend/internal/browser"
)

func TestRunnerExecutesStepsInOrder(t *testing.T) {
	fake := browser.NewFakeSession()
	runner := NewRunner(fake, NewGate(), nil)

	var progress []Progress
	runner.OnStep(func(p Progress) { progress = append(progress, p) })

	def := &Definition{
		Name: "login",
		Steps: []Step{
			{Type: StepNavigate, URL: "https://example.com/login"},
			{Type: StepClick, Selector: "#accept-cookies"},
			{Type: StepInput, Selector: "#email", Value: "user@example.com"},
			{Type: StepWait, Condition: WaitSelector, Selector: ".dashboard"},
			{Type: StepWait, Condition: WaitSeconds, Seconds: 0.01},
		},
	}
	require.NoError(t, runner.Run(context.Background(), def))

	url, _ := fake.CurrentURL(context.Background())
	assert.Equal(t, "https://example.com/login", url)
	// click, input, and the selector poll each evaluate one script.
	assert.Len(t, fake.EvalCalls(), 3)

	require.Len(t, progress, 5)
	assert.Equal(t, 1, progress[0].Index)
	assert.Equal(t, 5, progress[0].Total)
	assert.Equal(t, StepWait, progress[4].Step.Type)
}

func TestRunnerStopsOnFirstFailure(t *testing.T) {
	fake := browser.NewFakeSession()
	fake.QueueEval("false", nil) // click finds nothing
	runner := NewRunner(fake, NewGate(), nil)

	def := &Definition{
		Name: "broken",
		Steps: []Step{
			{Type: StepClick, Selector: "#missing"},
			{Type: StepNavigate, URL: "https://example.com/never"},
		},
	}
	err := runner.Run(context.Background(), def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1 (click)")
	assert.Contains(t, err.Error(), `no element matches selector "#missing"`)

	url, _ := fake.CurrentURL(context.Background())
	assert.Equal(t, "about:blank", url, "later steps must not run")
}

func TestRunnerPropagatesNavigationError(t *testing.T) {
	fake := browser.NewFakeSession()
	fake.NavigateErr = assert.AnError
	runner := NewRunner(fake, nil, nil)

	def := &Definition{
		Name:  "nav",
		Steps: []Step{{Type: StepNavigate, URL: "https://example.com"}},
	}
	err := runner.Run(context.Background(), def)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRunnerPausesInputStepsWhileGateHeld(t *testing.T) {
	fake := browser.NewFakeSession()
	gate := NewGate()
	runner := NewRunner(fake, gate, nil)

	gate.Pause()

	done := make(chan error, 1)
	go func() {
		def := &Definition{
			Name:  "takeover",
			Steps: []Step{{Type: StepInput, Selector: "#password", Value: "placeholder"}},
		}
		done <- runner.Run(context.Background(), def)
	}()

	select {
	case <-done:
		t.Fatal("input step ran while a control connection held the gate")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, fake.EvalCalls(), "nothing dispatched while paused")

	gate.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not resume after gate reopened")
	}
	assert.Len(t, fake.EvalCalls(), 1)
}

func TestRunnerWaitSecondsHonorsCancel(t *testing.T) {
	fake := browser.NewFakeSession()
	runner := NewRunner(fake, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	def := &Definition{
		Name:  "sleepy",
		Steps: []Step{{Type: StepWait, Condition: WaitSeconds, Seconds: 30}},
	}
	start := time.Now()
	err := runner.Run(ctx, def)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
