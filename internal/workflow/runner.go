package workflow

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/visualcore/backend/internal/browser"
)

const (
	defaultStepTimeout  = 30 * time.Second
	defaultPollInterval = 250 * time.Millisecond
)

// Progress reports one completed step to the session layer.
type Progress struct {
	Index int
	Total int
	Step  Step
}

// Runner executes a workflow definition against a browser session.
// Input steps block while the pause gate is held so a human on the
// control channel can take over (typing credentials, solving a consent
// dialog) before the script resumes.
type Runner struct {
	sess   browser.Session
	gate   *Gate
	logger *slog.Logger

	stepTimeout  time.Duration
	pollInterval time.Duration
	onStep       func(Progress)
}

func NewRunner(sess browser.Session, gate *Gate, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sess:         sess,
		gate:         gate,
		logger:       logger.With("component", "workflow"),
		stepTimeout:  defaultStepTimeout,
		pollInterval: defaultPollInterval,
	}
}

// OnStep registers a callback invoked after each step completes.
func (r *Runner) OnStep(fn func(Progress)) { r.onStep = fn }

// Run executes every step in order and stops at the first failure.
func (r *Runner) Run(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.logger.Info("workflow starting", "name", def.Name, "steps", len(def.Steps))

	for i, step := range def.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runStep(ctx, step); err != nil {
			r.logger.Warn("workflow step failed",
				"name", def.Name, "step", i+1, "type", step.Type, "err", err)
			return fmt.Errorf("step %d (%s): %w", i+1, step.Type, err)
		}
		r.logger.Debug("workflow step done", "step", i+1, "type", step.Type)
		if r.onStep != nil {
			r.onStep(Progress{Index: i + 1, Total: len(def.Steps), Step: step})
		}
	}

	r.logger.Info("workflow finished", "name", def.Name)
	return nil
}

func (r *Runner) runStep(ctx context.Context, step Step) error {
	// A human holding the control channel pauses input steps for as long
	// as they keep the connection; the step timeout starts afterwards.
	if step.Type == StepInput && r.gate != nil {
		if r.gate.Paused() {
			r.logger.Info("input step paused for manual takeover", "selector", step.Selector)
		}
		if err := r.gate.Wait(ctx); err != nil {
			return err
		}
	}

	timeout := r.stepTimeout
	if step.TimeoutSecs > 0 {
		timeout = time.Duration(step.TimeoutSecs) * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch step.Type {
	case StepNavigate:
		return r.sess.Navigate(stepCtx, step.URL)
	case StepClick:
		return r.evalBool(stepCtx, clickJS, step.Selector)
	case StepInput:
		return r.evalBool(stepCtx, inputJS, step.Selector, step.Value)
	case StepWait:
		if step.Condition == WaitSeconds {
			return sleep(stepCtx, time.Duration(step.Seconds*float64(time.Second)))
		}
		return r.waitForSelector(stepCtx, step.Selector)
	}
	return fmt.Errorf("unknown step type: %q", step.Type)
}

func (r *Runner) evalBool(ctx context.Context, js, selector string, extra ...interface{}) error {
	args := append([]interface{}{selector}, extra...)
	res, err := r.sess.Evaluate(ctx, js, args...)
	if err != nil {
		return err
	}
	if !bytes.Equal(bytes.TrimSpace(res), []byte("true")) {
		return fmt.Errorf("no element matches selector %q", selector)
	}
	return nil
}

func (r *Runner) waitForSelector(ctx context.Context, selector string) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		res, err := r.sess.Evaluate(ctx, existsJS, selector)
		if err == nil && bytes.Equal(bytes.TrimSpace(res), []byte("true")) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("selector %q did not appear: %w", selector, ctx.Err())
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scripts run in the page. Input values are written through the native
// value setter so framework-controlled inputs observe the change.
const (
	clickJS = `(sel) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	el.scrollIntoView({block: 'center', inline: 'center'});
	el.click();
	return true;
}`

	inputJS = `(sel, value) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	el.focus();
	const proto = el instanceof HTMLTextAreaElement
		? HTMLTextAreaElement.prototype
		: HTMLInputElement.prototype;
	const desc = Object.getOwnPropertyDescriptor(proto, 'value');
	if (desc && desc.set) { desc.set.call(el, value); } else { el.value = value; }
	el.dispatchEvent(new Event('input', {bubbles: true}));
	el.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
}`

	existsJS = `(sel) => document.querySelector(sel) !== null`
)
