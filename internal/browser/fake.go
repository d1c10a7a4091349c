package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/visualcore/backend/internal/core"
)

// FakeSession is an in-memory Session for tests and for running the
// server without a real browser. Input commands are recorded, Evaluate
// replies come from a scriptable queue, and navigations can be fired by
// hand.
type FakeSession struct {
	mu sync.Mutex

	url     string
	bridges map[string]BridgeFunc
	navFns  map[int]func(url string)
	navSeq  int

	evalQueue   []FakeEval
	defaultEval json.RawMessage

	evalCalls []string
	inputs    []string

	CookieJar []core.Cookie
	Storage   *core.OriginStorage
	Env       *core.EnvMetadata

	NavigateErr error
	InputErr    error

	closed bool
}

// FakeEval is one scripted Evaluate reply.
type FakeEval struct {
	Result json.RawMessage
	Err    error
}

var _ Session = (*FakeSession)(nil)

func NewFakeSession() *FakeSession {
	return &FakeSession{
		url:         "about:blank",
		bridges:     make(map[string]BridgeFunc),
		navFns:      make(map[int]func(url string)),
		defaultEval: json.RawMessage(`true`),
		Env: &core.EnvMetadata{
			UserAgent: "fake-browser/1.0",
			Timezone:  "UTC",
			Viewport:  core.Viewport{Width: 1280, Height: 720},
		},
	}
}

// QueueEval scripts the next Evaluate reply. When the queue is empty,
// Evaluate returns the default reply (JSON true).
func (f *FakeSession) QueueEval(result string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalQueue = append(f.evalQueue, FakeEval{Result: json.RawMessage(result), Err: err})
}

// FireNavigation simulates a top-frame navigation committed by the page
// itself (redirect, link click).
func (f *FakeSession) FireNavigation(url string) {
	f.mu.Lock()
	f.url = url
	fns := make([]func(string), 0, len(f.navFns))
	for _, fn := range f.navFns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(url)
	}
}

// Bridge returns the bound handler for name, or nil.
func (f *FakeSession) Bridge(name string) BridgeFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bridges[name]
}

// Inputs returns the recorded input commands in dispatch order.
func (f *FakeSession) Inputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.inputs))
	copy(out, f.inputs)
	return out
}

// EvalCalls returns the scripts passed to Evaluate, in order.
func (f *FakeSession) EvalCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.evalCalls))
	copy(out, f.evalCalls)
	return out
}

// Closed reports whether Close has been called.
func (f *FakeSession) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeSession) recordInput(format string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InputErr != nil {
		return f.InputErr
	}
	f.inputs = append(f.inputs, fmt.Sprintf(format, args...))
	return nil
}

// ============================================================================
// Session implementation
// ============================================================================

func (f *FakeSession) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	err := f.NavigateErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.FireNavigation(url)
	return nil
}

func (f *FakeSession) CurrentURL(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *FakeSession) OnFrameNavigated(fn func(url string)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.navSeq
	f.navSeq++
	f.navFns[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.navFns, id)
	}
}

func (f *FakeSession) Evaluate(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalCalls = append(f.evalCalls, js)
	if len(f.evalQueue) == 0 {
		return f.defaultEval, nil
	}
	next := f.evalQueue[0]
	f.evalQueue = f.evalQueue[1:]
	return next.Result, next.Err
}

func (f *FakeSession) ExposeBridge(name string, fn BridgeFunc) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridges[name] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.bridges, name)
	}, nil
}

func (f *FakeSession) WaitReady(ctx context.Context) error { return nil }

func (f *FakeSession) Cookies(ctx context.Context) ([]core.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Cookie, len(f.CookieJar))
	copy(out, f.CookieJar)
	return out, nil
}

func (f *FakeSession) SetCookies(ctx context.Context, cookies []core.Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CookieJar = append(f.CookieJar, cookies...)
	return nil
}

func (f *FakeSession) LocalStorage(ctx context.Context) (*core.OriginStorage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Storage != nil {
		return f.Storage, nil
	}
	return &core.OriginStorage{Origin: f.url}, nil
}

func (f *FakeSession) EnvMetadata(ctx context.Context) (*core.EnvMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Env, nil
}

func (f *FakeSession) MouseClick(ctx context.Context, x, y float64, button string, clickCount int) error {
	return f.recordInput("mouse_click %.0f,%.0f %s x%d", x, y, button, clickCount)
}

func (f *FakeSession) MouseMove(ctx context.Context, x, y float64) error {
	return f.recordInput("mouse_move %.0f,%.0f", x, y)
}

func (f *FakeSession) MouseDown(ctx context.Context, x, y float64, button string) error {
	return f.recordInput("mouse_down %.0f,%.0f %s", x, y, button)
}

func (f *FakeSession) MouseUp(ctx context.Context, button string) error {
	return f.recordInput("mouse_up %s", button)
}

func (f *FakeSession) Wheel(ctx context.Context, x, y, deltaX, deltaY float64) error {
	return f.recordInput("wheel %.0f,%.0f delta %.0f,%.0f", x, y, deltaX, deltaY)
}

func (f *FakeSession) KeyPress(ctx context.Context, key string) error {
	return f.recordInput("key_press %s", key)
}

func (f *FakeSession) KeyDown(ctx context.Context, key string) error {
	return f.recordInput("key_down %s", key)
}

func (f *FakeSession) KeyUp(ctx context.Context, key string) error {
	return f.recordInput("key_up %s", key)
}

func (f *FakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
