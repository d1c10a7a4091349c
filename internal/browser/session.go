// Package browser abstracts the controlled Chromium instance behind a
// capability interface. One session owns one page; workflow steps and
// live control input share it through a serialized command queue.
package browser

import (
	"context"
	"encoding/json"

	"github.com/visualcore/backend/internal/core"
)

// Mouse button names accepted from control clients.
const (
	ButtonLeft   = "left"
	ButtonRight  = "right"
	ButtonMiddle = "middle"
)

// BridgeFunc receives the raw string payload of a page-side bridge call.
type BridgeFunc func(payload string)

// Session is the capability surface the core needs from a controlled
// browser. Every method that touches the page is serialized through the
// session's internal queue, so concurrent workflow steps and control
// input never interleave mid-command. The context deadline covers queue
// wait plus execution.
type Session interface {
	// Navigate loads url and waits for the document load event.
	Navigate(ctx context.Context, url string) error

	CurrentURL(ctx context.Context) (string, error)

	// OnFrameNavigated registers a callback fired on every top-frame
	// navigation. The returned stop releases the subscription.
	OnFrameNavigated(fn func(url string)) (stop func())

	// Evaluate runs js in the page and returns its JSON result.
	// Promises are awaited.
	Evaluate(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error)

	// ExposeBridge binds a host function callable from the page as
	// window[name](payload). The binding survives navigations.
	ExposeBridge(name string, fn BridgeFunc) (stop func(), err error)

	// WaitReady blocks until the current document reaches its load event.
	WaitReady(ctx context.Context) error

	Cookies(ctx context.Context) ([]core.Cookie, error)
	SetCookies(ctx context.Context, cookies []core.Cookie) error

	// LocalStorage reads the current origin's local storage. Cross-origin
	// storage is not reachable from the page and is not captured.
	LocalStorage(ctx context.Context) (*core.OriginStorage, error)

	EnvMetadata(ctx context.Context) (*core.EnvMetadata, error)

	MouseClick(ctx context.Context, x, y float64, button string, clickCount int) error
	MouseMove(ctx context.Context, x, y float64) error
	MouseDown(ctx context.Context, x, y float64, button string) error
	MouseUp(ctx context.Context, button string) error
	Wheel(ctx context.Context, x, y, deltaX, deltaY float64) error

	// KeyPress inserts one printable character into the focused element.
	KeyPress(ctx context.Context, key string) error
	KeyDown(ctx context.Context, key string) error
	KeyUp(ctx context.Context, key string) error

	Close() error
}
