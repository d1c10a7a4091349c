package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/visualcore/backend/internal/core"
)

// RodSession drives one Chromium page over CDP.
type RodSession struct {
	browser *rod.Browser
	page    *rod.Page
	launch  *launcher.Launcher // nil when attached to an external browser
	queue   *commandQueue
	logger  *slog.Logger

	lifetimeCancel context.CancelFunc

	// Last dispatched pointer position. CDP requires coordinates on every
	// mouse event, including button release. Queue-owned.
	lastX, lastY float64

	closeOnce sync.Once
}

var _ Session = (*RodSession)(nil)

// Navigate loads url and waits for the document load event.
func (s *RodSession) Navigate(ctx context.Context, url string) error {
	return s.queue.do(ctx, func(ctx context.Context) error {
		page := s.page.Context(ctx)
		if err := page.Navigate(url); err != nil {
			return fmt.Errorf("navigate %s: %w", url, err)
		}
		return page.WaitLoad()
	})
}

func (s *RodSession) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := s.queue.do(ctx, func(ctx context.Context) error {
		info, err := s.page.Context(ctx).Info()
		if err != nil {
			return fmt.Errorf("page info: %w", err)
		}
		url = info.URL
		return nil
	})
	return url, err
}

// OnFrameNavigated fires fn for every top-frame navigation. Subframe
// navigations are ignored; ads and embedded widgets navigate constantly.
func (s *RodSession) OnFrameNavigated(fn func(url string)) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	page := s.page.Context(ctx)
	go page.EachEvent(func(e *proto.PageFrameNavigated) {
		if e.Frame.ParentID == "" {
			fn(e.Frame.URL)
		}
	})()
	return cancel
}

func (s *RodSession) Evaluate(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	var out json.RawMessage
	err := s.queue.do(ctx, func(ctx context.Context) error {
		res, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
			JS:           js,
			JSArgs:       args,
			ByValue:      true,
			AwaitPromise: true,
		})
		if err != nil {
			return fmt.Errorf("evaluate: %w", err)
		}
		raw, err := res.Value.MarshalJSON()
		if err != nil {
			return fmt.Errorf("decode evaluate result: %w", err)
		}
		out = raw
		return nil
	})
	return out, err
}

// ExposeBridge binds window[name] to fn. Rod implements the binding on
// Runtime.addBinding, so it survives navigations without rebinding.
func (s *RodSession) ExposeBridge(name string, fn BridgeFunc) (func(), error) {
	stop, err := s.page.Expose(name, func(g gson.JSON) (interface{}, error) {
		fn(g.Str())
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("expose %s: %w", name, err)
	}
	return func() { _ = stop() }, nil
}

func (s *RodSession) WaitReady(ctx context.Context) error {
	return s.queue.do(ctx, func(ctx context.Context) error {
		return s.page.Context(ctx).WaitLoad()
	})
}

func (s *RodSession) Cookies(ctx context.Context) ([]core.Cookie, error) {
	var out []core.Cookie
	err := s.queue.do(ctx, func(ctx context.Context) error {
		res, err := proto.NetworkGetCookies{}.Call(s.page.Context(ctx))
		if err != nil {
			return fmt.Errorf("get cookies: %w", err)
		}
		out = make([]core.Cookie, 0, len(res.Cookies))
		for _, c := range res.Cookies {
			out = append(out, core.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  float64(c.Expires),
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				SameSite: string(c.SameSite),
			})
		}
		return nil
	})
	return out, err
}

func (s *RodSession) SetCookies(ctx context.Context, cookies []core.Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: cookieSameSite(c.SameSite),
		}
		// Session cookies carry -1; leaving Expires zero omits the field.
		if c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, p)
	}
	return s.queue.do(ctx, func(ctx context.Context) error {
		if err := s.page.Context(ctx).SetCookies(params); err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
		return nil
	})
}

func cookieSameSite(v string) proto.NetworkCookieSameSite {
	switch v {
	case "Strict":
		return proto.NetworkCookieSameSiteStrict
	case "Lax":
		return proto.NetworkCookieSameSiteLax
	case "None":
		return proto.NetworkCookieSameSiteNone
	default:
		return ""
	}
}

const localStorageJS = `() => {
	const items = [];
	for (let i = 0; i < localStorage.length; i++) {
		const name = localStorage.key(i);
		items.push({ name: name, value: localStorage.getItem(name) });
	}
	return { origin: location.origin, localStorage: items };
}`

func (s *RodSession) LocalStorage(ctx context.Context) (*core.OriginStorage, error) {
	raw, err := s.Evaluate(ctx, localStorageJS)
	if err != nil {
		return nil, fmt.Errorf("read local storage: %w", err)
	}
	var out core.OriginStorage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode local storage: %w", err)
	}
	return &out, nil
}

const envMetadataJS = `() => ({
	userAgent: navigator.userAgent,
	timezone: Intl.DateTimeFormat().resolvedOptions().timeZone,
	viewport: { width: window.innerWidth, height: window.innerHeight },
	languages: Array.from(navigator.languages || []),
	devicePixelRatio: window.devicePixelRatio,
})`

func (s *RodSession) EnvMetadata(ctx context.Context) (*core.EnvMetadata, error) {
	raw, err := s.Evaluate(ctx, envMetadataJS)
	if err != nil {
		return nil, fmt.Errorf("read env metadata: %w", err)
	}
	var out core.EnvMetadata
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode env metadata: %w", err)
	}
	return &out, nil
}

// ============================================================================
// INPUT DISPATCH
// ============================================================================

func mouseButton(name string) proto.InputMouseButton {
	switch name {
	case ButtonRight:
		return proto.InputMouseButtonRight
	case ButtonMiddle:
		return proto.InputMouseButtonMiddle
	default:
		return proto.InputMouseButtonLeft
	}
}

func (s *RodSession) MouseClick(ctx context.Context, x, y float64, button string, clickCount int) error {
	if clickCount < 1 {
		clickCount = 1
	}
	btn := mouseButton(button)
	return s.queue.do(ctx, func(ctx context.Context) error {
		page := s.page.Context(ctx)
		if err := s.moveTo(page, x, y); err != nil {
			return err
		}
		// Chromium synthesizes dblclick from the second press/release pair
		// when clickCount increments.
		for i := 1; i <= clickCount; i++ {
			press := proto.InputDispatchMouseEvent{
				Type:       proto.InputDispatchMouseEventTypeMousePressed,
				X:          x,
				Y:          y,
				Button:     btn,
				ClickCount: i,
			}
			if err := press.Call(page); err != nil {
				return fmt.Errorf("mouse press: %w", err)
			}
			release := proto.InputDispatchMouseEvent{
				Type:       proto.InputDispatchMouseEventTypeMouseReleased,
				X:          x,
				Y:          y,
				Button:     btn,
				ClickCount: i,
			}
			if err := release.Call(page); err != nil {
				return fmt.Errorf("mouse release: %w", err)
			}
		}
		return nil
	})
}

func (s *RodSession) MouseMove(ctx context.Context, x, y float64) error {
	return s.queue.do(ctx, func(ctx context.Context) error {
		return s.moveTo(s.page.Context(ctx), x, y)
	})
}

func (s *RodSession) MouseDown(ctx context.Context, x, y float64, button string) error {
	btn := mouseButton(button)
	return s.queue.do(ctx, func(ctx context.Context) error {
		page := s.page.Context(ctx)
		if err := s.moveTo(page, x, y); err != nil {
			return err
		}
		press := proto.InputDispatchMouseEvent{
			Type:       proto.InputDispatchMouseEventTypeMousePressed,
			X:          x,
			Y:          y,
			Button:     btn,
			ClickCount: 1,
		}
		if err := press.Call(page); err != nil {
			return fmt.Errorf("mouse press: %w", err)
		}
		return nil
	})
}

func (s *RodSession) MouseUp(ctx context.Context, button string) error {
	btn := mouseButton(button)
	return s.queue.do(ctx, func(ctx context.Context) error {
		release := proto.InputDispatchMouseEvent{
			Type:       proto.InputDispatchMouseEventTypeMouseReleased,
			X:          s.lastX,
			Y:          s.lastY,
			Button:     btn,
			ClickCount: 1,
		}
		if err := release.Call(s.page.Context(ctx)); err != nil {
			return fmt.Errorf("mouse release: %w", err)
		}
		return nil
	})
}

func (s *RodSession) Wheel(ctx context.Context, x, y, deltaX, deltaY float64) error {
	return s.queue.do(ctx, func(ctx context.Context) error {
		if x == 0 && y == 0 {
			x, y = s.lastX, s.lastY
		}
		wheel := proto.InputDispatchMouseEvent{
			Type:   proto.InputDispatchMouseEventTypeMouseWheel,
			X:      x,
			Y:      y,
			DeltaX: deltaX,
			DeltaY: deltaY,
		}
		if err := wheel.Call(s.page.Context(ctx)); err != nil {
			return fmt.Errorf("mouse wheel: %w", err)
		}
		return nil
	})
}

func (s *RodSession) moveTo(page *rod.Page, x, y float64) error {
	move := proto.InputDispatchMouseEvent{
		Type: proto.InputDispatchMouseEventTypeMouseMoved,
		X:    x,
		Y:    y,
	}
	if err := move.Call(page); err != nil {
		return fmt.Errorf("mouse move: %w", err)
	}
	s.lastX, s.lastY = x, y
	return nil
}

// KeyPress inserts one printable character. Input.insertText sidesteps
// keyboard-layout mapping entirely, the same shortcut rod's own keyboard
// helpers take for unicode input.
func (s *RodSession) KeyPress(ctx context.Context, key string) error {
	return s.queue.do(ctx, func(ctx context.Context) error {
		if err := (proto.InputInsertText{Text: key}).Call(s.page.Context(ctx)); err != nil {
			return fmt.Errorf("insert text: %w", err)
		}
		return nil
	})
}

func (s *RodSession) KeyDown(ctx context.Context, key string) error {
	def := lookupKey(key)
	return s.queue.do(ctx, func(ctx context.Context) error {
		ev := proto.InputDispatchKeyEvent{
			Type:                  proto.InputDispatchKeyEventTypeKeyDown,
			Key:                   key,
			Code:                  def.code,
			Text:                  def.text,
			WindowsVirtualKeyCode: def.vk,
			NativeVirtualKeyCode:  def.vk,
		}
		if err := ev.Call(s.page.Context(ctx)); err != nil {
			return fmt.Errorf("key down: %w", err)
		}
		return nil
	})
}

func (s *RodSession) KeyUp(ctx context.Context, key string) error {
	def := lookupKey(key)
	return s.queue.do(ctx, func(ctx context.Context) error {
		ev := proto.InputDispatchKeyEvent{
			Type:                  proto.InputDispatchKeyEventTypeKeyUp,
			Key:                   key,
			Code:                  def.code,
			WindowsVirtualKeyCode: def.vk,
			NativeVirtualKeyCode:  def.vk,
		}
		if err := ev.Call(s.page.Context(ctx)); err != nil {
			return fmt.Errorf("key up: %w", err)
		}
		return nil
	})
}

// Close tears the session down: pending queued commands fail, the page
// and browser close, and the launched process is reaped.
func (s *RodSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.queue.close()
		if s.page != nil {
			_ = s.page.Close()
		}
		if s.browser != nil {
			err = s.browser.Close()
		}
		if s.lifetimeCancel != nil {
			s.lifetimeCancel()
		}
		if s.launch != nil {
			s.launch.Cleanup()
		}
		if s.logger != nil {
			s.logger.Info("browser session closed")
		}
	})
	return err
}
