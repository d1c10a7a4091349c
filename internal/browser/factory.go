package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/visualcore/backend/internal/core"
)

// Options configure launched browser sessions.
type Options struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	NavTimeout     time.Duration
	// Bin points at an explicit Chromium binary. Empty resolves through
	// the launcher's own lookup and download.
	Bin string
}

func (o Options) withDefaults() Options {
	if o.ViewportWidth <= 0 {
		o.ViewportWidth = 1280
	}
	if o.ViewportHeight <= 0 {
		o.ViewportHeight = 720
	}
	if o.NavTimeout <= 0 {
		o.NavTimeout = 30 * time.Second
	}
	return o
}

// Factory launches browser sessions. Production runs headless; headed is
// for watching a session locally.
type Factory struct {
	opts   Options
	logger *slog.Logger
}

func NewFactory(opts Options, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		opts:   opts.withDefaults(),
		logger: logger.With("component", "browser_factory"),
	}
}

// WithHeadless returns a copy of the factory with headless mode replaced,
// for per-session overrides.
func (f *Factory) WithHeadless(headless bool) *Factory {
	opts := f.opts
	opts.Headless = headless
	return &Factory{opts: opts, logger: f.logger}
}

// NewSession launches a browser, opens an isolated incognito page, and
// applies any prior storage state before the first navigation. The
// context bounds startup only; the session outlives it.
func (f *Factory) NewSession(ctx context.Context, state *core.StorageStateBlob) (Session, error) {
	l := launcher.New().Headless(f.opts.Headless).Leakless(true)
	if f.opts.Bin != "" {
		l = l.Bin(f.opts.Bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	lifetime, cancel := context.WithCancel(context.Background())
	b := rod.New().ControlURL(controlURL).Context(lifetime)
	if err := b.Connect(); err != nil {
		cancel()
		l.Cleanup()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	sess, err := f.newPage(b, state)
	if err != nil {
		_ = b.Close()
		cancel()
		l.Cleanup()
		return nil, err
	}
	sess.launch = l
	sess.lifetimeCancel = cancel

	if state != nil {
		if err := f.applyStorageState(ctx, sess, state); err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("apply storage state: %w", err)
		}
	}

	f.logger.Info("browser session launched",
		"headless", f.opts.Headless,
		"viewport", fmt.Sprintf("%dx%d", f.opts.ViewportWidth, f.opts.ViewportHeight),
		"restored_state", state != nil)
	return sess, nil
}

func (f *Factory) newPage(b *rod.Browser, state *core.StorageStateBlob) (*RodSession, error) {
	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}

	width, height := f.opts.ViewportWidth, f.opts.ViewportHeight
	scale := 1.0
	var userAgent string
	if state != nil && state.EnvMetadata != nil {
		if state.EnvMetadata.Viewport.Width > 0 && state.EnvMetadata.Viewport.Height > 0 {
			width, height = state.EnvMetadata.Viewport.Width, state.EnvMetadata.Viewport.Height
		}
		if state.EnvMetadata.DevicePixelRatio > 0 {
			scale = state.EnvMetadata.DevicePixelRatio
		}
		userAgent = state.EnvMetadata.UserAgent
	}

	viewport := proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: scale,
		Mobile:            false,
	}
	if err := viewport.Call(page); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}
	if userAgent != "" {
		ua := proto.NetworkSetUserAgentOverride{UserAgent: userAgent}
		if err := ua.Call(page); err != nil {
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}

	return &RodSession{
		browser: b,
		page:    page,
		queue:   newCommandQueue(64),
		logger:  f.logger.With("component", "browser_session"),
	}, nil
}

const localStorageSeedJS = `(() => {
	const seed = %s;
	const items = seed[location.origin];
	if (!items) { return; }
	try {
		for (const it of items) { localStorage.setItem(it.name, it.value); }
	} catch (err) {}
})()`

// applyStorageState seeds cookies directly and arms an init script that
// replays local storage into each origin as the page first visits it.
// Storage for origins the session never visits stays dormant.
func (f *Factory) applyStorageState(ctx context.Context, sess *RodSession, state *core.StorageStateBlob) error {
	if len(state.Cookies) > 0 {
		if err := sess.SetCookies(ctx, state.Cookies); err != nil {
			return err
		}
	}
	if len(state.Origins) == 0 {
		return nil
	}

	seed := make(map[string][]core.StorageItem, len(state.Origins))
	for _, origin := range state.Origins {
		if len(origin.LocalStorage) > 0 {
			seed[origin.Origin] = origin.LocalStorage
		}
	}
	if len(seed) == 0 {
		return nil
	}
	encoded, err := json.Marshal(seed)
	if err != nil {
		return fmt.Errorf("encode local storage seed: %w", err)
	}
	if _, err := sess.page.EvalOnNewDocument(fmt.Sprintf(localStorageSeedJS, encoded)); err != nil {
		return fmt.Errorf("seed local storage: %w", err)
	}
	f.logger.Info("storage state applied",
		"cookies", len(state.Cookies), "origins", len(seed))
	return nil
}
