// Package recorder owns the in-page event recorder: binding the host
// bridge, starting the recorder with the fixed option set, and
// re-injecting it after every top-frame navigation.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visualcore/backend/internal/browser"
	"github.com/visualcore/backend/internal/stream"
)

// BridgeName is the page-side function the recorder emits through.
const BridgeName = "sendRRWebEvent"

// errorBridgeName receives page-side recorder failures for host logging.
const errorBridgeName = "sendRRWebError"

// DefaultScriptURL serves the recorder library into the page.
const DefaultScriptURL = "https://cdn.jsdelivr.net/npm/rrweb@latest/dist/rrweb.min.js"

// Sink receives raw recorder payloads off the bridge.
type Sink interface {
	Ingest(raw []byte) bool
	SetOrigin(url string)
}

// Options tune the injector.
type Options struct {
	ScriptURL string
	// SettleDelay pads re-injection after the load event; pages that
	// rewrite the DOM right after load otherwise lose the first snapshot.
	SettleDelay time.Duration
	// ProgressWait bounds how long the page may stay silent after an
	// injection before the host emits a synthetic progress ping.
	ProgressWait  time.Duration
	InjectTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ScriptURL == "" {
		o.ScriptURL = DefaultScriptURL
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = time.Second
	}
	if o.ProgressWait <= 0 {
		o.ProgressWait = 2 * time.Second
	}
	if o.InjectTimeout <= 0 {
		o.InjectTimeout = 15 * time.Second
	}
	return o
}

// Injector keeps the recorder alive inside one browser session.
type Injector struct {
	sess   browser.Session
	sink   Sink
	opts   Options
	logger *slog.Logger

	onDegraded   func(reason string)
	degradedOnce sync.Once

	firstSnapshot chan struct{}
	snapOnce      sync.Once

	lastEventAt atomic.Int64 // unix nanos
	generation  atomic.Uint64
	closed      atomic.Bool

	injectMu   sync.Mutex
	stopBridge func()
	stopErrs   func()
	stopNav    func()
}

func New(sess browser.Session, sink Sink, opts Options, logger *slog.Logger) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{
		sess:          sess,
		sink:          sink,
		opts:          opts.withDefaults(),
		logger:        logger.With("component", "recorder"),
		firstSnapshot: make(chan struct{}),
	}
}

// OnDegraded installs the hook fired once when injection keeps failing.
// Streaming continues; events may be sparse.
func (in *Injector) OnDegraded(fn func(reason string)) { in.onDegraded = fn }

// FirstSnapshot closes once the first FullSnapshot crossed the bridge.
func (in *Injector) FirstSnapshot() <-chan struct{} { return in.firstSnapshot }

// Attach binds the bridges, arms navigation tracking, and performs the
// initial injection. The bridges bind before any page script loads so no
// emitted event can fall into the gap.
func (in *Injector) Attach(ctx context.Context) error {
	stopBridge, err := in.sess.ExposeBridge(BridgeName, in.handleEvent)
	if err != nil {
		return fmt.Errorf("bind %s: %w", BridgeName, err)
	}
	in.stopBridge = stopBridge

	stopErrs, err := in.sess.ExposeBridge(errorBridgeName, func(payload string) {
		in.logger.Warn("recorder reported page-side error", "detail", payload)
	})
	if err != nil {
		in.Detach()
		return fmt.Errorf("bind %s: %w", errorBridgeName, err)
	}
	in.stopErrs = stopErrs

	if url, err := in.sess.CurrentURL(ctx); err == nil {
		in.sink.SetOrigin(url)
	}

	in.stopNav = in.sess.OnFrameNavigated(func(url string) {
		in.sink.SetOrigin(url)
		gen := in.generation.Add(1)
		go in.reinject(gen, url)
	})

	if err := in.injectOnce(ctx); err != nil {
		in.logger.Warn("initial injection failed, retrying", "error", err)
		if err = in.injectOnce(ctx); err != nil {
			in.Detach()
			return err
		}
	}
	return nil
}

// Detach stops navigation tracking and unbinds the bridges. Safe to call
// more than once and from any goroutine.
func (in *Injector) Detach() {
	in.closed.Store(true)
	if in.stopNav != nil {
		in.stopNav()
		in.stopNav = nil
	}
	if in.stopErrs != nil {
		in.stopErrs()
		in.stopErrs = nil
	}
	if in.stopBridge != nil {
		in.stopBridge()
		in.stopBridge = nil
	}
}

func (in *Injector) handleEvent(payload string) {
	if in.closed.Load() {
		return
	}
	raw := []byte(payload)
	ev, err := stream.ParseRecorderEvent(raw)
	if err != nil {
		in.logger.Warn("bridge delivered malformed event", "error", err)
		return
	}
	in.lastEventAt.Store(time.Now().UnixNano())
	if ev.IsSnapshot() {
		in.snapOnce.Do(func() { close(in.firstSnapshot) })
	}
	in.sink.Ingest(raw)
}

// reinject runs after a top-frame navigation: wait for the new document,
// let it settle, then inject again. Redirect chains bump the generation;
// stale attempts abandon quietly instead of degrading the session.
func (in *Injector) reinject(gen uint64, url string) {
	if in.closed.Load() {
		return
	}
	if !strings.HasPrefix(url, "http") {
		in.logger.Debug("skipping re-injection for non-http document", "url", url)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), in.opts.InjectTimeout+30*time.Second)
	defer cancel()

	if err := in.sess.WaitReady(ctx); err != nil {
		in.logger.Warn("document not ready after navigation", "url", url, "error", err)
	}
	time.Sleep(in.opts.SettleDelay)

	if in.closed.Load() || in.generation.Load() != gen {
		return
	}

	in.injectMu.Lock()
	defer in.injectMu.Unlock()
	if in.closed.Load() || in.generation.Load() != gen {
		return
	}

	err := in.injectOnce(ctx)
	if err == nil {
		return
	}
	in.logger.Warn("re-injection failed, retrying", "url", url, "error", err)
	if in.generation.Load() != gen {
		return
	}
	if err = in.injectOnce(ctx); err != nil {
		in.degrade(fmt.Sprintf("re-injection failed twice on %s: %v", url, err))
	}
}

func (in *Injector) degrade(reason string) {
	in.degradedOnce.Do(func() {
		in.logger.Error("recorder degraded", "reason", reason)
		if in.onDegraded != nil {
			in.onDegraded(reason)
		}
	})
}

type bootstrapResult struct {
	OK       bool   `json:"ok"`
	Snapshot bool   `json:"snapshot"`
	Reason   string `json:"reason,omitempty"`
}

func (in *Injector) injectOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, in.opts.InjectTimeout)
	defer cancel()

	injectedAt := time.Now()
	raw, err := in.sess.Evaluate(ctx, bootstrapJS, in.opts.ScriptURL)
	if err != nil {
		return fmt.Errorf("recorder bootstrap: %w", err)
	}
	var res bootstrapResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("recorder bootstrap result: %w", err)
	}
	if !res.OK {
		return fmt.Errorf("recorder bootstrap failed: %s", res.Reason)
	}

	in.logger.Info("recorder injected", "verified_snapshot", res.Snapshot)
	go in.pingIfQuiet(injectedAt)
	return nil
}

// pingIfQuiet emits a synthetic progress event when the page stays silent
// after an injection, so viewers and the idle sweeper can tell a quiet
// page from a dead recorder.
func (in *Injector) pingIfQuiet(injectedAt time.Time) {
	timer := time.NewTimer(in.opts.ProgressWait)
	defer timer.Stop()
	<-timer.C

	if in.closed.Load() {
		return
	}
	last := time.Unix(0, in.lastEventAt.Load())
	if last.After(injectedAt) {
		return
	}

	ping, err := json.Marshal(map[string]interface{}{
		"type":      stream.CustomEventType,
		"timestamp": time.Now().UnixMilli(),
		"data": map[string]interface{}{
			"tag":     "visual:progress",
			"payload": map[string]string{"state": "recorder_quiet"},
		},
	})
	if err != nil {
		return
	}
	in.logger.Info("no recorder events after injection, emitting progress ping")
	in.handleEvent(string(ping))
}

// bootstrapJS starts the recorder inside the page. It resolves only after
// the first FullSnapshot is observed (or a failure), mirroring the fact
// that a recorder restart always begins with a snapshot. The option set
// is fixed; see the emit wrapper for the bridge hand-off.
const bootstrapJS = `(src) => new Promise((resolve) => {
	if (window.__visualRecorderActive) {
		resolve({ ok: true, snapshot: false, reason: 'already-active' });
		return;
	}

	const start = () => {
		if (!window.rrweb || !window.rrweb.record) {
			resolve({ ok: false, reason: 'script loaded but rrweb.record missing' });
			return;
		}
		try {
			if (window.__visualRecorderStop) {
				try { window.__visualRecorderStop(); } catch (e) {}
			}
			let sawSnapshot = false;
			window.__visualRecorderStop = window.rrweb.record({
				errorHandler: (err) => {
					if (window.sendRRWebError) {
						try { window.sendRRWebError(String(err && err.stack || err)); } catch (e) {}
					}
				},
				emit: (event) => {
					if (event.type === 2 && !sawSnapshot) {
						sawSnapshot = true;
						resolve({ ok: true, snapshot: true });
					}
					try { window.sendRRWebEvent(JSON.stringify(event)); } catch (e) {}
				},
				checkoutEveryNms: 5000,
				sampling: { scroll: 100, media: 400, input: 'last' },
				slimDOMOptions: { script: false, comment: false, headFavicon: false },
				maskInputOptions: { password: true },
			});
			window.__visualRecorderActive = true;
			setTimeout(() => {
				if (!sawSnapshot) {
					resolve({ ok: false, reason: 'recorder started but produced no FullSnapshot within 5s' });
				}
			}, 5000);
		} catch (err) {
			resolve({ ok: false, reason: 'record() threw: ' + String(err) });
		}
	};

	if (window.rrweb && window.rrweb.record) {
		start();
		return;
	}
	const tag = document.createElement('script');
	tag.src = src;
	tag.onload = start;
	tag.onerror = () => resolve({ ok: false, reason: 'recorder script blocked or unreachable: ' + src });
	(document.head || document.documentElement).appendChild(tag);
	setTimeout(() => {
		if (!window.rrweb || !window.rrweb.record) {
			resolve({ ok: false, reason: 'recorder script load timed out: ' + src });
		}
	}, 8000);
})`
