package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visualcore/backend/internal/browser"
	"github.com/visualcore/backend/internal/bus"
	"github.com/visualcore/backend/internal/core"
	"github.com/visualcore/backend/internal/envelope"
	"github.com/visualcore/backend/internal/recorder"
	"github.com/visualcore/backend/internal/storagestate"
	"github.com/visualcore/backend/internal/stream"
	"github.com/visualcore/backend/internal/workflow"
)

const (
	bootstrapOK   = `{"ok":true,"snapshot":true}`
	snapshotEvent = `{"type":2,"timestamp":1700000000500,"data":{"node":{"id":1}}}`
)

func testConfig() Config {
	return Config{
		Stream: stream.Config{
			BufferSize:   64,
			ClientQueue:  16,
			SnapshotWait: time.Second,
			DrainGrace:   100 * time.Millisecond,
		},
		Recorder: recorder.Options{
			ScriptURL:     "https://example.com/rrweb.min.js",
			SettleDelay:   time.Millisecond,
			ProgressWait:  50 * time.Millisecond,
			InjectTimeout: 2 * time.Second,
		},
		StartupTimeout:  5 * time.Second,
		SnapshotTimeout: 2 * time.Second,
		IdleCutoff:      5 * time.Minute,
		SweepInterval:   time.Hour,
	}
}

func newStarter(fake *browser.FakeSession) BrowserStarter {
	return func(ctx context.Context, headless *bool, state *core.StorageStateBlob) (browser.Session, error) {
		return fake, nil
	}
}

// deliverSnapshot pushes the first FullSnapshot through the recorder
// bridge once the injector has bound it.
func deliverSnapshot(t *testing.T, fake *browser.FakeSession) {
	t.Helper()
	require.Eventually(t, func() bool {
		return fake.Bridge(recorder.BridgeName) != nil
	}, 2*time.Second, 5*time.Millisecond, "recorder bridge never bound")
	fake.Bridge(recorder.BridgeName)(snapshotEvent)
}

func waitPhase(t *testing.T, s *Session, p core.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Phase() == p
	}, 3*time.Second, 5*time.Millisecond)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session stuck in phase %s", s.Phase())
	}
}

func TestSessionRunsWorkflowToCompletion(t *testing.T) {
	fake := browser.NewFakeSession()
	fake.QueueEval(bootstrapOK, nil)

	local := bus.NewLocalBus()
	events := local.Subscribe()

	m := NewManager(testConfig(), newStarter(fake), Deps{Bus: local})
	def := &workflow.Definition{
		Name:  "demo",
		Steps: []workflow.Step{{Type: workflow.StepWait, Condition: workflow.WaitSeconds, Seconds: 0.01}},
	}
	s, err := m.Start(StartOptions{OwnerID: "owner-1", Definition: def})
	require.NoError(t, err)
	assert.Equal(t, "demo", s.Workflow)

	deliverSnapshot(t, fake)
	waitDone(t, s)

	assert.Equal(t, core.PhaseEnded, s.Phase())
	assert.True(t, fake.Closed())
	assert.Nil(t, m.Lookup(s.ID))

	var types []string
	for {
		select {
		case e := <-events:
			types = append(types, e.Type)
		default:
			assert.Contains(t, types, bus.SessionStarted)
			assert.Contains(t, types, bus.PhaseChanged)
			assert.Contains(t, types, bus.SessionEnded)
			return
		}
	}
}

func TestInteractiveSessionAutosavesOnEnd(t *testing.T) {
	fake := browser.NewFakeSession()
	fake.QueueEval(bootstrapOK, nil)
	fake.CookieJar = []core.Cookie{{
		Name:    "SID",
		Value:   "token-value",
		Domain:  ".google.com",
		Path:    "/",
		Expires: float64(time.Now().Add(48 * time.Hour).Unix()),
		Secure:  true,
	}}

	prov, err := envelope.NewProvider("k-test")
	require.NoError(t, err)
	store := storagestate.NewMemoryStore()
	svc := storagestate.NewService(store, envelope.NewKeyring(prov), 24, nil, nil)

	local := bus.NewLocalBus()
	saved := local.Subscribe(bus.AutosaveSaved)

	cfg := testConfig()
	cfg.AutoSave = true
	m := NewManager(cfg, newStarter(fake), Deps{State: svc, Bus: local})

	s, err := m.Start(StartOptions{OwnerID: "owner-7"})
	require.NoError(t, err)
	deliverSnapshot(t, fake)
	waitPhase(t, s, core.PhaseStreaming)

	s.End("cancelled")
	waitDone(t, s)
	assert.Equal(t, core.PhaseEnded, s.Phase())

	var recordID string
	select {
	case e := <-saved:
		recordID, _ = e.Data["record_id"].(string)
	case <-time.After(2 * time.Second):
		t.Fatal("no autosave event")
	}
	require.NotEmpty(t, recordID)

	rec, err := store.Get(context.Background(), recordID)
	require.NoError(t, err)
	assert.Equal(t, "owner-7", rec.OwnerID)
	assert.NotEmpty(t, rec.Ciphertext, "store holds ciphertext only")

	blob, err := svc.LoadPlaintext(rec)
	require.NoError(t, err)
	require.Len(t, blob.Cookies, 1)
	assert.Equal(t, "SID", blob.Cookies[0].Name)
	require.NotNil(t, blob.EnvMetadata)
	assert.Equal(t, "fake-browser/1.0", blob.EnvMetadata.UserAgent)
}

func TestUseCookiesRestoresVerifiedState(t *testing.T) {
	prov, err := envelope.NewProvider("k-test")
	require.NoError(t, err)
	store := storagestate.NewMemoryStore()
	svc := storagestate.NewService(store, envelope.NewKeyring(prov), 24, nil, nil)

	exp := float64(time.Now().Add(48 * time.Hour).Unix())
	seed := &core.StorageStateBlob{Cookies: []core.Cookie{
		{Name: "SID", Value: "a", Domain: ".google.com", Path: "/", Expires: exp},
		{Name: "SIDCC", Value: "b", Domain: ".google.com", Path: "/", Expires: exp},
		{Name: "OSID", Value: "c", Domain: ".google.com", Path: "/", Expires: exp},
	}}
	rec, err := svc.Save(context.Background(), "owner-9", seed, nil)
	require.NoError(t, err)
	require.Equal(t, storagestate.StatusVerified, rec.Status)

	stateCh := make(chan *core.StorageStateBlob, 2)
	starter := func(ctx context.Context, headless *bool, state *core.StorageStateBlob) (browser.Session, error) {
		fake := browser.NewFakeSession()
		fake.QueueEval(bootstrapOK, nil)
		stateCh <- state
		return fake, nil
	}
	loader := storagestate.NewLoader(svc, "", "", nil, nil)
	m := NewManager(testConfig(), starter, Deps{State: svc, Loader: loader})

	restore := true
	s, err := m.Start(StartOptions{OwnerID: "owner-9", UseCookies: &restore})
	require.NoError(t, err)

	select {
	case got := <-stateCh:
		require.NotNil(t, got, "verified state never reached the starter")
		names := make([]string, 0, len(got.Cookies))
		for _, c := range got.Cookies {
			names = append(names, c.Name)
		}
		assert.ElementsMatch(t, []string{"SID", "SIDCC", "OSID"}, names)
	case <-time.After(2 * time.Second):
		t.Fatal("starter never called")
	}
	s.End("cancelled")
	waitDone(t, s)

	// With the cookie feature off (the default) the same owner starts cold.
	s2, err := m.Start(StartOptions{OwnerID: "owner-9"})
	require.NoError(t, err)
	select {
	case got := <-stateCh:
		assert.Nil(t, got, "state restored despite the feature gate")
	case <-time.After(2 * time.Second):
		t.Fatal("starter never called")
	}
	s2.End("cancelled")
	waitDone(t, s2)
}

func TestBrowserStartFailureFailsSession(t *testing.T) {
	starter := func(ctx context.Context, headless *bool, state *core.StorageStateBlob) (browser.Session, error) {
		return nil, errors.New("no usable chromium found")
	}
	m := NewManager(testConfig(), starter, Deps{})

	s, err := m.Start(StartOptions{})
	require.NoError(t, err)
	waitDone(t, s)

	assert.Equal(t, core.PhaseFailed, s.Phase())
	assert.Contains(t, s.Failure(), "browser start failed")
	assert.Nil(t, m.Lookup(s.ID))
}

func TestRecorderAttachFailureFailsSession(t *testing.T) {
	fake := browser.NewFakeSession()
	fake.QueueEval("", assert.AnError) // initial injection
	fake.QueueEval("", assert.AnError) // retry

	m := NewManager(testConfig(), newStarter(fake), Deps{})
	s, err := m.Start(StartOptions{})
	require.NoError(t, err)
	waitDone(t, s)

	assert.Equal(t, core.PhaseFailed, s.Phase())
	assert.Contains(t, s.Failure(), "recorder attach failed")
	assert.True(t, fake.Closed(), "browser released on failure")
}

func TestWorkflowFailureMarksSessionFailed(t *testing.T) {
	fake := browser.NewFakeSession()
	fake.QueueEval(bootstrapOK, nil)
	fake.QueueEval("false", nil) // click finds no element

	local := bus.NewLocalBus()
	ended := local.Subscribe(bus.SessionEnded)

	m := NewManager(testConfig(), newStarter(fake), Deps{Bus: local})
	def := &workflow.Definition{
		Name:  "broken",
		Steps: []workflow.Step{{Type: workflow.StepClick, Selector: "#missing"}},
	}
	s, err := m.Start(StartOptions{Definition: def})
	require.NoError(t, err)
	deliverSnapshot(t, fake)
	waitDone(t, s)

	assert.Equal(t, core.PhaseFailed, s.Phase())
	assert.Contains(t, s.Failure(), "workflow failed")

	select {
	case e := <-ended:
		assert.Equal(t, "failed", e.Data["reason"])
	case <-time.After(2 * time.Second):
		t.Fatal("no ended event")
	}
}

func TestCancelReasonReachesEndedEvent(t *testing.T) {
	fake := browser.NewFakeSession()
	fake.QueueEval(bootstrapOK, nil)

	local := bus.NewLocalBus()
	ended := local.Subscribe(bus.SessionEnded)

	m := NewManager(testConfig(), newStarter(fake), Deps{Bus: local})
	s, err := m.Start(StartOptions{})
	require.NoError(t, err)
	deliverSnapshot(t, fake)
	waitPhase(t, s, core.PhaseStreaming)

	s.End("cancelled")
	waitDone(t, s)

	select {
	case e := <-ended:
		assert.Equal(t, "cancelled", e.Data["reason"])
	case <-time.After(2 * time.Second):
		t.Fatal("no ended event")
	}
}

func TestSweepEndsIdleStreamingSessions(t *testing.T) {
	fake := browser.NewFakeSession()
	fake.QueueEval(bootstrapOK, nil)

	m := NewManager(testConfig(), newStarter(fake), Deps{})
	s, err := m.Start(StartOptions{})
	require.NoError(t, err)
	deliverSnapshot(t, fake)
	waitPhase(t, s, core.PhaseStreaming)

	// Fresh events keep the session alive.
	m.sweep(time.Now())
	assert.NotNil(t, m.Lookup(s.ID))

	// Past the cutoff with no viewers it goes.
	m.sweep(time.Now().Add(m.cfg.IdleCutoff + time.Minute))
	waitDone(t, s)
	assert.Equal(t, core.PhaseEnded, s.Phase())
}

func TestHeadlessOverrideReachesStarter(t *testing.T) {
	fake := browser.NewFakeSession()
	fake.QueueEval(bootstrapOK, nil)

	headlessCh := make(chan *bool, 1)
	starter := func(ctx context.Context, headless *bool, state *core.StorageStateBlob) (browser.Session, error) {
		headlessCh <- headless
		return fake, nil
	}
	m := NewManager(testConfig(), starter, Deps{})

	headed := false
	s, err := m.Start(StartOptions{Headless: &headed})
	require.NoError(t, err)
	deliverSnapshot(t, fake)

	select {
	case got := <-headlessCh:
		require.NotNil(t, got)
		assert.False(t, *got)
	case <-time.After(2 * time.Second):
		t.Fatal("starter never called")
	}

	s.End("cancelled")
	waitDone(t, s)
}

func TestStatusViewReflectsStream(t *testing.T) {
	fake := browser.NewFakeSession()
	fake.QueueEval(bootstrapOK, nil)

	m := NewManager(testConfig(), newStarter(fake), Deps{})
	s, err := m.Start(StartOptions{OwnerID: "owner-2"})
	require.NoError(t, err)
	deliverSnapshot(t, fake)
	waitPhase(t, s, core.PhaseStreaming)

	// Ingest is asynchronous; wait for the snapshot to land in the ring.
	require.Eventually(t, func() bool {
		return s.StatusView().Stream.StreamingReady
	}, 2*time.Second, 5*time.Millisecond)

	view := s.StatusView()
	assert.Equal(t, s.ID.String(), view.SessionID)
	assert.Equal(t, core.PhaseStreaming, view.Phase)
	assert.Equal(t, "owner-2", view.OwnerID)
	assert.True(t, view.Stream.StreamingActive)
	assert.GreaterOrEqual(t, view.Stream.EventsProcessed, uint64(1))

	s.End("cancelled")
	waitDone(t, s)
}

func TestShutdownEndsAllSessions(t *testing.T) {
	fakeA := browser.NewFakeSession()
	fakeA.QueueEval(bootstrapOK, nil)
	fakeB := browser.NewFakeSession()
	fakeB.QueueEval(bootstrapOK, nil)

	fakes := []*browser.FakeSession{fakeA, fakeB}
	var next int
	starter := func(ctx context.Context, headless *bool, state *core.StorageStateBlob) (browser.Session, error) {
		f := fakes[next]
		next++
		return f, nil
	}
	m := NewManager(testConfig(), starter, Deps{})

	a, err := m.Start(StartOptions{})
	require.NoError(t, err)
	deliverSnapshot(t, fakeA)
	waitPhase(t, a, core.PhaseStreaming)

	b, err := m.Start(StartOptions{})
	require.NoError(t, err)
	deliverSnapshot(t, fakeB)
	waitPhase(t, b, core.PhaseStreaming)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Shutdown(ctx)

	assert.Equal(t, 0, m.Registry().Len())
	assert.Equal(t, core.PhaseEnded, a.Phase())
	assert.Equal(t, core.PhaseEnded, b.Phase())
}
