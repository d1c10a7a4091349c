package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visualcore/backend/internal/api"
	"github.com/visualcore/backend/internal/browser"
	"github.com/visualcore/backend/internal/control"
	"github.com/visualcore/backend/internal/core"
	"github.com/visualcore/backend/internal/envelope"
	"github.com/visualcore/backend/internal/recorder"
	"github.com/visualcore/backend/internal/session"
	"github.com/visualcore/backend/internal/storagestate"
	"github.com/visualcore/backend/internal/stream"
	"github.com/visualcore/backend/pkg/client"
)

const snapshotEvent = `{"type":2,"timestamp":1700000000500,"data":{"node":{"id":1}}}`

type sdkStack struct {
	ts   *httptest.Server
	fake *browser.FakeSession
}

func newService(t *testing.T) *sdkStack {
	t.Helper()

	fake := browser.NewFakeSession()
	fake.QueueEval(`{"ok":true,"snapshot":true}`, nil)

	prov, err := envelope.NewProvider("k-sdk")
	require.NoError(t, err)
	svc := storagestate.NewService(storagestate.NewMemoryStore(), envelope.NewKeyring(prov), 24, nil, nil)

	manager := session.NewManager(session.Config{
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
	}, func(ctx context.Context, headless *bool, state *core.StorageStateBlob) (browser.Session, error) {
		return fake, nil
	}, session.Deps{})

	srv := api.NewServer(manager, svc, nil, api.Config{
		Control: control.Config{
			RatePerSec:     2,
			MaxLifetime:    time.Minute,
			CommandTimeout: time.Second,
		},
	}, nil, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
		ts.Close()
	})
	return &sdkStack{ts: ts, fake: fake}
}

// fireEvent pushes a recorder event once the bridge is bound.
func (st *sdkStack) fireEvent(t *testing.T, payload string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return st.fake.Bridge(recorder.BridgeName) != nil
	}, 2*time.Second, 5*time.Millisecond, "recorder bridge never bound")
	st.fake.Bridge(recorder.BridgeName)(payload)
}

func TestRunStreamAndControl(t *testing.T) {
	st := newService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	vc := client.New(client.Config{BaseURL: st.ts.URL})

	run, err := vc.RunWorkflow(ctx, client.RunRequest{OwnerID: "owner-1"})
	require.NoError(t, err)
	require.NotEmpty(t, run.SessionID)
	assert.Contains(t, run.StreamURL, run.SessionID)

	st.fireEvent(t, snapshotEvent)

	viewer, err := vc.OpenStream(ctx, run.SessionID, nil)
	require.NoError(t, err)
	defer viewer.Close()
	assert.Equal(t, run.SessionID, viewer.SessionID())

	first := <-viewer.Events()
	assert.True(t, first.Metadata.IsSnapshot, "stream must open on a snapshot")
	assert.Equal(t, uint64(0), first.SequenceID)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(first.Event, &record))
	assert.Equal(t, float64(2), record["type"])

	st.fireEvent(t, `{"type":3,"timestamp":1700000001000,"data":{}}`)
	second := <-viewer.Events()
	assert.Equal(t, uint64(1), second.SequenceID)
	assert.False(t, second.Metadata.IsSnapshot)

	ctrl, err := vc.OpenControl(ctx, run.SessionID)
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.Click(ctx, 10, 20))
	assert.Contains(t, st.fake.Inputs(), "mouse_click 10,20 left x1")

	require.NoError(t, ctrl.Scroll(ctx, 0, 120))

	// Validation failures come back as command errors, not closes.
	err = ctrl.KeyUp(ctx, "")
	var cmdErr *client.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "invalid_message", cmdErr.Type)
	require.NoError(t, ctrl.Click(ctx, 30, 40))
}

func TestControlRateLimitSurfaces(t *testing.T) {
	st := newService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	vc := client.New(client.Config{BaseURL: st.ts.URL})
	run, err := vc.RunWorkflow(ctx, client.RunRequest{})
	require.NoError(t, err)
	st.fireEvent(t, snapshotEvent)

	ctrl, err := vc.OpenControl(ctx, run.SessionID)
	require.NoError(t, err)
	defer ctrl.Close()

	// Burst equals the per-second rate; hammering clicks must trip it.
	limited := false
	for i := 0; i < 10 && !limited; i++ {
		if err := ctrl.Click(ctx, 1, 1); err != nil {
			require.True(t, client.IsRateLimited(err), "unexpected error: %v", err)
			limited = true
		}
	}
	assert.True(t, limited, "rate limit never tripped")
}

func TestViewerResetReplaysFromSnapshot(t *testing.T) {
	st := newService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	vc := client.New(client.Config{BaseURL: st.ts.URL})
	run, err := vc.RunWorkflow(ctx, client.RunRequest{})
	require.NoError(t, err)
	st.fireEvent(t, snapshotEvent)

	resets := make(chan uint64, 1)
	viewer, err := vc.OpenStream(ctx, run.SessionID, &client.StreamOptions{
		OnReset: func(base uint64) { resets <- base },
	})
	require.NoError(t, err)
	defer viewer.Close()

	first := <-viewer.Events()
	require.True(t, first.Metadata.IsSnapshot)

	st.fireEvent(t, `{"type":3,"timestamp":1700000001000,"data":{}}`)
	<-viewer.Events()

	require.NoError(t, viewer.RequestReset())

	select {
	case base := <-resets:
		assert.Equal(t, uint64(0), base)
	case <-time.After(2 * time.Second):
		t.Fatal("reset announcement never arrived")
	}

	replayed := <-viewer.Events()
	assert.Equal(t, uint64(0), replayed.SequenceID)
	assert.True(t, replayed.Metadata.IsSnapshot, "replay must start on the snapshot")
}

func TestDialErrorsAreSentinels(t *testing.T) {
	st := newService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vc := client.New(client.Config{BaseURL: st.ts.URL})

	_, err := vc.OpenStream(ctx, "not-a-session", nil)
	assert.ErrorIs(t, err, client.ErrInvalidSession)

	_, err = vc.OpenStream(ctx, "visual-unknown", nil)
	assert.ErrorIs(t, err, client.ErrSessionNotFound)

	_, err = vc.OpenControl(ctx, "visual-unknown")
	assert.ErrorIs(t, err, client.ErrSessionNotFound)
}

func TestStatusAndCancel(t *testing.T) {
	st := newService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	vc := client.New(client.Config{BaseURL: st.ts.URL})
	run, err := vc.RunWorkflow(ctx, client.RunRequest{OwnerID: "owner-1"})
	require.NoError(t, err)
	st.fireEvent(t, snapshotEvent)

	require.Eventually(t, func() bool {
		status, err := vc.Status(ctx, run.SessionID)
		return err == nil && status.Phase == "STREAMING" && status.Stream.StreamingReady
	}, 3*time.Second, 20*time.Millisecond)

	sessions, err := vc.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "rrweb-dom", sessions[0].Quality)

	require.NoError(t, vc.Cancel(ctx, run.SessionID))

	var apiErr *client.APIError
	require.Eventually(t, func() bool {
		_, err := vc.Status(ctx, run.SessionID)
		return errors.As(err, &apiErr) && apiErr.StatusCode == 404
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "session_not_found", apiErr.Type)
}

func TestStorageStateRoundTrip(t *testing.T) {
	st := newService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	owner := client.New(client.Config{BaseURL: st.ts.URL, OwnerID: "owner-7"})
	stranger := client.New(client.Config{BaseURL: st.ts.URL, OwnerID: "owner-8"})

	key, err := owner.PublicKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "k-sdk", key.KID)
	assert.Contains(t, key.PEM, "BEGIN PUBLIC KEY")

	upload := sealWith(t, key, "token-A")
	created, err := owner.SaveStorageState(ctx, upload)
	require.NoError(t, err)
	assert.Equal(t, "owner-7", created.OwnerID)
	assert.True(t, created.Verified)

	latest, err := owner.LatestStorageState(ctx, "google")
	require.NoError(t, err)
	assert.Equal(t, created.ID, latest.ID)

	var blob core.StorageStateBlob
	require.NoError(t, json.Unmarshal(latest.StorageState, &blob))
	require.NotEmpty(t, blob.Cookies)
	assert.Equal(t, "token-A", blob.Cookies[0].Value)

	// Another owner cannot see or replace the record.
	_, err = stranger.LatestStorageState(ctx)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)

	_, err = stranger.ReplaceStorageState(ctx, created.ID, sealWith(t, key, "token-B"))
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.StatusCode)
	assert.Equal(t, "owner_mismatch", apiErr.Type)

	// A client without an owner id fails before touching the network.
	anonymous := client.New(client.Config{BaseURL: st.ts.URL})
	_, err = anonymous.LatestStorageState(ctx)
	require.Error(t, err)
	var preflight *client.APIError
	assert.False(t, errors.As(err, &preflight), "expected a client-side error, got %v", err)
	assert.Contains(t, err.Error(), "OwnerID")
}

// sealWith encrypts a google-verified blob under the handed-out public
// key, the way a browser-side uploader would.
func sealWith(t *testing.T, key *client.PublicKey, token string) client.StorageStateUpload {
	t.Helper()

	exp := float64(time.Now().Add(48 * time.Hour).Unix())
	blob := core.StorageStateBlob{}
	for _, name := range []string{"SID", "SIDCC", "OSID"} {
		blob.Cookies = append(blob.Cookies, core.Cookie{
			Name: name, Value: token, Domain: ".google.com", Path: "/", Expires: exp, Secure: true,
		})
	}
	plaintext, err := json.Marshal(&blob)
	require.NoError(t, err)

	prov, err := envelope.NewSealOnlyProvider(key.KID, []byte(key.PEM))
	require.NoError(t, err)
	env, err := prov.Seal(plaintext)
	require.NoError(t, err)

	return client.StorageStateUpload{
		Ciphertext: env.Ciphertext,
		Nonce:      env.Nonce,
		WrappedKey: env.WrappedKey,
		KID:        env.KID,
		Metadata:   map[string]interface{}{"source": "sdk-test"},
	}
}
