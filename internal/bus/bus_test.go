package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestLocalBusTypedSubscription(t *testing.T) {
	b := NewLocalBus()
	started := b.Subscribe(SessionStarted)
	ended := b.Subscribe(SessionEnded)

	b.Emit(SessionStarted, "visual-1", map[string]interface{}{"owner_id": "o1"})

	e := recv(t, started)
	assert.Equal(t, SessionStarted, e.Type)
	assert.Equal(t, "visual-1", e.Subject)
	assert.Equal(t, Source, e.Source)
	assert.Equal(t, "1.0", e.SpecVersion)
	assert.Equal(t, "o1", e.Data["owner_id"])
	assert.NotEmpty(t, e.ID)

	select {
	case <-ended:
		t.Fatal("ended subscriber received a started event")
	default:
	}
}

func TestLocalBusAllEventsSubscription(t *testing.T) {
	b := NewLocalBus()
	all := b.Subscribe()

	b.Emit(SessionStarted, "visual-1", nil)
	b.Emit(PhaseChanged, "visual-1", map[string]interface{}{"phase": "STREAMING"})

	assert.Equal(t, SessionStarted, recv(t, all).Type)
	assert.Equal(t, PhaseChanged, recv(t, all).Type)
}

func TestLocalBusFullSubscriberDoesNotBlock(t *testing.T) {
	b := NewLocalBus()
	b.buffer = 1
	slow := b.Subscribe(SessionStarted)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Emit(SessionStarted, "visual-1", nil)
		b.Emit(SessionStarted, "visual-2", nil) // dropped, channel full
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
	assert.Equal(t, "visual-1", recv(t, slow).Subject)
}

func TestLocalBusUnsubscribe(t *testing.T) {
	b := NewLocalBus()
	ch := b.Subscribe(SessionEnded)
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(ch)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "channel closed after unsubscribe")

	// Emits after unsubscribe must not panic.
	b.Emit(SessionEnded, "visual-1", nil)
}

func TestEventJSONShape(t *testing.T) {
	e := NewEvent(Degraded, "visual-9", map[string]interface{}{"reason": "re-injection failed"})
	data, err := e.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"specversion":"1.0"`)
	assert.Contains(t, string(data), `"type":"visual.session.degraded"`)
	assert.Contains(t, string(data), `"subject":"visual-9"`)
}
