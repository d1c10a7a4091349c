package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecorderEvent(t *testing.T) {
	raw := []byte(`{"type":2,"timestamp":1700000000500,"data":{"node":{"id":1}}}`)
	ev, err := ParseRecorderEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, FullSnapshotType, ev.Type)
	assert.True(t, ev.IsSnapshot())
	assert.JSONEq(t, string(raw), string(ev.Raw), "body must pass through verbatim")

	ev, err = ParseRecorderEvent([]byte(`{"type":3,"timestamp":1}`))
	require.NoError(t, err)
	assert.False(t, ev.IsSnapshot())

	_, err = ParseRecorderEvent([]byte(`{"timestamp":1}`))
	assert.Error(t, err, "missing type must be rejected")

	_, err = ParseRecorderEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestWireEventEncodeShape(t *testing.T) {
	ev := &WireEvent{
		SessionID:  "visual-abc",
		Timestamp:  1700000000.25,
		Event:      json.RawMessage(`{"type":2,"data":{}}`),
		SequenceID: 7,
		Metadata:   WireMetadata{OriginURL: "https://example.com", IsSnapshot: true},
	}

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(ev.Encode(), &decoded))

	assert.Equal(t, "visual-abc", decoded["session_id"])
	assert.Equal(t, float64(7), decoded["sequence_id"])
	assert.Contains(t, decoded, "event")
	assert.NotContains(t, decoded, "event_data")

	meta := decoded["metadata"].(map[string]interface{})
	assert.Equal(t, true, meta["is_snapshot"])
	assert.Equal(t, "https://example.com", meta["origin_url"])

	// Encode is memoized; both calls hand out identical bytes.
	assert.Equal(t, ev.Encode(), ev.Encode())
}

func TestControlFrameShapes(t *testing.T) {
	var reset map[string]interface{}
	require.NoError(t, json.Unmarshal(SequenceResetFrame(42), &reset))
	assert.Equal(t, "sequence_reset", reset["type"])
	assert.Equal(t, float64(42), reset["base"])
	assert.Greater(t, reset["timestamp"], float64(0))

	var errF map[string]interface{}
	require.NoError(t, json.Unmarshal(ErrorFrame("invalid_message", "bad frame"), &errF))
	assert.Equal(t, "error", errF["type"])
	assert.Equal(t, "invalid_message", errF["error_type"])
	assert.Equal(t, "bad frame", errF["error"])

	var hello map[string]interface{}
	require.NoError(t, json.Unmarshal(ConnectionEstablishedFrame("visual-x"), &hello))
	assert.Equal(t, "connection_established", hello["type"])
	assert.Equal(t, "visual-x", hello["session_id"])
}
