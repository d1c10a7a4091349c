// Package stream implements the per-session event pipeline: recorder
// events come in from the page bridge, get sequenced and buffered, and fan
// out to every connected viewer.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FullSnapshotType is the only recorder event type the host interprets.
// Everything else passes through opaquely.
const FullSnapshotType = 2

// CustomEventType marks recorder custom events; the host emits one as a
// synthetic progress ping when the page stays quiet after injection.
const CustomEventType = 5

// RecorderEvent is one event emitted by the in-page recorder. The body is
// kept verbatim; only type and timestamp are read.
type RecorderEvent struct {
	Raw       json.RawMessage
	Type      int
	Timestamp float64
}

// ParseRecorderEvent validates the minimal shape without touching the rest
// of the payload.
func ParseRecorderEvent(raw []byte) (*RecorderEvent, error) {
	var head struct {
		Type      *int    `json:"type"`
		Timestamp float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("recorder event is not valid JSON: %w", err)
	}
	if head.Type == nil {
		return nil, errors.New("recorder event has no type")
	}
	body := make(json.RawMessage, len(raw))
	copy(body, raw)
	return &RecorderEvent{Raw: body, Type: *head.Type, Timestamp: head.Timestamp}, nil
}

// IsSnapshot reports whether this is a FullSnapshot.
func (e *RecorderEvent) IsSnapshot() bool { return e.Type == FullSnapshotType }

// WireMetadata annotates a wire event for viewers.
type WireMetadata struct {
	OriginURL  string `json:"origin_url"`
	IsSnapshot bool   `json:"is_snapshot"`
}

// WireEvent is the broadcast shape. The recorder body rides under the
// stable key "event"; sequence ids are gapless and strictly monotone per
// session, assigned at enqueue.
type WireEvent struct {
	SessionID  string          `json:"session_id"`
	Timestamp  float64         `json:"timestamp"`
	Event      json.RawMessage `json:"event"`
	SequenceID uint64          `json:"sequence_id"`
	Metadata   WireMetadata    `json:"metadata"`

	encoded []byte
}

// Encode marshals the event once and reuses the bytes for every viewer,
// which also keeps fan-out deterministic.
func (e *WireEvent) Encode() []byte {
	if e.encoded == nil {
		e.encoded = marshalFrame(e)
	}
	return e.encoded
}

// HostTimestamp is the host clock as float seconds, the timestamp format
// every frame carries.
func HostTimestamp() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// ============================================================================
// CONTROL FRAMES — server→viewer messages that are not WireEvents
// ============================================================================

type connectionEstablishedFrame struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	Timestamp float64 `json:"timestamp"`
}

type sequenceResetFrame struct {
	Type      string  `json:"type"`
	Base      uint64  `json:"base"`
	Timestamp float64 `json:"timestamp"`
}

type sequenceResetAckFrame struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

type sessionExpiredFrame struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	Timestamp float64 `json:"timestamp"`
}

type pongFrame struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

type errorFrame struct {
	Type      string  `json:"type"`
	ErrorType string  `json:"error_type"`
	Message   string  `json:"error,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

type ackFrame struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

func marshalFrame(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Frames are fixed shapes; marshal cannot fail at runtime.
		panic(fmt.Sprintf("stream: frame marshal: %v", err))
	}
	return data
}

// ConnectionEstablishedFrame announces a successful channel attach.
func ConnectionEstablishedFrame(sessionID string) []byte {
	return marshalFrame(connectionEstablishedFrame{
		Type: "connection_established", SessionID: sessionID, Timestamp: HostTimestamp(),
	})
}

// SequenceResetFrame tells a viewer the stream re-anchors at base.
func SequenceResetFrame(base uint64) []byte {
	return marshalFrame(sequenceResetFrame{
		Type: "sequence_reset", Base: base, Timestamp: HostTimestamp(),
	})
}

// SequenceResetAckFrame confirms a viewer's reset request.
func SequenceResetAckFrame() []byte {
	return marshalFrame(sequenceResetAckFrame{
		Type: "sequence_reset_ack", Timestamp: HostTimestamp(),
	})
}

// SessionExpiredFrame is the last frame before a channel closes for
// lifetime or wait-deadline reasons.
func SessionExpiredFrame(sessionID string) []byte {
	return marshalFrame(sessionExpiredFrame{
		Type: "session_expired", SessionID: sessionID, Timestamp: HostTimestamp(),
	})
}

// PongFrame answers a viewer ping with the host clock.
func PongFrame() []byte {
	return marshalFrame(pongFrame{Type: "pong", Timestamp: HostTimestamp()})
}

// ErrorFrame reports a non-fatal protocol error on a channel.
func ErrorFrame(errorType, message string) []byte {
	return marshalFrame(errorFrame{
		Type: "error", ErrorType: errorType, Message: message, Timestamp: HostTimestamp(),
	})
}

// AckFrame confirms a successfully executed control command.
func AckFrame() []byte {
	return marshalFrame(ackFrame{Type: "ack", Timestamp: HostTimestamp()})
}
