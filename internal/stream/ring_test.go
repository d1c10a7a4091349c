package stream

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ringEvent(seq uint64, snapshot bool) *WireEvent {
	return &WireEvent{
		SessionID:  "visual-test",
		Timestamp:  float64(seq),
		Event:      json.RawMessage(fmt.Sprintf(`{"type":%d}`, seq)),
		SequenceID: seq,
		Metadata:   WireMetadata{IsSnapshot: snapshot},
	}
}

func seqs(events []*WireEvent) []uint64 {
	out := make([]uint64, len(events))
	for i, ev := range events {
		out[i] = ev.SequenceID
	}
	return out
}

func TestRingEvictsOldestFirst(t *testing.T) {
	r := NewRing(3)
	for i := uint64(0); i < 5; i++ {
		r.Append(ringEvent(i, false))
	}

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []uint64{2, 3, 4}, seqs(r.All()))
}

func TestRingTracksNewestSnapshot(t *testing.T) {
	r := NewRing(8)

	_, ok := r.SnapshotSeq()
	assert.False(t, ok, "empty ring must have no anchor")

	r.Append(ringEvent(0, false))
	r.Append(ringEvent(1, true))
	r.Append(ringEvent(2, false))

	seq, ok := r.SnapshotSeq()
	require.True(t, ok)
	assert.Equal(t, uint64(1), seq)

	suffix, ok := r.SnapshotSuffix()
	require.True(t, ok)
	assert.Equal(t, []uint64{1, 2}, seqs(suffix))

	// A newer snapshot moves the anchor forward.
	r.Append(ringEvent(3, true))
	seq, _ = r.SnapshotSeq()
	assert.Equal(t, uint64(3), seq)

	suffix, _ = r.SnapshotSuffix()
	assert.Equal(t, []uint64{3}, seqs(suffix))
}

func TestRingAnchorClearsWhenSnapshotEvicted(t *testing.T) {
	r := NewRing(2)
	r.Append(ringEvent(0, true))
	r.Append(ringEvent(1, false))
	r.Append(ringEvent(2, false)) // evicts the snapshot

	_, ok := r.SnapshotSeq()
	assert.False(t, ok)
	_, ok = r.SnapshotSuffix()
	assert.False(t, ok)
	assert.Equal(t, []uint64{1, 2}, seqs(r.All()))
}

func TestRingFromFiltersBySequence(t *testing.T) {
	r := NewRing(4)
	for i := uint64(0); i < 4; i++ {
		r.Append(ringEvent(i, false))
	}

	assert.Equal(t, []uint64{2, 3}, seqs(r.From(2)))
	assert.Empty(t, r.From(99))
	assert.Equal(t, []uint64{0, 1, 2, 3}, seqs(r.From(0)))
}
