package stream

// Ring is a fixed-capacity event buffer with FIFO eviction. It tracks the
// newest buffered FullSnapshot as the replay anchor; once that snapshot is
// evicted no older one can remain, so the anchor simply clears.
type Ring struct {
	buf  []*WireEvent
	head int // index of the oldest element
	size int

	snapshotSeq uint64
	hasSnapshot bool
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]*WireEvent, capacity)}
}

// Append adds an event, evicting the oldest when full.
func (r *Ring) Append(ev *WireEvent) {
	if r.size == len(r.buf) {
		evicted := r.buf[r.head]
		r.buf[r.head] = nil
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		if r.hasSnapshot && evicted.SequenceID == r.snapshotSeq {
			r.hasSnapshot = false
		}
	}
	r.buf[(r.head+r.size)%len(r.buf)] = ev
	r.size++
	if ev.Metadata.IsSnapshot {
		r.snapshotSeq = ev.SequenceID
		r.hasSnapshot = true
	}
}

// Len reports how many events are buffered.
func (r *Ring) Len() int { return r.size }

// SnapshotSeq returns the sequence id of the newest buffered FullSnapshot.
func (r *Ring) SnapshotSeq() (uint64, bool) {
	return r.snapshotSeq, r.hasSnapshot
}

// From returns the buffered events with sequence id >= seq, oldest first.
// The slice is freshly allocated; callers may keep it.
func (r *Ring) From(seq uint64) []*WireEvent {
	out := make([]*WireEvent, 0, r.size)
	for i := 0; i < r.size; i++ {
		ev := r.buf[(r.head+i)%len(r.buf)]
		if ev.SequenceID >= seq {
			out = append(out, ev)
		}
	}
	return out
}

// SnapshotSuffix returns the buffer from the newest FullSnapshot through
// the end, or false when no snapshot is buffered.
func (r *Ring) SnapshotSuffix() ([]*WireEvent, bool) {
	if !r.hasSnapshot {
		return nil, false
	}
	return r.From(r.snapshotSeq), true
}

// All returns every buffered event, oldest first.
func (r *Ring) All() []*WireEvent {
	return r.From(0)
}
