package ws

import (
	"sync"
	"time"
)

// Outbox is a bounded per-connection frame queue. The producer (a session's
// fan-out task) appends under the lock; the connection's write pump consumes
// via Next. Unlike a channel, queued frames can be truncated, which is what
// the slow-viewer reset policy needs.
type Outbox struct {
	mu     sync.Mutex
	frames [][]byte
	limit  int
	closed bool
	notify chan struct{}
}

func NewOutbox(limit int) *Outbox {
	return &Outbox{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// Push appends a frame. Returns false when the queue is at its limit or
// closed; the frame is not queued in either case.
func (o *Outbox) Push(frame []byte) bool {
	o.mu.Lock()
	if o.closed || len(o.frames) >= o.limit {
		o.mu.Unlock()
		return false
	}
	o.frames = append(o.frames, frame)
	o.mu.Unlock()
	o.wake()
	return true
}

// ReplaceAll discards everything queued and installs frames in its place.
// Used to splice in a snapshot-anchored replay after an overflow. Frames
// beyond the limit are silently not installed.
func (o *Outbox) ReplaceAll(frames [][]byte) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if len(frames) > o.limit {
		frames = frames[:o.limit]
	}
	o.frames = append(o.frames[:0], frames...)
	o.mu.Unlock()
	o.wake()
}

// Next blocks until a frame is available, wake fires, or the outbox is
// finished. Returns (frame, true) for a frame, (nil, true) when wake fired,
// and (nil, false) once the outbox is closed and drained or done is closed.
// A closed outbox keeps yielding its remaining frames before reporting
// false, so graceful shutdown flushes the tail.
func (o *Outbox) Next(done <-chan struct{}, wake <-chan time.Time) ([]byte, bool) {
	for {
		o.mu.Lock()
		if len(o.frames) > 0 {
			frame := o.frames[0]
			o.frames = o.frames[1:]
			o.mu.Unlock()
			return frame, true
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-o.notify:
		case <-wake:
			return nil, true
		case <-done:
			return nil, false
		}
	}
}

// Close stops accepting frames. Frames already queued still drain through
// Next.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wake()
}

// Len reports the queued frame count.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

// Drained reports whether the outbox is closed with nothing left queued.
func (o *Outbox) Drained() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed && len(o.frames) == 0
}

func (o *Outbox) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}
