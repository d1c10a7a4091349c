// Package bus publishes session lifecycle notifications as CloudEvents.
// The local bus fans out in-process; the Pub/Sub bus additionally
// publishes each event to a topic for downstream platform consumers.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Source identifies this service in every published event.
const Source = "visualcore/backend"

// Session lifecycle event types.
const (
	SessionStarted = "visual.session.started"
	PhaseChanged   = "visual.session.phase_changed"
	Degraded       = "visual.session.degraded"
	SessionEnded   = "visual.session.ended"
	AutosaveSaved  = "visual.session.autosave_saved"
	AutosaveFailed = "visual.session.autosave_failed"
)

// Emitter publishes lifecycle events. Emit never blocks the caller.
type Emitter interface {
	Emit(eventType, subject string, data map[string]interface{})
}

// Event is the CloudEvents 1.0 envelope carried on the bus. Subject is
// the session id the event concerns.
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewEvent builds a CloudEvents 1.0 envelope with a fresh id.
func NewEvent(eventType, subject string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      Source,
		ID:          uuid.New().String(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// LocalBus is an in-process pub/sub bus. Delivery is best-effort: a
// subscriber with a full channel misses the event rather than stalling
// the session that emitted it.
type LocalBus struct {
	mu      sync.RWMutex
	typed   map[string][]chan *Event
	allSubs []chan *Event
	buffer  int
}

var _ Emitter = (*LocalBus)(nil)

func NewLocalBus() *LocalBus {
	return &LocalBus{
		typed:  make(map[string][]chan *Event),
		buffer: 100,
	}
}

// Subscribe returns a channel receiving events of the given types, or
// every event when no type is named.
func (b *LocalBus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.buffer)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.typed[et] = append(b.typed[et], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *LocalBus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.typed {
		b.typed[et] = dropChan(subs, ch)
	}
	b.allSubs = dropChan(b.allSubs, ch)
	close(ch)
}

func dropChan(subs []chan *Event, ch chan *Event) []chan *Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}

// Publish fans a pre-built event out to matching subscribers.
func (b *LocalBus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.typed[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event.
func (b *LocalBus) Emit(eventType, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, subject, data))
}

// SubscriberCount reports active subscriptions.
func (b *LocalBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.typed {
		count += len(subs)
	}
	return count
}
