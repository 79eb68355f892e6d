// Package stream implements the per-session event channel: an ordered,
// size-bounded event log plus live fan-out to any number of subscribers.
// A new subscriber always receives one hydrate snapshot first, then every
// later event in production order, so reconnecting clients re-hydrate
// instead of resuming from an offset.
package stream

import (
	"sync"
	"time"
)

// EventType identifies the kind of session event.
type EventType string

// Event kinds shared by every session vocabulary.
const (
	EventHydrate EventType = "hydrate"
	EventStatus  EventType = "status"
	EventLog     EventType = "log"
	EventChat    EventType = "chat"
	EventError   EventType = "error"
)

// Run-session vocabulary.
const (
	EventStep   EventType = "step"
	EventResult EventType = "result"
)

// Generation-session vocabulary.
const (
	EventStepRecorded EventType = "step_recorded"
	EventStepDeleted  EventType = "step_deleted"
	EventPageChanged  EventType = "page_changed"
	EventPlanReady    EventType = "plan_ready"
	EventCompleted    EventType = "completed"
	EventAutoSaved    EventType = "auto_saved"
)

// Multi-run vocabulary.
const (
	EventProgress EventType = "progress"
)

// Event is one delta on a session's channel. Seq is assigned at publish time
// and is strictly increasing per session.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"sessionId"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// SnapshotFunc produces the full current session state for hydration.
type SnapshotFunc func() map[string]any

// Broadcaster is the publish/subscribe channel for one session.
type Broadcaster struct {
	sessionID string
	cap       int
	snapshot  SnapshotFunc

	mu          sync.Mutex
	seq         uint64
	log         []Event
	subscribers map[chan Event]struct{}
	closed      bool
}

// NewBroadcaster creates a channel for one session. logCap bounds the
// retained event log; values <= 0 default to 500. snapshot is called under
// the publish lock, so new subscribers see a state consistent with the
// deltas that follow.
func NewBroadcaster(sessionID string, logCap int, snapshot SnapshotFunc) *Broadcaster {
	if logCap <= 0 {
		logCap = 500
	}
	return &Broadcaster{
		sessionID:   sessionID,
		cap:         logCap,
		snapshot:    snapshot,
		subscribers: make(map[chan Event]struct{}),
	}
}

// Publish appends one event to the log and fans it out. Slow subscribers
// drop events rather than block the producing loop; a dropped client
// re-hydrates on reconnect.
func (b *Broadcaster) Publish(eventType EventType, data map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.seq++
	event := Event{
		Type:      eventType,
		SessionID: b.sessionID,
		Seq:       b.seq,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.log = append(b.log, event)
	if len(b.log) > b.cap {
		b.log = b.log[len(b.log)-b.cap:]
	}

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop if subscriber can't keep up; prevents blocking the loop.
		}
	}
}

// Subscribe registers a new observer. The returned channel yields one hydrate
// event immediately, then every later event in order. The cleanup func
// unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 64)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	var snapshot map[string]any
	if b.snapshot != nil {
		snapshot = b.snapshot()
	}
	ch <- Event{
		Type:      EventHydrate,
		SessionID: b.sessionID,
		Seq:       b.seq,
		Timestamp: time.Now(),
		Data:      snapshot,
	}

	b.subscribers[ch] = struct{}{}
	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Events returns a copy of the retained event log.
func (b *Broadcaster) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.log))
	copy(out, b.log)
	return out
}

// SubscriberCount reports the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close disconnects every subscriber and rejects future publishes.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
