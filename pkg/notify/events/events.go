// Package events is the event delivery mechanism callers use to observe the
// engine: a bounded per-caller channel set (spec §6 "Event delivery
// mechanism"), mirroring the teacher's channel-based
// Events chan *event.E / ClosedReason chan string fields on ws.Subscription
// rather than a callback-registry pattern.
package events

import "sync"

// Kind names the event taxonomy emitted to callers (spec §6 "Events emitted
// to callers").
type Kind string

const (
	KindSubscription         Kind = "notify_subscription"
	KindUpdate                Kind = "notify_update"
	KindDelete                Kind = "notify_delete"
	KindSubscriptionsChanged  Kind = "notify_subscriptions_changed"
	KindMessage               Kind = "notify_message"
)

// Event is one item delivered to a registered channel.
type Event struct {
	Kind Kind
	Data any
}

// Bus fans out Emit calls to every channel a caller has registered via
// Subscribe, each with its own bounded buffer so one slow caller does not
// block another.
type Bus struct {
	mu       sync.Mutex
	channels map[chan Event]struct{}
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{channels: make(map[chan Event]struct{})}
}

// Subscribe registers and returns a new channel; the caller ranges over it
// until Unsubscribe is called.
func (b *Bus) Subscribe(buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.channels[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch; safe to call more than once.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.channels[ch]; ok {
		delete(b.channels, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Emit fans ev out to every currently registered channel. A channel whose
// buffer is full drops the event rather than blocking the engine's single
// command-loop goroutine.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.channels {
		select {
		case ch <- ev:
		default:
		}
	}
}
