// internal/event/bus.go
package event

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind identifies the high-level state change an Event reports.
type Kind string

const (
	PowerChanged           Kind = "POWER_CHANGED"
	EmergencyStop          Kind = "EMERGENCY_STOP"
	ThrottleUpdated        Kind = "THROTTLE_UPDATED"
	TurnoutUpdated         Kind = "TURNOUT_UPDATED"
	ConnectionStateChanged Kind = "CONNECTION_STATE_CHANGED"
	CommunicationError     Kind = "COMMUNICATION_ERROR"
	MessageReceived        Kind = "MESSAGE_RECEIVED"
	MessageSent            Kind = "MESSAGE_SENT"
)

// Event is an immutable state-change notification. Payload contents are
// kind-specific and opaque to the bus.
type Event struct {
	Kind         Kind           `json:"kind"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Listener receives published events. Listeners run on the publisher's
// goroutine; slow listeners slow publishers down.
type Listener func(Event)

// Subscription identifies one registered listener so it can be removed.
type Subscription struct {
	id int
	fn Listener
}

// Bus is a process-wide publish/subscribe channel for typed state-change
// notifications. Delivery is synchronous and in subscription order; there
// is no persistence or replay.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []*Subscription
	logger *zap.Logger
}

// NewBus creates an event bus. A nil logger disables panic reporting.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger.With(zap.String("component", "event-bus"))}
}

// Subscribe registers a listener and returns its subscription handle.
func (b *Bus) Subscribe(fn Listener) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, fn: fn}
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe removes a previously registered listener. Removing an already
// removed subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == sub.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to every listener subscribed at the time of the
// call. A panicking listener is logged and skipped; remaining listeners
// still receive the event.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event listener panicked",
				zap.String("kind", string(ev.Kind)),
				zap.String("connection_id", ev.ConnectionID),
				zap.Any("panic", r),
			)
		}
	}()
	sub.fn(ev)
}
