package core

import "sync"

// EventType defines the type of event being published.
type EventType string

const (
	SessionReadyEvent   EventType = "SessionReady"
	SessionRemovedEvent EventType = "SessionRemoved"
	StateChangedEvent   EventType = "StateChanged"
	PatternChangedEvent EventType = "PatternChanged"
)

// Event is the envelope for all system events.
type Event struct {
	Type    EventType
	Payload interface{}
}

// DeviceEvent is the payload of session and state events.
type DeviceEvent struct {
	DeviceID string   `json:"device"`
	Name     string   `json:"name,omitempty"`
	State    Snapshot `json:"state"`
}

// PatternEvent is the payload of PatternChangedEvent. An empty Pattern means
// nothing is running on the device any more.
type PatternEvent struct {
	DeviceID string `json:"device"`
	Pattern  string `json:"pattern"`
}

// Subscriber is a channel that receives events.
type Subscriber chan Event

// EventBus handles pub/sub messaging for the application.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
}

// NewEventBus creates a new EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe returns a channel that receives events of the given types.
func (eb *EventBus) Subscribe(eventTypes ...EventType) Subscriber {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(Subscriber, 100) // buffered so publishers don't block
	for _, t := range eventTypes {
		eb.subscribers[t] = append(eb.subscribers[t], ch)
	}
	return ch
}

// Unsubscribe removes a subscriber channel.
func (eb *EventBus) Unsubscribe(ch Subscriber, eventTypes ...EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, t := range eventTypes {
		subs := eb.subscribers[t]
		for i, sub := range subs {
			if sub == ch {
				eb.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish distributes an event to all active subscribers for its type. A full
// subscriber misses the event rather than blocking the publisher.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, sub := range eb.subscribers[event.Type] {
		select {
		case sub <- event:
		default:
		}
	}
}
