package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusDeliversByType(t *testing.T) {
	eb := NewEventBus()
	ready := eb.Subscribe(SessionReadyEvent)
	removed := eb.Subscribe(SessionRemovedEvent)

	eb.Publish(Event{Type: SessionReadyEvent, Payload: DeviceEvent{DeviceID: "a"}})

	require.Len(t, ready, 1)
	ev := <-ready
	assert.Equal(t, "a", ev.Payload.(DeviceEvent).DeviceID)
	assert.Len(t, removed, 0)
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus()
	sub := eb.Subscribe(StateChangedEvent)
	eb.Unsubscribe(sub, StateChangedEvent)

	eb.Publish(Event{Type: StateChangedEvent})

	assert.Len(t, sub, 0)
}

func TestEventBusDropsWhenFull(t *testing.T) {
	eb := NewEventBus()
	sub := eb.Subscribe(StateChangedEvent)

	for i := 0; i < 150; i++ {
		eb.Publish(Event{Type: StateChangedEvent})
	}

	assert.Len(t, sub, 100)
}

func TestNilEventBusPublishIsNoop(t *testing.T) {
	var eb *EventBus
	assert.NotPanics(t, func() { eb.Publish(Event{Type: StateChangedEvent}) })
}
