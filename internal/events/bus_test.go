package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllListeners(t *testing.T) {
	bus := NewBus()

	var first, second []Event
	bus.Subscribe(func(e Event) { first = append(first, e) })
	bus.Subscribe(func(e Event) { second = append(second, e) })
	assert.Equal(t, 2, bus.ListenerCount())

	bus.Publish(Event{Type: EventSubmissionQueued, SubmissionID: "s1"})

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, "s1", first[0].SubmissionID)
}

func TestPublishStampsTimestamp(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(func(e Event) { got = e })

	bus.Publish(Event{Type: EventSubmissionCompleted})
	assert.False(t, got.Timestamp.IsZero())

	// An explicit timestamp is left alone.
	stamped := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.Publish(Event{Type: EventSubmissionCompleted, Timestamp: stamped})
	assert.Equal(t, stamped, got.Timestamp)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()

	var count int
	unsubscribe := bus.Subscribe(func(Event) { count++ })

	bus.Publish(Event{Type: EventSubmissionQueued})
	unsubscribe()
	unsubscribe()
	bus.Publish(Event{Type: EventSubmissionQueued})

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.ListenerCount())
}

func TestPublishWithoutListeners(t *testing.T) {
	bus := NewBus()
	bus.Publish(Event{Type: EventSubmissionFailed})
}
