// Package events carries submission progress from the queue to its
// consumers (API clients, webhook notifier) without coupling them.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventSubmissionQueued    EventType = "submission_queued"
	EventSubmissionProgress  EventType = "submission_progress"
	EventSubmissionCompleted EventType = "submission_completed"
	EventSubmissionFailed    EventType = "submission_failed"
)

type Event struct {
	Type         EventType `json:"type"`
	SubmissionID string    `json:"submission_id"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"`
	Message      string    `json:"message,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type Listener func(Event)

// Bus is a simple synchronous publish/subscribe fan-out. Publish runs
// listeners on the caller's goroutine after the publisher has persisted
// the state the event describes.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
}

func NewBus() *Bus {
	return &Bus{
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a listener and returns the function that removes
// it. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(fn Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	fns := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(event)
	}
}

func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
