package gateway

import (
	"sync"
	"time"

	"github.com/shreed27/AgentHub-sub013/pkg/store"
)

// EventType is the closed set of job lifecycle events.
type EventType string

const (
	EventJobStarted   EventType = "job:started"
	EventJobCompleted EventType = "job:completed"
	EventJobFailed    EventType = "job:failed"
	EventJobCancelled EventType = "job:cancelled"
)

// Event is a job lifecycle notification.
type Event struct {
	Type      EventType  `json:"type"`
	Job       *store.Job `json:"job"`
	Timestamp time.Time  `json:"timestamp"`
}

// eventBus fans lifecycle events out to subscribers over bounded channels.
// Slow subscribers drop events rather than block job settlement.
type eventBus struct {
	mu   sync.RWMutex
	subs []chan Event
}

// Subscribe returns a channel receiving all future lifecycle events. The
// channel is closed when the gateway shuts down.
func (b *eventBus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 64)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *eventBus) publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber is not keeping up; the event is dropped for it.
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
