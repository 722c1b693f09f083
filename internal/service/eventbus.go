package service

import (
	"sync"
)

// AllJobs subscribes to events of every job.
const AllJobs = "*"

type EventType string

const (
	EventAcquired  EventType = "acquired"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

type Event struct {
	Type     EventType `json:"type"`
	JobID    string    `json:"jobId"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
}

func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

type EventPublisher interface {
	Publish(event Event)
}

type EventBus struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan Event),
	}
}

func (eb *EventBus) Subscribe(jobID string) chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, 16)
	eb.subscribers[jobID] = append(eb.subscribers[jobID], ch)
	return ch
}

func (eb *EventBus) Unsubscribe(jobID string, ch chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subscribers[jobID]
	for i, sub := range subs {
		if sub == ch {
			eb.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}

	if len(eb.subscribers[jobID]) == 0 {
		delete(eb.subscribers, jobID)
	}
}

func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, key := range []string{event.JobID, AllJobs} {
		for _, ch := range eb.subscribers[key] {
			select {
			case ch <- event:
			default:
				// Drop event if subscriber is slow
			}
		}
	}
}
