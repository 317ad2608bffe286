package jobstore

import (
	"bulk-job-orchestrator/internal/models"
)

// EventKind names a store transition delivered to listeners.
type EventKind string

const (
	EventAdded          EventKind = "added"
	EventUpdated        EventKind = "updated"
	EventReconciled     EventKind = "reconciled"
	EventRemoved        EventKind = "removed"
	EventRetryRequested EventKind = "retry_requested"
)

// Event describes one committed change. Previous is nil for EventAdded.
// PreviousID is set for EventReconciled and names the id the record was known by before.
type Event struct {
	Kind       EventKind
	Job        models.Job
	Previous   *models.Job
	PreviousID string
}

// Listener receives events in commit order. Listeners run synchronously while the store
// serializes commits, so they must not call mutating Store methods inline; start a
// goroutine for follow-up work.
type Listener func(Event)

func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	s.listenersMu.RLock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.listenersMu.RUnlock()
	for _, ev := range events {
		for _, l := range ls {
			l(ev)
		}
	}
}
