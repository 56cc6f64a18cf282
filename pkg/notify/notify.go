// Package notify holds the queue of short-lived user-facing messages. Every
// pushed notification is removed exactly once, a fixed lifetime after
// creation, whether or not anything observed it.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

type Notification struct {
	ID        string
	Message   string
	Severity  Severity
	CreatedAt time.Time
}

const defaultLifetime = 5 * time.Second

type Store struct {
	lifetime time.Duration

	mu      sync.Mutex
	items   []Notification
	timers  map[string]*time.Timer
	closed  bool
	updates chan struct{}
}

// New builds a store whose notifications expire lifetime after creation.
// Zero means the default of five seconds.
func New(lifetime time.Duration) *Store {
	if lifetime <= 0 {
		lifetime = defaultLifetime
	}
	return &Store{
		lifetime: lifetime,
		timers:   make(map[string]*time.Timer),
		updates:  make(chan struct{}, 1),
	}
}

// Push appends a notification and arms its expiry timer. Each item's timer
// is independent, dismissing one never touches the others. Pushing to a
// closed store returns an empty id and stores nothing.
func (s *Store) Push(message string, severity Severity) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ""
	}
	id := uuid.NewString()
	s.items = append(s.items, Notification{
		ID:        id,
		Message:   message,
		Severity:  severity,
		CreatedAt: time.Now(),
	})
	s.timers[id] = time.AfterFunc(s.lifetime, func() {
		s.Remove(id)
	})
	s.signalLocked()
	return id
}

// Remove dismisses one notification. Removing an id that is already gone is
// a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return
	}
	t.Stop()
	delete(s.timers, id)
	for i, n := range s.items {
		if n.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	s.signalLocked()
}

// List returns the live notifications in insertion order.
func (s *Store) List() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.items))
	copy(out, s.items)
	return out
}

// Updates signals after every append or removal, coalescing while the
// consumer is busy. Consumers re-read List on each signal.
func (s *Store) Updates() <-chan struct{} {
	return s.updates
}

// Close cancels every pending expiry timer.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Store) signalLocked() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
