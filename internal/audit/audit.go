// Package audit reports committed changes to threads, messages and accounts.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Entities.
const (
	EntityThread  = "thread"
	EntityMessage = "message"
	EntityAccount = "account"
)

// Actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
)

// Event describes one committed change.
type Event struct {
	Entity   string
	EntityID string
	Action   string
	UserID   string
	At       time.Time
}

// Hook receives events after the transaction that produced them commits.
// Implementations must not block for long; errors are theirs to handle.
type Hook interface {
	Record(ctx context.Context, event Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// LogHook writes every event as one structured log line.
type LogHook struct {
	log logrus.FieldLogger
}

func NewLogHook(log logrus.FieldLogger) *LogHook {
	return &LogHook{log: log}
}

func (h *LogHook) Record(_ context.Context, event Event) {
	h.log.WithFields(logrus.Fields{
		"entity":    event.Entity,
		"entity_id": event.EntityID,
		"action":    event.Action,
		"user_id":   event.UserID,
		"at":        event.At.Format(time.RFC3339),
	}).Info("Audit")
}

// Recorder keeps events in memory. Tests use it to assert on what was reported.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Record(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events match entity and action.
func (r *Recorder) Count(entity, action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Entity == entity && e.Action == action {
			n++
		}
	}
	return n
}
