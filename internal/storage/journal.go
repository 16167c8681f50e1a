// Package storage persists the event stream so transitions can be audited
// and replayed.
package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/example/campus-share/internal/models"
)

// Filter narrows a journal listing. Zero values match everything.
type Filter struct {
	EntityType models.EntityType
	EntityID   string
	// Recipient keeps events whose audience includes this user.
	Recipient  string
	Since      time.Time
	Limit      int
}

func (f Filter) match(ev models.Event) bool {
	if f.EntityType != "" && ev.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && ev.EntityID != f.EntityID {
		return false
	}
	if f.Recipient != "" && !slices.Contains(ev.Audience, f.Recipient) {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Journal is an append-only event log. It is an events.Sink.
type Journal interface {
	Publish(ctx context.Context, ev models.Event) error
	List(ctx context.Context, f Filter) ([]models.Event, error)
	Close() error
}

// MemoryJournal keeps up to max events, dropping the oldest when full.
type MemoryJournal struct {
	mu     sync.RWMutex
	events []models.Event
	max    int
}

// NewMemoryJournal returns a journal holding at most max events; max <= 0
// means unbounded.
func NewMemoryJournal(max int) *MemoryJournal {
	return &MemoryJournal{max: max}
}

func (m *MemoryJournal) Publish(_ context.Context, ev models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if m.max > 0 && len(m.events) > m.max {
		m.events = append(m.events[:0:0], m.events[len(m.events)-m.max:]...)
	}
	return nil
}

func (m *MemoryJournal) List(_ context.Context, f Filter) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Event, 0)
	for _, ev := range m.events {
		if !f.match(ev) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryJournal) Close() error { return nil }
