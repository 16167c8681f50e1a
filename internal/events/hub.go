// Package events carries state-transition events from the core components to
// the notification collaborators (websocket sessions, Kafka, Redis and the
// event journal).
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/example/campus-share/internal/models"
	"github.com/example/campus-share/internal/observability"
)

// Emitter is what the core components depend on. Emit must not block.
type Emitter interface {
	Emit(ctx context.Context, ev models.Event)
}

// Sink receives every event, in emission order, from the hub worker.
type Sink interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Handler is an in-process subscriber callback.
type Handler func(ev models.Event)

type subscription struct {
	handler Handler
	types   map[models.EntityType]bool
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, models.Event) {}

// Hub buffers events and fans them out asynchronously so that callers never
// wait on a sink. When the buffer is full the event is dropped and counted.
type Hub struct {
	logger *slog.Logger
	queue  chan models.Event

	mu    sync.RWMutex
	subs  map[string]subscription
	sinks []namedSink

	closeOnce sync.Once
	done      chan struct{}
}

type namedSink struct {
	name string
	sink Sink
}

// NewHub creates a hub with room for buffer pending events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		queue:  make(chan models.Event, buffer),
		subs:   make(map[string]subscription),
		done:   make(chan struct{}),
	}
}

// AddSink registers a sink under name. Must be called before Run.
func (h *Hub) AddSink(name string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, namedSink{name: name, sink: s})
}

// Subscribe registers handler for the given entity types (all when empty)
// and returns the subscription id.
func (h *Hub) Subscribe(handler Handler, types ...models.EntityType) string {
	sub := subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[models.EntityType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	id := uuid.NewString()
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription; it reports whether it existed.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return false
	}
	delete(h.subs, id)
	return true
}

// Emit queues ev without blocking. Events are dropped and counted when the
// buffer is full or the hub has stopped.
func (h *Hub) Emit(ctx context.Context, ev models.Event) {
	select {
	case <-h.done:
		observability.EventsDropped.Inc()
		h.logger.WarnContext(ctx, "event hub stopped, dropping event",
			"entity_type", ev.EntityType, "entity_id", ev.EntityID, "new_status", ev.NewStatus)
		return
	default:
	}
	select {
	case h.queue <- ev:
		observability.EventsEmitted.WithLabelValues(string(ev.EntityType)).Inc()
	default:
		observability.EventsDropped.Inc()
		h.logger.WarnContext(ctx, "event buffer full, dropping event",
			"entity_type", ev.EntityType, "entity_id", ev.EntityID, "new_status", ev.NewStatus)
	}
}

// Run drains the queue until ctx is cancelled or Close is called, then
// flushes whatever is still buffered. Either way the hub is closed once Run
// returns.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-h.queue:
			h.deliver(ctx, ev)
		case <-ctx.Done():
			h.Close()
			h.drain(context.WithoutCancel(ctx))
			return nil
		case <-h.done:
			h.drain(ctx)
			return nil
		}
	}
}

// Close stops accepting events. Run returns after flushing the buffer.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) drain(ctx context.Context) {
	for {
		select {
		case ev := <-h.queue:
			h.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (h *Hub) deliver(ctx context.Context, ev models.Event) {
	h.mu.RLock()
	sinks := make([]namedSink, len(h.sinks))
	copy(sinks, h.sinks)
	subs := make([]subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range sinks {
		if err := s.sink.Publish(ctx, ev); err != nil {
			observability.SinkErrors.WithLabelValues(s.name).Inc()
			h.logger.ErrorContext(ctx, "event sink publish failed",
				"sink", s.name, "entity_type", ev.EntityType, "entity_id", ev.EntityID, "error", err)
		}
	}
	for _, s := range subs {
		if s.types != nil && !s.types[ev.EntityType] {
			continue
		}
		h.invoke(s.handler, ev)
	}
}

func (h *Hub) invoke(handler Handler, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panicked", "entity_type", ev.EntityType, "entity_id", ev.EntityID, "panic", r)
		}
	}()
	handler(ev)
}

// Recorder keeps every emitted event in memory. Used by tests and by the
// in-memory journal.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *Recorder) Emit(_ context.Context, ev models.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns the recorded events of the given entity type.
func (r *Recorder) Filter(t models.EntityType) []models.Event {
	var out []models.Event
	for _, ev := range r.Events() {
		if ev.EntityType == t {
			out = append(out, ev)
		}
	}
	return out
}
