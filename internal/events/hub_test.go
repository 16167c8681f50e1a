package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-share/internal/logging"
	"github.com/example/campus-share/internal/models"
)

type memSink struct {
	mu   sync.Mutex
	got  []models.Event
	fail bool
}

func (m *memSink) Publish(_ context.Context, ev models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("sink down")
	}
	m.got = append(m.got, ev)
	return nil
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func rideEvent(id, status string) models.Event {
	return models.Event{EntityType: models.EntityRide, EntityID: id, NewStatus: status, Timestamp: time.Now()}
}

func TestHubDeliversToSinksAndSubscribers(t *testing.T) {
	h := NewHub(16, logging.Discard())
	sink := &memSink{}
	broken := &memSink{fail: true}
	h.AddSink("mem", sink)
	h.AddSink("broken", broken)

	var mu sync.Mutex
	var rides, all int
	h.Subscribe(func(models.Event) { mu.Lock(); rides++; mu.Unlock() }, models.EntityRide)
	h.Subscribe(func(models.Event) { mu.Lock(); all++; mu.Unlock() })
	h.Subscribe(func(models.Event) { panic("bad handler") })

	ctx := context.Background()
	h.Emit(ctx, rideEvent("r1", "Scheduled"))
	h.Emit(ctx, models.Event{EntityType: models.EntityMessage, EntityID: "m1", NewStatus: "sent"})

	done := make(chan struct{})
	go func() { _ = h.Run(ctx); close(done) }()
	h.Close()
	<-done

	assert.Equal(t, 2, sink.len())
	assert.Equal(t, "r1", sink.got[0].EntityID)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, rides)
	assert.Equal(t, 2, all)
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub(1, logging.Discard())
	h.Emit(context.Background(), rideEvent("r1", "Scheduled"))
	h.Emit(context.Background(), rideEvent("r2", "Scheduled"))
	assert.Len(t, h.queue, 1)
}

func TestHubRefusesEventsAfterRunStops(t *testing.T) {
	for name, stop := range map[string]func(h *Hub, cancel context.CancelFunc){
		"context cancelled": func(_ *Hub, cancel context.CancelFunc) { cancel() },
		"closed":            func(h *Hub, _ context.CancelFunc) { h.Close() },
	} {
		t.Run(name, func(t *testing.T) {
			h := NewHub(4, logging.Discard())
			sink := &memSink{}
			h.AddSink("mem", sink)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			done := make(chan struct{})
			go func() { _ = h.Run(ctx); close(done) }()
			stop(h, cancel)
			<-done

			h.Emit(context.Background(), rideEvent("r1", "Scheduled"))
			assert.Empty(t, h.queue)
			assert.Equal(t, 0, sink.len())
		})
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub(4, logging.Discard())
	id := h.Subscribe(func(models.Event) {})
	assert.True(t, h.Unsubscribe(id))
	assert.False(t, h.Unsubscribe(id))
}

func TestRecorderFilter(t *testing.T) {
	r := &Recorder{}
	r.Emit(context.Background(), rideEvent("r1", "Scheduled"))
	r.Emit(context.Background(), models.Event{EntityType: models.EntityMessage, EntityID: "m1"})
	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.Filter(models.EntityRide), 1)
}

type fakePublisher struct {
	channel string
	payload []byte
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func TestRedisSinkPublishesJSON(t *testing.T) {
	p := &fakePublisher{}
	s := NewRedisSink(p, "")
	require.NoError(t, s.Publish(context.Background(), rideEvent("r1", "Cancelled")))

	assert.Equal(t, "campus-share:events", p.channel)
	var ev models.Event
	require.NoError(t, json.Unmarshal(p.payload, &ev))
	assert.Equal(t, "Cancelled", ev.NewStatus)
}
