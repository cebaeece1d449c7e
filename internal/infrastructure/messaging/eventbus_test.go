package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

var at = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func syncBus() *InMemoryEventBus {
	return NewInMemoryEventBus(InMemoryEventBusConfig{Logger: quietLogger(), EnableMetrics: true})
}

func lessonEvent(user string, xp int) shared.LessonCompletedEvent {
	return shared.LessonCompletedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventLessonCompleted, user, at),
		ModuleID:  "module-1",
		LessonID:  "lesson-1",
		Score:     96,
		Perfect:   true,
		XP:        xp,
	}
}

func TestInMemoryEventBus_DeliversByType(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	var typed, all []shared.EventType
	require.NoError(t, bus.Subscribe(shared.EventLessonCompleted, func(e shared.Event) error {
		typed = append(typed, e.EventType())
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		all = append(all, e.EventType())
		return nil
	}))

	require.NoError(t, bus.Publish(lessonEvent("u1", 100)))
	require.NoError(t, bus.Publish(shared.RankChangedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventRankChanged, "u1", at),
	}))

	assert.Equal(t, []shared.EventType{shared.EventLessonCompleted}, typed)
	assert.Equal(t, []shared.EventType{shared.EventLessonCompleted, shared.EventRankChanged}, all)
	assert.Equal(t, int64(2), bus.Metrics().Snapshot().TotalPublished)
}

func TestInMemoryEventBus_HandlerFailuresDoNotReachPublisher(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	require.NoError(t, bus.Subscribe(shared.EventLessonCompleted, func(shared.Event) error {
		return errors.New("boom")
	}))
	require.NoError(t, bus.Subscribe(shared.EventLessonCompleted, func(shared.Event) error {
		panic("handler bug")
	}))

	assert.NoError(t, bus.Publish(lessonEvent("u1", 100)))

	snap := bus.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.TotalHandlerExecs)
	assert.Equal(t, int64(2), snap.HandlerFailures)
}

func TestInMemoryEventBus_Async(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2, Logger: quietLogger()})

	var count atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		count.Add(1)
		return nil
	}))

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(lessonEvent("u1", i)))
	}
	bus.Wait()
	assert.Equal(t, int32(10), count.Load())

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(lessonEvent("u1", 1)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventLessonCompleted, func(shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryEventBus_RejectsNil(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	assert.Error(t, bus.Subscribe(shared.EventLessonCompleted, nil))
	assert.Error(t, bus.Publish(nil))
}

// ─────────────────────────────────────────────────────────────────────────────
// Redis bus over an in-process broker
// ─────────────────────────────────────────────────────────────────────────────

type fakeBroker struct {
	mu   sync.Mutex
	subs []chan RedisMessage
}

type fakeRedisClient struct {
	broker *fakeBroker
	failed bool
}

func (c *fakeRedisClient) Publish(_ context.Context, channel string, payload []byte) error {
	if c.failed {
		return errors.New("redis down")
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	for _, sub := range c.broker.subs {
		sub <- RedisMessage{Channel: channel, Payload: payload}
	}
	return nil
}

func (c *fakeRedisClient) PSubscribe(_ context.Context, _ string) (<-chan RedisMessage, error) {
	ch := make(chan RedisMessage, 64)
	c.broker.mu.Lock()
	c.broker.subs = append(c.broker.subs, ch)
	c.broker.mu.Unlock()
	return ch, nil
}

func (c *fakeRedisClient) Close() error { return nil }

func newRedisBus(t *testing.T, broker *fakeBroker, instance string) *RedisEventBus {
	t.Helper()
	bus, err := NewRedisEventBus(RedisEventBusConfig{
		Client:     &fakeRedisClient{broker: broker},
		InstanceID: instance,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestRedisEventBus_FansOutToOtherInstances(t *testing.T) {
	broker := &fakeBroker{}
	a := newRedisBus(t, broker, "api-a")
	b := newRedisBus(t, broker, "api-b")

	var onA atomic.Int32
	require.NoError(t, a.Subscribe(shared.EventLessonCompleted, func(shared.Event) error {
		onA.Add(1)
		return nil
	}))

	received := make(chan shared.Event, 1)
	require.NoError(t, b.Subscribe(shared.EventLessonCompleted, func(e shared.Event) error {
		received <- e
		return nil
	}))

	require.NoError(t, a.Publish(lessonEvent("u1", 100)))

	select {
	case e := <-received:
		assert.Equal(t, shared.EventLessonCompleted, e.EventType())
		assert.Equal(t, "u1", e.AggregateID())
		assert.True(t, e.OccurredAt().Equal(at))
		assert.Equal(t, float64(100), e.Payload()["xp"])
		assert.Equal(t, true, e.Payload()["perfect"])
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the other instance")
	}

	assert.Never(t, func() bool { return onA.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, int32(1), onA.Load())
}

func TestRedisEventBus_LocalDeliveryWhenRedisFails(t *testing.T) {
	client := &fakeRedisClient{broker: &fakeBroker{}, failed: true}
	bus, err := NewRedisEventBus(RedisEventBusConfig{Client: client, Logger: quietLogger()})
	require.NoError(t, err)
	defer bus.Close()

	got := make(chan struct{}, 1)
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		got <- struct{}{}
		return nil
	}))

	require.NoError(t, bus.Publish(lessonEvent("u1", 100)))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("local handler not called")
	}
}

func TestDecodeEvent_Rejects(t *testing.T) {
	_, _, err := decodeEvent([]byte("not json"))
	assert.Error(t, err)

	_, _, err = decodeEvent([]byte(`{"origin":"x","payload":{}}`))
	assert.Error(t, err)
}

func TestEncodeDecodeEvent(t *testing.T) {
	data, err := encodeEvent("api-a", lessonEvent("u7", 30))
	require.NoError(t, err)

	origin, event, err := decodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "api-a", origin)
	assert.Equal(t, shared.EventLessonCompleted, event.EventType())
	assert.Equal(t, "u7", event.AggregateID())
	assert.Equal(t, "lesson-1", event.Payload()["lesson_id"])
}
