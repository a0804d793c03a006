package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T, queueSize int) *Bus {
	t.Helper()
	bus := NewBus(Config{
		QueueSize:   queueSize,
		HistorySize: 100,
		Logger:      zap.NewNop(),
	})
	bus.Start()
	t.Cleanup(func() { bus.Stop(false) })
	return bus
}

// collector counts deliveries under a lock so tests can assert on them.
type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handler(ctx context.Context, ev *Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) snapshot() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event(nil), c.events...)
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := newTestBus(t, 64)

	subs := make([]*collector, 3)
	for i, id := range []string{"a", "b", "c"} {
		subs[i] = &collector{}
		bus.Subscribe(id, []Kind{RequestCreated}, subs[i].handler)
	}

	for i := 0; i < 5; i++ {
		_, err := bus.Publish(RequestCreated, "test", map[string]any{"n": i})
		require.NoError(t, err)
	}

	bus.Stop(true)
	for _, c := range subs {
		assert.Equal(t, 5, c.count())
	}
}

func TestSubscriberOnlyReceivesSubscribedKinds(t *testing.T) {
	bus := newTestBus(t, 64)

	c := &collector{}
	bus.Subscribe("docs", []Kind{DocumentsRetrieved}, c.handler)

	_, err := bus.Publish(RequestCreated, "test", nil)
	require.NoError(t, err)
	_, err = bus.Publish(DocumentsRetrieved, "test", nil)
	require.NoError(t, err)

	bus.Stop(true)
	require.Equal(t, 1, c.count())
	assert.Equal(t, DocumentsRetrieved, c.snapshot()[0].Kind)
}

func TestEmptyKindListSubscribesToEverything(t *testing.T) {
	bus := newTestBus(t, 64)

	c := &collector{}
	bus.Subscribe("all", nil, c.handler)

	bus.Publish(RequestCreated, "test", nil)
	bus.Publish(AgentHeartbeat, "test", nil)
	bus.Publish(SystemError, "test", nil)

	bus.Stop(true)
	assert.Equal(t, 3, c.count())
}

func TestSubscribeReplacesExistingSubscription(t *testing.T) {
	bus := newTestBus(t, 64)

	first := &collector{}
	second := &collector{}
	bus.Subscribe("worker", []Kind{RequestCreated}, first.handler)
	bus.Subscribe("worker", []Kind{RequestCreated}, second.handler)

	bus.Publish(RequestCreated, "test", nil)

	bus.Stop(true)
	assert.Equal(t, 0, first.count())
	assert.Equal(t, 1, second.count())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus(t, 64)

	c := &collector{}
	bus.Subscribe("worker", []Kind{RequestCreated}, c.handler)
	require.True(t, bus.Unsubscribe("worker"))
	require.False(t, bus.Unsubscribe("worker"))

	bus.Publish(RequestCreated, "test", nil)

	bus.Stop(true)
	assert.Equal(t, 0, c.count())
}

func TestFilteredSubscription(t *testing.T) {
	bus := newTestBus(t, 64)

	c := &collector{}
	bus.SubscribeFiltered("worker", []Kind{DocumentsRetrieved},
		func(ev *Event) bool { return ev.CorrelationID == "req-1" },
		c.handler)

	bus.PublishCorrelated(DocumentsRetrieved, "test", "req-1", nil)
	bus.PublishCorrelated(DocumentsRetrieved, "test", "req-2", nil)

	bus.Stop(true)
	require.Equal(t, 1, c.count())
	assert.Equal(t, "req-1", c.snapshot()[0].CorrelationID)
}

func TestPublishQueueFull(t *testing.T) {
	// No dispatcher running, so the queue fills up.
	bus := NewBus(Config{QueueSize: 2, Logger: zap.NewNop()})

	_, err := bus.Publish(RequestCreated, "test", nil)
	require.NoError(t, err)
	_, err = bus.Publish(RequestCreated, "test", nil)
	require.NoError(t, err)

	_, err = bus.Publish(RequestCreated, "test", nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDeliveryOrderIsPreserved(t *testing.T) {
	bus := newTestBus(t, 64)

	c := &collector{}
	bus.Subscribe("worker", []Kind{RequestCreated}, c.handler)

	for i := 0; i < 10; i++ {
		_, err := bus.Publish(RequestCreated, "test", map[string]any{"seq": i})
		require.NoError(t, err)
	}

	bus.Stop(true)
	got := c.snapshot()
	require.Len(t, got, 10)
	for i, ev := range got {
		assert.Equal(t, i, ev.Payload["seq"])
	}
}

func TestPanickingSubscriberDoesNotAffectOthers(t *testing.T) {
	bus := newTestBus(t, 64)

	c := &collector{}
	bus.Subscribe("bad", []Kind{RequestCreated}, func(ctx context.Context, ev *Event) error {
		panic("boom")
	})
	bus.Subscribe("good", []Kind{RequestCreated}, c.handler)

	_, err := bus.Publish(RequestCreated, "test", nil)
	require.NoError(t, err)

	bus.Stop(true)
	assert.Equal(t, 1, c.count())
}

func TestFailingSubscriberDoesNotAffectOthers(t *testing.T) {
	bus := newTestBus(t, 64)

	c := &collector{}
	bus.Subscribe("bad", []Kind{RequestCreated}, func(ctx context.Context, ev *Event) error {
		return errors.New("handler error")
	})
	bus.Subscribe("good", []Kind{RequestCreated}, c.handler)

	_, err := bus.Publish(RequestCreated, "test", nil)
	require.NoError(t, err)

	bus.Stop(true)
	assert.Equal(t, 1, c.count())
}

func TestHistoryFilterAndLimit(t *testing.T) {
	bus := newTestBus(t, 64)

	for i := 0; i < 5; i++ {
		bus.PublishCorrelated(DocumentsRetrieved, "retrieval", "req-1", map[string]any{"seq": i})
	}
	bus.Publish(AgentHeartbeat, "monitor", nil)
	bus.Stop(true)

	all := bus.History(HistoryFilter{}, 100)
	assert.Len(t, all, 6)

	byKind := bus.History(HistoryFilter{Kind: DocumentsRetrieved}, 100)
	assert.Len(t, byKind, 5)

	bySource := bus.History(HistoryFilter{Source: "monitor"}, 100)
	require.Len(t, bySource, 1)
	assert.Equal(t, AgentHeartbeat, bySource[0].Kind)

	byCorrelation := bus.History(HistoryFilter{CorrelationID: "req-1"}, 100)
	assert.Len(t, byCorrelation, 5)

	// Limit keeps the most recent events, oldest first.
	limited := bus.History(HistoryFilter{Kind: DocumentsRetrieved}, 2)
	require.Len(t, limited, 2)
	assert.Equal(t, 3, limited[0].Payload["seq"])
	assert.Equal(t, 4, limited[1].Payload["seq"])
}

func TestHistoryBufferIsBounded(t *testing.T) {
	bus := NewBus(Config{QueueSize: 64, HistorySize: 3, Logger: zap.NewNop()})
	bus.Start()

	for i := 0; i < 10; i++ {
		bus.Publish(RequestCreated, "test", map[string]any{"seq": i})
	}
	bus.Stop(true)

	got := bus.History(HistoryFilter{}, 100)
	require.Len(t, got, 3)
	assert.Equal(t, 7, got[0].Payload["seq"])
	assert.Equal(t, 9, got[2].Payload["seq"])
}

func TestStopWithoutDrainCancelsInFlightHandlers(t *testing.T) {
	bus := NewBus(Config{QueueSize: 64, Logger: zap.NewNop()})
	bus.Start()

	entered := make(chan struct{})
	bus.Subscribe("slow", []Kind{RequestCreated}, func(ctx context.Context, ev *Event) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := bus.Publish(RequestCreated, "test", nil)
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	done := make(chan struct{})
	go func() {
		bus.Stop(false)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock the handler")
	}
	assert.False(t, bus.Status().Running)
}

func TestStatusReportsSubscribersAndState(t *testing.T) {
	bus := newTestBus(t, 64)
	bus.Subscribe("a", []Kind{RequestCreated}, func(ctx context.Context, ev *Event) error { return nil })
	bus.Subscribe("b", []Kind{AgentHeartbeat}, func(ctx context.Context, ev *Event) error { return nil })

	st := bus.Status()
	assert.True(t, st.Running)
	assert.ElementsMatch(t, []string{"a", "b"}, st.Subscribers)
	assert.Equal(t, 0, st.QueueDepth)
}

func TestStartIsIdempotent(t *testing.T) {
	bus := newTestBus(t, 64)
	bus.Start()
	bus.Start()

	c := &collector{}
	bus.Subscribe("worker", []Kind{RequestCreated}, c.handler)
	bus.Publish(RequestCreated, "test", nil)

	bus.Stop(true)
	assert.Equal(t, 1, c.count())
}

func TestNewEventDefaults(t *testing.T) {
	ev := NewEvent(RequestCreated, "test", nil)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, RequestCreated, ev.Kind)
	assert.Equal(t, "test", ev.Source)
	assert.NotNil(t, ev.Payload)
	assert.WithinDuration(t, time.Now().UTC(), ev.Timestamp, time.Minute)
}
