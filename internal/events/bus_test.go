package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rerunner/internal/params"
	"rerunner/internal/retry"
	"rerunner/internal/runner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type broadcast struct {
	eventType string
	data      map[string]interface{}
}

// fakeBroadcaster 记录所有广播
type fakeBroadcaster struct {
	mu     sync.Mutex
	active bool
	events []broadcast
}

func (f *fakeBroadcaster) BroadcastEvent(eventType string, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, broadcast{eventType: eventType, data: data})
}

func (f *fakeBroadcaster) IsEventManagerActive() bool {
	return f.active
}

func (f *fakeBroadcaster) snapshot() []broadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broadcast(nil), f.events...)
}

func TestEventBus_PublishAndSubscribe(t *testing.T) {
	bus := NewEventBus(testLogger(), 10)
	require.NoError(t, bus.Start())

	var mu sync.Mutex
	var received []EventType
	unsubscribe := bus.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e.Type)
	})

	bus.Publish(Event{Type: EventCaseStarted, Source: "test"})
	bus.Publish(Event{Type: EventCaseFinished, Source: "test"})

	// Stop 会先处理完缓冲区中的事件
	require.NoError(t, bus.Stop())
	unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventCaseStarted, EventCaseFinished}, received)

	stats := bus.GetStats()
	assert.Equal(t, int64(2), stats.TotalEvents)
	assert.Equal(t, int64(2), stats.ProcessedEvents)
	assert.Equal(t, int64(1), stats.EventsByType[EventCaseStarted])
}

func TestEventBus_DropsWhenNotRunning(t *testing.T) {
	bus := NewEventBus(testLogger(), 10)
	bus.Publish(Event{Type: EventCaseStarted})
	assert.Equal(t, int64(0), bus.GetStats().TotalEvents)

	// 重复停止是安全的
	assert.NoError(t, bus.Stop())
}

func TestEventBus_DropsWhenBufferFull(t *testing.T) {
	bus := NewEventBus(testLogger(), 1)
	require.NoError(t, bus.Start())

	handling := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	bus.Subscribe(func(Event) {
		once.Do(func() { close(handling) })
		<-release
	})

	bus.Publish(Event{Type: EventAttemptFinished})
	<-handling

	bus.Publish(Event{Type: EventAttemptFinished}) // 填满缓冲区
	bus.Publish(Event{Type: EventAttemptFinished}) // 丢弃

	close(release)
	require.NoError(t, bus.Stop())

	stats := bus.GetStats()
	assert.Equal(t, int64(3), stats.TotalEvents)
	assert.Equal(t, int64(1), stats.DroppedEvents)
	assert.Equal(t, int64(2), stats.ProcessedEvents)
}

func TestEventBus_BroadcastFilters(t *testing.T) {
	bus := NewEventBus(testLogger(), 10)
	b := &fakeBroadcaster{active: true}
	bus.SetSSEBroadcaster(b)
	require.NoError(t, bus.Start())

	bus.Publish(Event{Type: EventAttemptFinished, Data: map[string]interface{}{"status": "aborted", "stack": "goroutine 1"}})
	bus.Publish(Event{Type: EventConfigChanged, Data: map[string]interface{}{"path": "config.yaml"}})
	bus.Publish(Event{Type: EventSummaryUpdated, Data: map[string]interface{}{"started": 1}})
	bus.Publish(Event{Type: EventSummaryUpdated, Data: map[string]interface{}{"started": 2}}) // 频率限制
	bus.Publish(Event{Type: EventType("unknown")})
	require.NoError(t, bus.Stop())

	events := b.snapshot()
	require.Len(t, events, 3)

	assert.Equal(t, "attempt", events[0].eventType)
	assert.Equal(t, "aborted", events[0].data["status"])
	assert.NotContains(t, events[0].data, "stack")

	assert.Equal(t, "config", events[1].eventType)
	assert.Equal(t, true, events[1].data["is_system_event"])

	assert.Equal(t, "summary", events[2].eventType)
	assert.Equal(t, 1, events[2].data["started"])
}

func TestEventBus_InactiveBroadcaster(t *testing.T) {
	bus := NewEventBus(testLogger(), 10)
	b := &fakeBroadcaster{active: false}
	bus.SetSSEBroadcaster(b)
	require.NoError(t, bus.Start())

	bus.Publish(Event{Type: EventCaseStarted})
	require.NoError(t, bus.Stop())

	assert.Empty(t, b.snapshot())
}

func TestEventBus_SubscriberPanicIsContained(t *testing.T) {
	bus := NewEventBus(testLogger(), 10)
	require.NoError(t, bus.Start())

	bus.Subscribe(func(Event) { panic("bad subscriber") })
	got := make(chan Event, 1)
	bus.Subscribe(func(e Event) { got <- e })

	bus.Publish(Event{Type: EventSystemError})

	select {
	case e := <-got:
		assert.Equal(t, EventSystemError, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	require.NoError(t, bus.Stop())
}

func TestFilterManager_CustomFilter(t *testing.T) {
	fm := NewFilterManager(testLogger())

	fm.SetCustomFilter(EventCaseStarted, EventFilter{RateLimit: time.Hour})
	filter, ok := fm.GetFilter(EventCaseStarted)
	require.True(t, ok)
	assert.True(t, filter.ShouldBroadcast(Event{}))

	assert.True(t, fm.Allow(EventCaseStarted))
	assert.False(t, fm.Allow(EventCaseStarted))
	stats := fm.GetFilterStats()
	require.Contains(t, stats, EventCaseStarted)
	assert.Equal(t, int64(1), stats[EventCaseStarted].Suppressed)
	assert.Equal(t, time.Hour, stats[EventCaseStarted].RateLimit)

	fm.RemoveFilter(EventCaseStarted)
	_, ok = fm.GetFilter(EventCaseStarted)
	assert.False(t, ok)
	assert.True(t, fm.Allow(EventCaseStarted))
}

func TestFilterManager_AttemptPayload(t *testing.T) {
	fm := NewFilterManager(testLogger())
	filter, ok := fm.GetFilter(EventAttemptFinished)
	require.True(t, ok)

	long := strings.Repeat("x", maxBroadcastError+10)
	data := filter.DataTransformer(Event{Data: map[string]interface{}{
		"case":  "flaky",
		"stack": "goroutine 1 [running]",
		"error": long,
	}})
	assert.Equal(t, "flaky", data["case"])
	assert.NotContains(t, data, "stack")
	assert.Equal(t, long[:maxBroadcastError]+"... (显示截断)", data["error"])

	// 没有限流规则的事件类型总是放行
	assert.True(t, fm.Allow(EventAttemptFinished))
	assert.True(t, fm.Allow(EventAttemptFinished))
	assert.NotContains(t, fm.GetFilterStats(), EventAttemptFinished)
}

func TestListenerAdapter_PublishesRunnerEvents(t *testing.T) {
	bus := NewEventBus(testLogger(), 100)
	require.NoError(t, bus.Start())

	var mu sync.Mutex
	var received []Event
	bus.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e)
	})

	adapter := NewListenerAdapter(bus, "")
	r := runner.New(runner.WithLogger(testLogger()), runner.WithListener(adapter))

	_, err := r.Run(context.Background(), runner.TestCase{
		Name:   "flaky",
		Policy: retry.Policy{Repeats: 2},
		Source: params.Values("a"),
		Body: func(context.Context, params.Tuple) error {
			return errors.New("nope")
		},
	})
	require.NoError(t, err)
	require.NoError(t, bus.Stop())

	mu.Lock()
	defer mu.Unlock()

	var types []EventType
	for _, e := range received {
		types = append(types, e.Type)
		assert.Equal(t, "runner", e.Source)
	}
	assert.Equal(t, []EventType{
		EventCaseStarted,
		EventAttemptFinished,
		EventAttemptFinished,
		EventAttemptFinished,
		EventTupleFinished,
		EventCaseFinished,
		EventSummaryUpdated,
	}, types)

	assert.Equal(t, "aborted", received[1].Data["status"])
	assert.Equal(t, "failed", received[3].Data["status"])
	assert.Equal(t, "nope", received[3].Data["error"])
	assert.Equal(t, "failed", received[4].Data["verdict"])
	assert.Equal(t, 3, received[5].Data["started"])

	summary := adapter.Summary()
	assert.Equal(t, runner.Counts{Started: 3, Aborted: 2, Failed: 1}, summary.Counts)
	assert.Equal(t, 1, summary.CasesFailed)
	assert.Equal(t, 1, summary.TuplesFailed)
}
