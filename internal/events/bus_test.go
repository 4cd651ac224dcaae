package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan Event, n int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestSubscribeReplaysBufferedEventsInOrder(t *testing.T) {
	bus := NewBus(Config{QueueSize: 100, HeartbeatInterval: time.Hour})

	for i := 0; i < 5; i++ {
		bus.Publish("req_1", fmt.Sprintf("event_%d", i), nil)
	}

	ch, cancel := bus.Subscribe("req_1")
	defer cancel()

	got := collect(ch, 5, time.Second)
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, fmt.Sprintf("event_%d", i), e.Name)
		assert.Equal(t, "req_1", e.CorrelationID)
	}
}

func TestLiveEventsAfterReplay(t *testing.T) {
	bus := NewBus(Config{QueueSize: 100, HeartbeatInterval: time.Hour})
	bus.Publish("req_1", "before", nil)

	ch, cancel := bus.Subscribe("req_1")
	defer cancel()

	bus.Publish("req_1", "after", map[string]interface{}{"k": "v"})

	got := collect(ch, 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, "before", got[0].Name)
	assert.Equal(t, "after", got[1].Name)
}

func TestOldestEvictedWhenFull(t *testing.T) {
	bus := NewBus(Config{QueueSize: 3, HeartbeatInterval: time.Hour})

	for i := 0; i < 5; i++ {
		bus.Publish("req_1", fmt.Sprintf("event_%d", i), nil)
	}

	assert.Equal(t, 3, bus.Buffered("req_1"))

	ch, cancel := bus.Subscribe("req_1")
	defer cancel()

	got := collect(ch, 3, time.Second)
	require.Len(t, got, 3)
	assert.Equal(t, "event_2", got[0].Name, "oldest events dropped first")
	assert.Equal(t, "event_4", got[2].Name)
}

func TestFanOutToMultipleSubscribers(t *testing.T) {
	bus := NewBus(Config{QueueSize: 100, HeartbeatInterval: time.Hour})

	ch1, cancel1 := bus.Subscribe("req_1")
	defer cancel1()
	ch2, cancel2 := bus.Subscribe("req_1")
	defer cancel2()

	bus.Publish("req_1", "shared", nil)

	got1 := collect(ch1, 1, time.Second)
	got2 := collect(ch2, 1, time.Second)
	require.Len(t, got1, 1)
	require.Len(t, got2, 1)
	assert.Equal(t, "shared", got1[0].Name)
	assert.Equal(t, "shared", got2[0].Name, "each subscriber has its own cursor")
}

func TestCorrelationIDsAreIsolated(t *testing.T) {
	bus := NewBus(Config{QueueSize: 100, HeartbeatInterval: time.Hour})

	ch, cancel := bus.Subscribe("req_1")
	defer cancel()

	bus.Publish("req_2", "other", nil)
	bus.Publish("req_1", "mine", nil)

	got := collect(ch, 1, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "mine", got[0].Name)
}

func TestPublishNeverBlocksWithoutSubscribers(t *testing.T) {
	bus := NewBus(Config{QueueSize: 10, HeartbeatInterval: time.Hour})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish("req_1", "spam", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
	assert.Equal(t, 10, bus.Buffered("req_1"))
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus(Config{QueueSize: 4, HeartbeatInterval: time.Hour})

	ch, cancel := bus.Subscribe("req_1")
	defer cancel()

	// Never read; the subscriber's own queue fills and drops its oldest.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish("req_1", fmt.Sprintf("event_%d", i), nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	got := collect(ch, 4, time.Second)
	require.Len(t, got, 4)
	assert.Equal(t, "event_99", got[3].Name, "newest event survives")
}

func TestHeartbeatInjected(t *testing.T) {
	bus := NewBus(Config{QueueSize: 10, HeartbeatInterval: 20 * time.Millisecond})

	ch, cancel := bus.Subscribe("req_1")
	defer cancel()

	got := collect(ch, 1, time.Second)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsHeartbeat())
	assert.Empty(t, got[0].Name, "heartbeats carry no name")
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	bus := NewBus(Config{QueueSize: 10, HeartbeatInterval: time.Hour})

	ch, cancel := bus.Subscribe("req_1")
	defer cancel()
	bus.Publish("req_1", "one", nil)

	got := collect(ch, 1, time.Second)
	require.Len(t, got, 1)

	bus.Close("req_1")

	_, open := <-ch
	assert.False(t, open, "channel closed on Close")
	assert.Equal(t, 0, bus.Buffered("req_1"))
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	bus := NewBus(Config{QueueSize: 10, HeartbeatInterval: time.Hour})
	bus.Publish("req_1", "one", nil)
	bus.Close("req_1")

	// A fresh queue is created lazily; the old buffer is gone.
	bus.Publish("req_1", "two", nil)
	assert.Equal(t, 1, bus.Buffered("req_1"))
}

func TestCancelIsIdempotent(t *testing.T) {
	bus := NewBus(Config{QueueSize: 10, HeartbeatInterval: time.Hour})

	_, cancel := bus.Subscribe("req_1")
	cancel()
	cancel()

	bus.Publish("req_1", "after_cancel", nil)
}

func TestCancelAfterCloseIsNoOp(t *testing.T) {
	bus := NewBus(Config{QueueSize: 10, HeartbeatInterval: time.Hour})

	ch, cancel := bus.Subscribe("req_1")
	bus.Publish("req_1", "one", nil)
	bus.Close("req_1")

	// The stream handler runs exactly this sequence on every terminal
	// event: Close, then the deferred cancel.
	cancel()

	_, open := <-ch
	assert.False(t, open)
}

func TestCloseAfterCancelIsNoOp(t *testing.T) {
	bus := NewBus(Config{QueueSize: 10, HeartbeatInterval: time.Hour})

	_, cancel := bus.Subscribe("req_1")
	cancel()
	bus.Close("req_1")
}

func TestReleaseFreesQueueAfterRetention(t *testing.T) {
	bus := NewBus(Config{QueueSize: 10, HeartbeatInterval: time.Hour, Retention: 20 * time.Millisecond})

	bus.Publish("req_1", "one", nil)
	bus.Release("req_1")

	assert.Equal(t, 1, bus.Buffered("req_1"), "buffer survives until retention expires")
	assert.Eventually(t, func() bool {
		return bus.Buffered("req_1") == 0
	}, time.Second, 5*time.Millisecond, "queue torn down without any subscriber")
}
