package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBusDeliversToTopicSubscriber(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	var mu sync.Mutex
	var got []Event
	unsub := bus.Subscribe(TopicRequestComplete, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	defer unsub()

	bus.Emit(TopicRequestComplete, map[string]any{"model": "claude-haiku-4.5", "success": true})
	bus.Emit(TopicRequestStart, map[string]any{"model": "claude-haiku-4.5"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, TopicRequestComplete, got[0].Topic)
	assert.Equal(t, true, got[0].Data["success"])
	assert.False(t, got[0].At.IsZero())
}

func TestBusWildcardSeesEverything(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	var mu sync.Mutex
	topics := map[string]int{}
	unsub := bus.Subscribe(TopicWildcard, func(ev Event) {
		mu.Lock()
		topics[ev.Topic]++
		mu.Unlock()
	})
	defer unsub()

	bus.Emit(TopicRequestStart, nil)
	bus.Emit(TopicCascadeStarted, nil)
	bus.Emit(TopicCircuitStateChanged, nil)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return topics[TopicRequestStart] == 1 && topics[TopicCascadeStarted] == 1 && topics[TopicCircuitStateChanged] == 1
	})
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(TopicModelSelected, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Emit(TopicModelSelected, nil)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	unsub()
	unsub() // second call is a no-op

	bus.Emit(TopicModelSelected, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestBusEmitNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	unsub := bus.Subscribe(TopicRequestComplete, func(Event) {
		<-block
	})
	defer unsub()
	defer close(block)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Emit(TopicRequestComplete, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
	assert.Greater(t, bus.Dropped(), int64(0))
}

func TestBusCloseIsIdempotentAndStopsEmit(t *testing.T) {
	bus := NewBus(4)

	var mu sync.Mutex
	count := 0
	bus.Subscribe(TopicRequestStart, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Close()
	bus.Close()
	bus.Emit(TopicRequestStart, nil)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestBusConcurrentEmitAndSubscribe(t *testing.T) {
	bus := NewBus(256)
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Emit(TopicRequestComplete, map[string]any{"n": j})
			}
		}()
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(TopicRequestComplete, func(Event) {})
			unsub()
		}()
	}
	wg.Wait()
}
