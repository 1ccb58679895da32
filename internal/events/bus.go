// Package events is the in-process pub/sub bus the orchestration core
// publishes its lifecycle events on. Publishing never blocks: each
// subscriber gets a buffered channel drained by its own goroutine, and an
// event that would overflow a subscriber is dropped and counted rather than
// stalling the request path.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the core. Names are part of the external contract.
const (
	TopicRequestReceived     = "ai:request_received"
	TopicModelSelected       = "ai:model_selected"
	TopicRequestStart        = "llm:request_start"
	TopicRequestComplete     = "llm:request_complete"
	TopicResponseEvaluated   = "ai:response_evaluated"
	TopicCircuitStateChanged = "ai:circuit_breaker_state_changed"
	TopicCascadeStarted      = "cascade:started"
	TopicCascadeStepComplete = "cascade:step_complete"
	TopicCascadeComplete     = "cascade:complete"

	// TopicWildcard subscribes to everything (used by the WebSocket bridge).
	TopicWildcard = "*"
)

// Event is one published record.
type Event struct {
	Topic string         `json:"topic"`
	At    time.Time      `json:"at"`
	Data  map[string]any `json:"data"`
}

// Handler consumes events on the subscriber's own goroutine. It must not be
// assumed to run before Emit returns.
type Handler func(Event)

// Bus is the injected pub/sub surface. The orchestrator receives one at
// construction; there is no package-level singleton.
type Bus interface {
	Emit(topic string, data map[string]any)
	Subscribe(topic string, fn Handler) (unsubscribe func())
	Close()
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.ch) })
}

// ChannelBus is the standard Bus implementation.
type ChannelBus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*subscriber
	nextID uint64
	closed bool

	buffer  int
	dropped int64
}

// NewBus creates a bus whose subscribers buffer up to buffer events each.
func NewBus(buffer int) *ChannelBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelBus{
		subs:   make(map[string]map[uint64]*subscriber),
		buffer: buffer,
	}
}

// Emit publishes to every subscriber of topic plus wildcard subscribers.
// Never blocks; slow subscribers lose events.
func (b *ChannelBus) Emit(topic string, data map[string]any) {
	ev := Event{Topic: topic, At: time.Now().UTC(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.deliver(b.subs[topic], ev)
	if topic != TopicWildcard {
		b.deliver(b.subs[TopicWildcard], ev)
	}
}

func (b *ChannelBus) deliver(subs map[uint64]*subscriber, ev Event) {
	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			atomic.AddInt64(&b.dropped, 1)
		}
	}
}

// Subscribe registers fn for topic and returns its unsubscribe func.
// Unsubscribing twice is safe.
func (b *ChannelBus) Subscribe(topic string, fn Handler) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	s := &subscriber{ch: make(chan Event, b.buffer)}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscriber)
	}
	b.subs[topic][id] = s
	b.mu.Unlock()

	go func() {
		for ev := range s.ch {
			fn(ev)
		}
	}()

	return func() {
		b.mu.Lock()
		if m := b.subs[topic]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(b.subs, topic)
			}
		}
		b.mu.Unlock()
		s.stop()
	}
}

// Dropped reports how many events were discarded due to slow subscribers.
func (b *ChannelBus) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

// Close stops delivery and releases all subscribers.
func (b *ChannelBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, m := range b.subs {
		for _, s := range m {
			s.stop()
		}
	}
	b.subs = make(map[string]map[uint64]*subscriber)
}
