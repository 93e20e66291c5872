// Package eventbus provides the in-process pub/sub fan-out for decisions,
// threats, and session changes. Each subscriber owns a bounded queue;
// overflow drops the oldest event and counts the drop on the bus.drop topic.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Topics broadcast by the core.
const (
	TopicDecisionMade       = "decision.made"
	TopicSessionRisk        = "session.risk"
	TopicSessionTerminated  = "session.terminated"
	TopicThreatPredicted    = "threat.predicted"
	TopicDeviceBlocked      = "device.blocked"
	TopicSegmentLocked      = "segment.locked"
	TopicJITGranted         = "jit.granted"
	TopicJITExpired         = "jit.expired"
	TopicJITRevoked         = "jit.revoked"
	TopicEmergencySubmitted = "emergency.submitted"
	TopicEmergencyActivated = "emergency.activated"
	TopicEmergencyExpired   = "emergency.expired"
	TopicRouteViolation     = "route.violation"
	TopicBusDrop            = "bus.drop"
)

// DefaultQueueSize is the per-subscriber queue bound.
const DefaultQueueSize = 1024

// Event is the envelope delivered to subscribers.
type Event struct {
	ID      string         `json:"id"`
	Topic   string         `json:"topic"`
	Time    time.Time      `json:"time"`
	Subject string         `json:"subject,omitempty"` // principal, session, device, or segment ID
	Data    map[string]any `json:"data,omitempty"`
}

// Subscription is one subscriber's bounded event queue.
type Subscription struct {
	bus    *Bus
	ch     chan Event
	topics []string
	closed atomic.Bool
}

// C returns the receive channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Topics returns the topics this subscription receives.
func (s *Subscription) Topics() []string {
	out := make([]string, len(s.topics))
	copy(out, s.topics)
	return out
}

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.unsubscribe(s)
	}
}

// Bus is a topic-keyed in-process pub/sub with bounded per-subscriber queues.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]*Subscription // topic -> subscriptions
	all       []*Subscription            // wildcard subscriptions
	queueSize int
	dropped   atomic.Uint64
}

// New creates a Bus with the default queue size.
func New() *Bus {
	return NewWithQueueSize(DefaultQueueSize)
}

// NewWithQueueSize creates a Bus whose subscribers buffer up to size events.
func NewWithQueueSize(size int) *Bus {
	if size < 1 {
		size = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[string][]*Subscription),
		queueSize: size,
	}
}

// Subscribe registers a subscriber for the given topics.
// With no topics, the subscriber receives every event.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus:    b,
		ch:     make(chan Event, b.queueSize),
		topics: topics,
	}

	if len(topics) == 0 {
		b.all = append(b.all, sub)
		return sub
	}
	for _, topic := range topics {
		b.subs[topic] = append(b.subs[topic], sub)
	}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subs {
		b.subs[topic] = removeSub(subs, sub)
	}
	b.all = removeSub(b.all, sub)
	close(sub.ch)
}

func removeSub(subs []*Subscription, target *Subscription) []*Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers an event to every subscriber of its topic.
// Full queues drop their oldest event; drops are counted and reported
// on the bus.drop topic.
func (b *Bus) Publish(topic, subject string, data map[string]any) Event {
	event := Event{
		ID:      uuid.NewString(),
		Topic:   topic,
		Time:    time.Now().UTC(),
		Subject: subject,
		Data:    data,
	}

	drops := b.deliver(event)
	if drops > 0 && topic != TopicBusDrop {
		total := b.dropped.Add(uint64(drops))
		b.deliver(Event{
			ID:    uuid.NewString(),
			Topic: TopicBusDrop,
			Time:  time.Now().UTC(),
			Data: map[string]any{
				"dropped_topic": topic,
				"dropped":       drops,
				"total_dropped": total,
			},
		})
	}
	return event
}

// deliver fans the event out and returns how many events were displaced.
func (b *Bus) deliver(event Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	drops := 0
	for _, sub := range b.subs[event.Topic] {
		drops += send(sub, event)
	}
	for _, sub := range b.all {
		drops += send(sub, event)
	}
	return drops
}

// send enqueues the event, displacing the oldest queued event when full.
func send(sub *Subscription, event Event) int {
	if sub.closed.Load() {
		return 0
	}
	select {
	case sub.ch <- event:
		return 0
	default:
	}

	// Queue full: drop the oldest, then retry once. If a consumer raced us
	// and drained the queue, the retry succeeds with nothing dropped.
	dropped := 0
	select {
	case <-sub.ch:
		dropped = 1
	default:
	}
	select {
	case sub.ch <- event:
		return dropped
	default:
		return dropped + 1
	}
}

// Dropped reports the total number of events displaced across all subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
