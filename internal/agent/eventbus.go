package agent

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/first-fluke/cratos/pkg/models"
)

// subscriberQueueSize bounds how many undelivered events a slow subscriber
// can accumulate before EventBus starts dropping and counting a lag.
const subscriberQueueSize = 64

// Subscription is a bounded channel of events plus the count of events the
// EventBus dropped for this subscriber because it fell behind.
type Subscription struct {
	Events <-chan models.Event
	events chan models.Event
	lagged *int64
	bus    *EventBus
	id     uint64
}

// Lagged reports how many events were dropped for this subscription because
// the consumer was not reading fast enough.
func (s *Subscription) Lagged() int64 {
	return atomic.LoadInt64(s.lagged)
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// EventBus broadcasts OrchestratorEvents to any number of subscribers. It
// holds no back-reference to subscriber state beyond a bounded channel per
// subscriber, so a subscriber that stops reading cannot block publishers;
// instead it falls behind and its drops are counted in Subscription.Lagged.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates an empty EventBus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		subscribers: make(map[uint64]*Subscription),
		logger:      logger,
	}
}

// Subscribe registers a new subscriber and returns its Subscription. The
// caller must eventually call Subscription.Close to release it.
func (b *EventBus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan models.Event, subscriberQueueSize)
	lag := new(int64)
	sub := &Subscription{Events: ch, events: ch, lagged: lag, bus: b, id: id}
	b.subscribers[id] = sub
	return sub
}

func (b *EventBus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.events)
		delete(b.subscribers, id)
	}
}

// Publish fans an event out to every current subscriber without blocking. A
// subscriber whose queue is full has the event dropped and its lag counter
// incremented; Publish itself never blocks on a slow reader.
func (b *EventBus) Publish(event models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		select {
		case sub.events <- event:
		default:
			lagged := atomic.AddInt64(sub.lagged, 1)
			b.logger.Warn("event bus subscriber lagging, dropping event",
				"execution_id", event.ExecutionID,
				"event_type", event.EventType,
				"lagged", lagged,
			)
		}
	}
}

// SubscriberCount reports the current number of live subscriptions.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
