// Package events carries the engine's outbound publish/subscribe bus. The
// position store and watcher publish here; the dashboard hub subscribes. The
// store never holds a reference to the hub, only to the bus.
package events

import (
	"sync"
	"time"
)

// EventType represents the events broadcast to dashboard subscribers.
type EventType string

const (
	EventPositionUpdate EventType = "position_update"
	EventPriceUpdate    EventType = "price_update"
	EventTradeUpdate    EventType = "trade_update"
	EventEngineStarted  EventType = "engine_started"
	EventEngineStopped  EventType = "engine_stopped"
	EventError          EventType = "error"
)

// Event is a single bus message.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles a published event. Subscribers run on their own
// goroutine per delivery and must not block on bus operations.
type Subscriber func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers the event to all matching subscribers.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishPositionUpdate publishes the full position snapshot after a write.
func (b *Bus) PublishPositionUpdate(position interface{}) {
	b.Publish(Event{
		Type: EventPositionUpdate,
		Data: map[string]interface{}{"position": position},
	})
}

// PublishPriceUpdate publishes a per-token price observation.
func (b *Bus) PublishPriceUpdate(mint string, price float64) {
	b.Publish(Event{
		Type: EventPriceUpdate,
		Data: map[string]interface{}{"mint": mint, "price": price},
	})
}

// PublishTradeUpdate publishes a completed buy or sell.
func (b *Bus) PublishTradeUpdate(position interface{}) {
	b.Publish(Event{
		Type: EventTradeUpdate,
		Data: map[string]interface{}{"position": position},
	})
}

// PublishError publishes a non-fatal subsystem error.
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: EventError, Data: data})
}
