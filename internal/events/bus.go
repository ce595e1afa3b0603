package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTradeExecuted  EventType = "TRADE_EXECUTED"
	EventPositionUpdate EventType = "POSITION_UPDATE"
	EventUniverseUpdate EventType = "UNIVERSE_UPDATE"
	EventReconciliation EventType = "RECONCILIATION"
	EventBotStarted     EventType = "BOT_STARTED"
	EventBotStopped     EventType = "BOT_STOPPED"
	EventError          EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Handlers run in their
// own goroutines so a slow dashboard client cannot stall the trading
// loop.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishTrade publishes an executed trade
func (eb *EventBus) PublishTrade(symbol, side, reason string, price, quantity, profitPercent float64) {
	eb.Publish(Event{
		Type: EventTradeExecuted,
		Data: map[string]interface{}{
			"symbol":         symbol,
			"side":           side,
			"reason":         reason,
			"price":          price,
			"quantity":       quantity,
			"profit_percent": profitPercent,
		},
	})
}

// PublishUniverseUpdate publishes a trading universe refresh
func (eb *EventBus) PublishUniverseUpdate(symbols, dropped []string) {
	eb.Publish(Event{
		Type: EventUniverseUpdate,
		Data: map[string]interface{}{
			"symbols": symbols,
			"dropped": dropped,
		},
	})
}

// PublishReconciliation publishes the outcome of a reconciliation pass
func (eb *EventBus) PublishReconciliation(cleared, adopted []string, ghosts, evicted int) {
	eb.Publish(Event{
		Type: EventReconciliation,
		Data: map[string]interface{}{
			"cleared": cleared,
			"adopted": adopted,
			"ghosts":  ghosts,
			"evicted": evicted,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
