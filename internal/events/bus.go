package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventGenerationProgress EventType = "GENERATION_PROGRESS"
	EventGenerationDone     EventType = "GENERATION_DONE"
	EventRiskAlert          EventType = "RISK_ALERT"
	EventRiskDecision       EventType = "RISK_DECISION"
	EventCircuitBreaker     EventType = "CIRCUIT_BREAKER_UPDATE"
	EventStopTriggered      EventType = "STOP_TRIGGERED"
	EventStopAdjusted       EventType = "STOP_ADJUSTED"
	EventOpportunityFound   EventType = "OPPORTUNITY_FOUND"
	EventExecutionUpdate    EventType = "EXECUTION_UPDATE"
	EventOrderPlaced        EventType = "ORDER_PLACED"
	EventOrderFilled        EventType = "ORDER_FILLED"
	EventPositionUpdate     EventType = "POSITION_UPDATE"
	EventActivationChanged  EventType = "ACTIVATION_CHANGED"
	EventReviewCompleted    EventType = "REVIEW_COMPLETED"
	EventSystemStatus       EventType = "SYSTEM_STATUS_UPDATE"
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
		allSubs:     make([]Subscriber, 0),
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

// Publish sends an event to all subscribers. Delivery is asynchronous
// so publishers never block on slow consumers.
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

// PublishGenerationProgress emits a generation job progress snapshot.
func (eb *EventBus) PublishGenerationProgress(jobID string, snapshot map[string]interface{}) {
	data := map[string]interface{}{"job_id": jobID}
	for k, v := range snapshot {
		data[k] = v
	}
	eb.Publish(Event{Type: EventGenerationProgress, Data: data})
}

// PublishRiskAlert emits a risk threshold breach.
func (eb *EventBus) PublishRiskAlert(alertType, severity, message string, current, threshold float64) {
	eb.Publish(Event{
		Type: EventRiskAlert,
		Data: map[string]interface{}{
			"alert_type": alertType,
			"severity":   severity,
			"message":    message,
			"current":    current,
			"threshold":  threshold,
		},
	})
}

// PublishCircuitBreaker emits a circuit breaker level change.
func (eb *EventBus) PublishCircuitBreaker(level string, drawdownPct float64, positionsAllowed bool) {
	eb.Publish(Event{
		Type: EventCircuitBreaker,
		Data: map[string]interface{}{
			"level":             level,
			"drawdown_pct":      drawdownPct,
			"positions_allowed": positionsAllowed,
		},
	})
}

// PublishStopTriggered emits a stop-loss trigger notification.
func (eb *EventBus) PublishStopTriggered(symbol, positionID string, stopPrice, triggerPrice float64) {
	eb.Publish(Event{
		Type: EventStopTriggered,
		Data: map[string]interface{}{
			"symbol":        symbol,
			"position_id":   positionID,
			"stop_price":    stopPrice,
			"trigger_price": triggerPrice,
		},
	})
}

// PublishOpportunity emits an arbitrage opportunity notification.
func (eb *EventBus) PublishOpportunity(oppType, pair string, profitPct, netProfitUSD float64) {
	eb.Publish(Event{
		Type: EventOpportunityFound,
		Data: map[string]interface{}{
			"opportunity_type": oppType,
			"pair":             pair,
			"profit_pct":       profitPct,
			"net_profit_usd":   netProfitUSD,
		},
	})
}

// PublishActivationChanged emits the activation change set.
func (eb *EventBus) PublishActivationChanged(activated, deactivated []string, reason string) {
	eb.Publish(Event{
		Type: EventActivationChanged,
		Data: map[string]interface{}{
			"activated":   activated,
			"deactivated": deactivated,
			"reason":      reason,
		},
	})
}

// PublishReviewCompleted emits the outcome of one daily strategy review.
func (eb *EventBus) PublishReviewCompleted(strategyID, grade, decision string, confidence float64) {
	eb.Publish(Event{
		Type: EventReviewCompleted,
		Data: map[string]interface{}{
			"strategy_id": strategyID,
			"grade":       grade,
			"decision":    decision,
			"confidence":  confidence,
		},
	})
}

// PublishOrderFilled emits a gateway fill notification.
func (eb *EventBus) PublishOrderFilled(orderID, symbol, side string, quantity, price float64) {
	eb.Publish(Event{
		Type: EventOrderFilled,
		Data: map[string]interface{}{
			"order_id": orderID,
			"symbol":   symbol,
			"side":     side,
			"quantity": quantity,
			"price":    price,
		},
	})
}
