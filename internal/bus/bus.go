package bus

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/pkg/utils"
)

type EventType string

const (
	EventEnvelopeSent     EventType = "envelopeSent"
	EventEnvelopeReceived EventType = "envelopeReceived"

	EventTransportProbed  EventType = "transportProbed"
	EventTransportDemoted EventType = "transportDemoted"

	EventAgentRegistered EventType = "agentRegistered"
	EventAgentExpired    EventType = "agentExpired"

	EventToolInvoked EventType = "toolInvoked"

	EventConnectionState EventType = "connectionState"
	EventHandlerError    EventType = "handlerError"

	EventLog EventType = "log"
)

type Event struct {
	Type    EventType              `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

type EventHandler func(event Event)

// EventBus fans framework lifecycle events out to subscribers. Delivery
// is asynchronous and lossy under pressure: a full queue drops rather
// than blocks the publishing path.
type EventBus struct {
	mu        sync.RWMutex
	handlers  map[EventType][]EventHandler
	logger    *logrus.Logger
	eventChan chan Event
	stopChan  chan struct{}
	stopOnce  sync.Once
}

func NewEventBus(logger *logrus.Logger) *EventBus {
	eb := &EventBus{
		handlers:  make(map[EventType][]EventHandler),
		logger:    utils.EnsureLogger(logger),
		eventChan: make(chan Event, 100),
		stopChan:  make(chan struct{}),
	}

	go eb.processEvents()

	return eb
}

func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
	eb.logger.Debugf("Handler subscribed to event type: %s", eventType)
}

func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eventTypes := []EventType{
		EventEnvelopeSent,
		EventEnvelopeReceived,
		EventTransportProbed,
		EventTransportDemoted,
		EventAgentRegistered,
		EventAgentExpired,
		EventToolInvoked,
		EventConnectionState,
		EventHandlerError,
		EventLog,
	}

	for _, eventType := range eventTypes {
		eb.handlers[eventType] = append(eb.handlers[eventType], handler)
	}

	eb.logger.Debug("Handler subscribed to all event types")
}

func (eb *EventBus) Publish(event Event) {
	select {
	case <-eb.stopChan:
		return
	default:
	}

	select {
	case eb.eventChan <- event:
		eb.logger.Debugf("Event published: %s", event.Type)
	default:
		eb.logger.Warnf("Event channel full, dropping event: %s", event.Type)
	}
}

func (eb *EventBus) PublishAsync(eventType EventType, payload map[string]interface{}) {
	go func() {
		eb.Publish(Event{
			Type:    eventType,
			Payload: payload,
		})
	}()
}

func (eb *EventBus) processEvents() {
	for {
		select {
		case event := <-eb.eventChan:
			eb.handleEvent(event)
		case <-eb.stopChan:
			eb.logger.Info("EventBus stopped")
			return
		}
	}
}

func (eb *EventBus) handleEvent(event Event) {
	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	for _, handler := range handlers {
		// Run each handler in a goroutine to prevent blocking
		go func(h EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Errorf("Panic in event handler for %s: %v", event.Type, r)
				}
			}()
			h(event)
		}(handler)
	}
}

func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		close(eb.stopChan)
	})
}

// PublishEnvelopeSent records one send attempt on a transport, with
// its outcome and round-trip latency.
func (eb *EventBus) PublishEnvelopeSent(protocol, endpoint, requestID string, success bool, latencyMs int64) {
	eb.PublishAsync(EventEnvelopeSent, map[string]interface{}{
		"protocol":  protocol,
		"endpoint":  endpoint,
		"requestId": requestID,
		"success":   success,
		"latencyMs": latencyMs,
	})
}

// PublishEnvelopeReceived records an inbound envelope dispatch.
func (eb *EventBus) PublishEnvelopeReceived(protocol, route, requestID string) {
	eb.PublishAsync(EventEnvelopeReceived, map[string]interface{}{
		"protocol":  protocol,
		"route":     route,
		"requestId": requestID,
	})
}

// PublishTransportProbed reports a capability detection result. The
// latencies map carries per-protocol probe times in milliseconds for
// the protocols that answered.
func (eb *EventBus) PublishTransportProbed(endpoint string, protocols []string, latencies map[string]int64, totalMs int64) {
	eb.PublishAsync(EventTransportProbed, map[string]interface{}{
		"endpoint":  endpoint,
		"protocols": protocols,
		"latencies": latencies,
		"latencyMs": totalMs,
	})
}

// PublishTransportDemoted reports a protocol taken out of rotation for
// an endpoint after a failed probe or send.
func (eb *EventBus) PublishTransportDemoted(endpoint, protocol, reason string) {
	eb.PublishAsync(EventTransportDemoted, map[string]interface{}{
		"endpoint": endpoint,
		"protocol": protocol,
		"reason":   reason,
	})
}

// PublishAgentRegistered reports a registry admission or heartbeat refresh.
func (eb *EventBus) PublishAgentRegistered(agentID, name string, capabilities []string) {
	eb.PublishAsync(EventAgentRegistered, map[string]interface{}{
		"agentId":      agentID,
		"name":         name,
		"capabilities": capabilities,
	})
}

// PublishAgentExpired reports an agent pruned after missing heartbeats.
func (eb *EventBus) PublishAgentExpired(agentID string) {
	eb.PublishAsync(EventAgentExpired, map[string]interface{}{
		"agentId": agentID,
	})
}

// PublishToolInvoked reports a tool call routed through the MCP adapter.
func (eb *EventBus) PublishToolInvoked(tool, requestID string, success bool) {
	eb.PublishAsync(EventToolInvoked, map[string]interface{}{
		"tool":      tool,
		"requestId": requestID,
		"success":   success,
	})
}

// PublishConnectionState reports connect, disconnect and reconnect
// transitions on long-lived transports. open carries the number of
// connections still held after the transition.
func (eb *EventBus) PublishConnectionState(protocol, endpoint, state string, open int) {
	eb.PublishAsync(EventConnectionState, map[string]interface{}{
		"protocol": protocol,
		"endpoint": endpoint,
		"state":    state,
		"open":     open,
	})
}

// PublishHandlerError reports a handler failure surfaced to a peer,
// keyed by the translated error code.
func (eb *EventBus) PublishHandlerError(protocol, route, code string) {
	eb.PublishAsync(EventHandlerError, map[string]interface{}{
		"protocol": protocol,
		"route":    route,
		"code":     code,
	})
}
