package metrics

import (
	"time"

	"github.com/qollective/qollective-go/internal/bus"
)

// ObserveBus subscribes the collector to lifecycle events so the
// transports publish once and metrics follow along. Direct Record calls
// stay available for paths that need data the bus does not carry.
func (c *Collector) ObserveBus(eb *bus.EventBus) {
	eb.Subscribe(bus.EventEnvelopeSent, func(e bus.Event) {
		protocol, ok := e.Payload["protocol"].(string)
		if !ok {
			return
		}
		success, _ := e.Payload["success"].(bool)
		latencyMs, _ := e.Payload["latencyMs"].(int64)
		c.RecordSendOutcome(protocol, success, time.Duration(latencyMs)*time.Millisecond)
	})

	eb.Subscribe(bus.EventEnvelopeReceived, func(e bus.Event) {
		if protocol, ok := e.Payload["protocol"].(string); ok {
			c.RecordReceive(protocol)
		}
	})

	eb.Subscribe(bus.EventTransportProbed, func(e bus.Event) {
		latencies, ok := e.Payload["latencies"].(map[string]int64)
		if !ok {
			return
		}
		for protocol, ms := range latencies {
			c.RecordProbe(protocol, time.Duration(ms)*time.Millisecond)
		}
	})

	eb.Subscribe(bus.EventTransportDemoted, func(e bus.Event) {
		if protocol, ok := e.Payload["protocol"].(string); ok {
			c.RecordDemotion(protocol)
		}
	})

	eb.Subscribe(bus.EventHandlerError, func(e bus.Event) {
		protocol, _ := e.Payload["protocol"].(string)
		code, _ := e.Payload["code"].(string)
		if protocol != "" && code != "" {
			c.RecordHandlerError(protocol, code)
		}
	})

	eb.Subscribe(bus.EventToolInvoked, func(e bus.Event) {
		tool, _ := e.Payload["tool"].(string)
		success, _ := e.Payload["success"].(bool)
		if tool != "" {
			c.RecordToolInvocation(tool, success)
		}
	})

	eb.Subscribe(bus.EventConnectionState, func(e bus.Event) {
		protocol, _ := e.Payload["protocol"].(string)
		open, ok := e.Payload["open"].(int)
		if protocol != "" && ok {
			c.SetActiveConnections(protocol, open)
		}
	})
}
