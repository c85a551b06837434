package logger

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/internal/bus"
)

// BusLogHook mirrors log entries onto the EventBus so observers (for
// example WebSocket dashboards) can stream them without scraping files.
type BusLogHook struct {
	eventBus *bus.EventBus
	source   string
	minLevel logrus.Level
}

// NewBusLogHook creates a hook that publishes entries at or above minLevel.
func NewBusLogHook(eventBus *bus.EventBus, source string, minLevel logrus.Level) *BusLogHook {
	return &BusLogHook{
		eventBus: eventBus,
		source:   source,
		minLevel: minLevel,
	}
}

// Levels returns the log levels this hook fires for.
func (h *BusLogHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, lvl := range logrus.AllLevels {
		if lvl <= h.minLevel {
			levels = append(levels, lvl)
		}
	}
	return levels
}

// Fire is called for every matching log entry.
func (h *BusLogHook) Fire(entry *logrus.Entry) error {
	if h.eventBus == nil {
		return nil
	}

	traceID := ""
	if tid, ok := entry.Data["trace_id"].(string); ok {
		traceID = tid
	}
	requestID := ""
	if rid, ok := entry.Data["request_id"].(string); ok {
		requestID = rid
	}

	message := entry.Message
	var fieldParts []string
	for key, value := range entry.Data {
		if key != "trace_id" && key != "request_id" {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", key, value))
		}
	}
	if len(fieldParts) > 0 {
		message = fmt.Sprintf("%s [%s]", message, strings.Join(fieldParts, ", "))
	}

	h.eventBus.PublishAsync(bus.EventLog, map[string]interface{}{
		"level":      entry.Level.String(),
		"message":    message,
		"source":     h.source,
		"trace_id":   traceID,
		"request_id": requestID,
		"timestamp":  entry.Time.Format(time.RFC3339),
	})

	return nil
}
