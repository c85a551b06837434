package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/pkg/utils"
)

// Outcome label values shared by send and tool-invocation counters.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Collector owns the Prometheus instruments for one messaging runtime.
// It registers against a private registry so embedding applications can
// compose it with their own collectors without default-registry clashes.
type Collector struct {
	logger   *logrus.Logger
	registry *prometheus.Registry

	envelopesSent     *prometheus.CounterVec
	envelopesReceived *prometheus.CounterVec
	sendDuration      *prometheus.HistogramVec
	probeDuration     *prometheus.HistogramVec
	demotionsTotal    *prometheus.CounterVec
	handlerErrors     *prometheus.CounterVec
	toolInvocations   *prometheus.CounterVec

	registeredAgents  prometheus.Gauge
	activeConnections *prometheus.GaugeVec
	buildInfo         *prometheus.GaugeVec
}

// NewCollector creates a collector labelled with the owning service's
// identity and registers every instrument.
func NewCollector(logger *logrus.Logger, serviceName, serviceVersion string) *Collector {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service_name": serviceName}

	c := &Collector{
		logger:   utils.EnsureLogger(logger),
		registry: registry,

		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "qollective_envelopes_sent_total",
			Help:        "Total envelopes sent, by transport protocol and outcome",
			ConstLabels: constLabels,
		}, []string{"protocol", "outcome"}),

		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "qollective_envelopes_received_total",
			Help:        "Total envelopes dispatched to handlers, by transport protocol",
			ConstLabels: constLabels,
		}, []string{"protocol"}),

		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "qollective_send_duration_seconds",
			Help:        "Round-trip latency of envelope sends",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"protocol"}),

		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "qollective_probe_duration_seconds",
			Help:        "Latency of transport capability probes",
			ConstLabels: constLabels,
			Buckets:     []float64{.001, .005, .01, .05, .1, .5, 1, 2},
		}, []string{"protocol"}),

		demotionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "qollective_transport_demotions_total",
			Help:        "Protocols taken out of rotation after send failures",
			ConstLabels: constLabels,
		}, []string{"protocol"}),

		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "qollective_handler_errors_total",
			Help:        "Handler failures by transport protocol and error code",
			ConstLabels: constLabels,
		}, []string{"protocol", "code"}),

		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "qollective_tool_invocations_total",
			Help:        "Tool calls routed through the MCP adapter",
			ConstLabels: constLabels,
		}, []string{"tool", "outcome"}),

		registeredAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "qollective_registered_agents",
			Help:        "Live agents currently held by the registry",
			ConstLabels: constLabels,
		}),

		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "qollective_active_connections",
			Help:        "Open long-lived connections, by transport protocol",
			ConstLabels: constLabels,
		}, []string{"protocol"}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "qollective_build_info",
			Help:        "Service identity",
			ConstLabels: constLabels,
		}, []string{"service_version"}),
	}

	registry.MustRegister(
		c.envelopesSent,
		c.envelopesReceived,
		c.sendDuration,
		c.probeDuration,
		c.demotionsTotal,
		c.handlerErrors,
		c.toolInvocations,
		c.registeredAgents,
		c.activeConnections,
		c.buildInfo,
	)

	c.buildInfo.WithLabelValues(serviceVersion).Set(1)

	c.logger.Info("Metrics collector initialized")
	return c
}

// RecordSend counts one completed send and observes its latency.
func (c *Collector) RecordSend(protocol string, err error, elapsed time.Duration) {
	c.RecordSendOutcome(protocol, err == nil, elapsed)
}

// RecordSendOutcome is RecordSend for callers that only know whether
// the send succeeded, such as event-bus subscribers.
func (c *Collector) RecordSendOutcome(protocol string, success bool, elapsed time.Duration) {
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeError
	}
	c.envelopesSent.WithLabelValues(protocol, outcome).Inc()
	c.sendDuration.WithLabelValues(protocol).Observe(elapsed.Seconds())
}

// RecordReceive counts one envelope dispatched to a handler.
func (c *Collector) RecordReceive(protocol string) {
	c.envelopesReceived.WithLabelValues(protocol).Inc()
}

// RecordProbe observes one capability-probe latency.
func (c *Collector) RecordProbe(protocol string, elapsed time.Duration) {
	c.probeDuration.WithLabelValues(protocol).Observe(elapsed.Seconds())
}

// RecordDemotion counts a protocol removed from an endpoint's rotation.
func (c *Collector) RecordDemotion(protocol string) {
	c.demotionsTotal.WithLabelValues(protocol).Inc()
}

// RecordHandlerError counts a handler failure by its translated code.
func (c *Collector) RecordHandlerError(protocol, code string) {
	c.handlerErrors.WithLabelValues(protocol, code).Inc()
}

// RecordToolInvocation counts one MCP tool call.
func (c *Collector) RecordToolInvocation(tool string, success bool) {
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeError
	}
	c.toolInvocations.WithLabelValues(tool, outcome).Inc()
}

// SetRegisteredAgents reports the registry's live agent count.
func (c *Collector) SetRegisteredAgents(count int) {
	c.registeredAgents.Set(float64(count))
}

// SetActiveConnections reports open connections for a transport.
func (c *Collector) SetActiveConnections(protocol string, count int) {
	c.activeConnections.WithLabelValues(protocol).Set(float64(count))
}

// GetRegistry returns the private Prometheus registry.
func (c *Collector) GetRegistry() *prometheus.Registry {
	return c.registry
}

// Handler returns an http.Handler exposing the registry in the
// Prometheus text format, suitable for mounting at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
